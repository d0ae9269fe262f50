package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Delivery headers. Receivers verify Signature over Timestamp plus the
// raw request body.
const (
	SignatureHeader = "X-Aegis-Signature"
	TimestampHeader = "X-Aegis-Timestamp"
	EventTypeHeader = "X-Aegis-Event-Type"
	EventIDHeader   = "X-Aegis-Event-ID"
	AttemptHeader   = "X-Aegis-Delivery-Attempt"
)

// Tolerance bounds how far a signed timestamp may drift from the
// receiver's clock before the delivery is rejected as a replay.
const Tolerance = 300 * time.Second

var (
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
	ErrBadSignature   = errors.New("webhook signature mismatch")
)

// Sign computes "sha256=" plus the hex HMAC-SHA256 over
// "<unix>.<payload>". The payload must already be canonical JSON so
// signer and verifier hash identical bytes.
func Sign(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the timestamp header and
// body. now anchors the tolerance window so receivers can pin it in
// tests.
func Verify(secret, signature, timestamp string, payload []byte, now time.Time) error {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp %q: %w", timestamp, err)
	}
	ts := time.Unix(unix, 0)
	if drift := now.Sub(ts); drift > Tolerance || drift < -Tolerance {
		return ErrStaleTimestamp
	}
	expected := Sign(secret, ts, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
