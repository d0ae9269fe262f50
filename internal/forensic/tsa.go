package forensic

import (
	"bytes"
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const tsaTimeout = 10 * time.Second

// maxTokenSize bounds the TimeStampResp we accept. Real tokens are a
// few KB.
const maxTokenSize = 1 << 20

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// TSAClient obtains RFC 3161 timestamp tokens. The returned token is
// the raw DER TimeStampResp, stored alongside the export so a third
// party can prove when the batch hash existed.
type TSAClient struct {
	url    string
	http   *http.Client
	logger *log.Logger
}

func NewTSAClient(url string) *TSAClient {
	return &TSAClient{
		url:    url,
		http:   &http.Client{Timeout: tsaTimeout},
		logger: log.New(log.Writer(), "[TSA] ", log.LstdFlags),
	}
}

// Timestamp requests a token over digestHex. The digest bytes go into
// the message imprint as-is; certReq is always set so the response
// carries the TSA certificate chain.
func (c *TSAClient) Timestamp(ctx context.Context, digestHex string) ([]byte, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("bad digest %q: %w", digestHex, err)
	}

	der, err := timestampRequest(digest)
	if err != nil {
		return nil, fmt.Errorf("encode timestamp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(der))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TSA returned HTTP %d", resp.StatusCode)
	}
	token, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenSize))
	if err != nil {
		return nil, err
	}
	if len(token) == 0 {
		return nil, fmt.Errorf("TSA returned an empty token")
	}

	c.logger.Printf("🕐 Obtained timestamp token for %s…", digestHex[:16])
	return token, nil
}

// messageImprint and timeStampReq mirror the RFC 3161 ASN.1 modules,
// minus the optional policy, nonce and extension fields.
type messageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	CertReq        bool
}

func timestampRequest(digest []byte) ([]byte, error) {
	return asn1.Marshal(timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  oidSHA256,
				Parameters: asn1.NullRawValue,
			},
			HashedMessage: digest,
		},
		CertReq: true,
	})
}
