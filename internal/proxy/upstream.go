package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aegisproxy/backend/internal/core"
)

const (
	upstreamTimeout  = 30 * time.Second
	connectTimeout   = 10 * time.Second
	maxCapturedBody  = 5000
	maxHeaderForward = 50
)

type pinnedIPsKey struct{}

// Caller is the outbound hop. The pipeline only needs Do, so tests can
// swap the real client for a canned response.
type Caller interface {
	Do(ctx context.Context, req *core.ExecuteRequest, pins []net.IP, bearer string) (*core.UpstreamResponse, error)
}

// Upstream is the shared outbound HTTP client for proxied calls.
// Dials are pinned to the addresses the SSRF guard resolved during
// validation, so a DNS record that flips between check and connect
// cannot reroute the request to a private network.
type Upstream struct {
	client *http.Client
}

func NewUpstream() *Upstream {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			pins, _ := ctx.Value(pinnedIPsKey{}).([]net.IP)
			if len(pins) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range pins {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Upstream{client: &http.Client{
		Timeout:   upstreamTimeout,
		Transport: transport,
		// A redirect could hop to an address the guard never vetted.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Do performs the proxied call. The bearer credential is attached only
// when the caller did not bring their own Authorization header, and
// the captured body is capped so a hostile upstream cannot balloon the
// audit trail.
func (u *Upstream) Do(ctx context.Context, req *core.ExecuteRequest, pins []net.IP, bearer string) (*core.UpstreamResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 && bodyAllowed(req.Method) {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(
		context.WithValue(ctx, pinnedIPsKey{}, pins), req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}

	n := 0
	for k, v := range req.Headers {
		if n >= maxHeaderForward {
			break
		}
		httpReq.Header.Set(k, v)
		n++
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &core.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       string(raw),
	}, nil
}

// CloseIdle drops pooled connections at shutdown.
func (u *Upstream) CloseIdle() {
	u.client.CloseIdleConnections()
}

func bodyAllowed(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// isTimeout classifies a transport failure for the gateway status
// choice. Client.Timeout surfaces as a wrapped context deadline, so
// the string probe alone would miss it.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
