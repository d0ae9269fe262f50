package sdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transport is an http.RoundTripper that routes every outbound request
// through the AEGIS gateway instead of sending it directly. Existing
// HTTP code keeps working unchanged; the gateway vets, executes and
// audits each call.
//
// Refusals surface as synthesized responses: 403 with the decision as
// the JSON body, or 202 when the call is parked for human approval.
// Blocked responses carry the error code in the X-Aegis-Code header.
type Transport struct {
	// Client routes the calls (required).
	Client *Client

	// AgentID is attached to every proxied request (required).
	AgentID uuid.UUID

	// ServiceFor maps a request to the gateway service name that
	// permissions and secrets are keyed on. Defaults to the URL
	// hostname.
	ServiceFor func(*http.Request) string

	// CostFor estimates the spend for a request, for wallet
	// reservation. Defaults to zero.
	CostFor func(*http.Request) decimal.Decimal
}

// WrapHTTPClient returns an http.Client whose every request is routed
// through the gateway. Wrap the client your agent already uses:
//
//	governed := sdk.WrapHTTPClient(aegis, agentID, http.DefaultClient)
//	resp, err := governed.Post("https://api.stripe.com/v1/charges", ...)
func WrapHTTPClient(client *Client, agentID uuid.UUID, wrapped *http.Client) *http.Client {
	if wrapped == nil {
		wrapped = http.DefaultClient
	}
	return &http.Client{
		Timeout:   wrapped.Timeout,
		Transport: &Transport{Client: client, AgentID: agentID},
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body json.RawMessage
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("aegis: read request body: %w", err)
		}
		body = raw
	}

	service := req.URL.Hostname()
	if t.ServiceFor != nil {
		service = t.ServiceFor(req)
	}
	var cost decimal.Decimal
	if t.CostFor != nil {
		cost = t.CostFor(req)
	}

	headers := make(map[string]string, len(req.Header))
	for k, v := range req.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	d, err := t.Client.Execute(req.Context(), ExecuteRequest{
		AgentID:          t.AgentID,
		ServiceName:      service,
		Action:           strings.ToLower(req.Method),
		URL:              req.URL.String(),
		Method:           req.Method,
		Headers:          headers,
		Body:             body,
		EstimatedCostUSD: cost,
	})
	if err != nil {
		return nil, err
	}

	if d.Status != StatusExecuted {
		status := http.StatusForbidden
		if d.RequiresApproval() {
			status = http.StatusAccepted
		}
		payload, _ := json.Marshal(d)
		header := http.Header{
			"Content-Type":     {"application/json"},
			"X-Aegis-Decision": {d.RequestID},
		}
		if code := d.ErrorCode(); code != "" {
			header.Set("X-Aegis-Code", code)
		}
		return synthesize(req, status, header, payload), nil
	}

	// Bodies over the gateway's capture limit come back truncated;
	// agents that stream large downloads should not use the
	// transparent transport for them. Non-JSON upstream bodies travel
	// as JSON strings and are unwrapped back to text here.
	header := http.Header{"X-Aegis-Decision": {d.RequestID}}
	var payload []byte
	if len(d.ResponseBody) > 0 {
		payload = []byte(d.ResponseBody)
		header.Set("Content-Type", "application/json")
		var text string
		if json.Unmarshal(d.ResponseBody, &text) == nil {
			payload = []byte(text)
			header.Set("Content-Type", "text/plain; charset=utf-8")
		}
	}
	status := d.ResponseCode
	if status == 0 {
		status = http.StatusOK
	}
	return synthesize(req, status, header, payload), nil
}

func synthesize(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
