package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + query
}

func dialFeed(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, query), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *CloudEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ce CloudEvent
	require.NoError(t, json.Unmarshal(payload, &ce))
	return &ce
}

// ============================================================
// Streaming
// ============================================================

func TestFeedStreamsPublishedEvents(t *testing.T) {
	bus := NewBus()
	srv := httptest.NewServer(NewFeed(bus, "test", ""))
	defer srv.Close()

	conn := dialFeed(t, srv, "")
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond, "handler must register its subscription")

	bus.Emit(TypeAgentPanic, "/aegis/breaker", "agent-1", map[string]interface{}{
		"reason": "spend_velocity",
	})

	ce := readEvent(t, conn)
	assert.Equal(t, TypeAgentPanic, ce.Type)
	assert.Equal(t, "agent-1", ce.Subject)
	assert.Equal(t, "spend_velocity", ce.Data["reason"])
}

func TestFeedTypesQueryFiltersStream(t *testing.T) {
	bus := NewBus()
	srv := httptest.NewServer(NewFeed(bus, "test", ""))
	defer srv.Close()

	conn := dialFeed(t, srv, "?types="+TypeWalletFrozen)
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond)

	bus.Emit(TypeExecutionBlocked, "/aegis/proxy", "skip", nil)
	bus.Emit(TypeWalletFrozen, "/aegis/wallet", "agent-2", nil)

	ce := readEvent(t, conn)
	assert.Equal(t, TypeWalletFrozen, ce.Type, "filtered stream must skip other types")
}

func TestFeedDisconnectReleasesSubscription(t *testing.T) {
	bus := NewBus()
	srv := httptest.NewServer(NewFeed(bus, "test", ""))
	defer srv.Close()

	conn := dialFeed(t, srv, "")
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return bus.SubscriberCount() == 0 },
		2*time.Second, 10*time.Millisecond, "readPump must unsubscribe on disconnect")
}

// ============================================================
// Origin policy
// ============================================================

func TestFeedProductionRejectsUnknownOrigin(t *testing.T) {
	bus := NewBus()
	srv := httptest.NewServer(NewFeed(bus, "production", "https://console.example.com"))
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestFeedProductionAcceptsAllowlistedOrigin(t *testing.T) {
	bus := NewBus()
	srv := httptest.NewServer(NewFeed(bus, "production", "https://console.example.com"))
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://console.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()
}
