package events

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // ping interval, must be under pongWait
	writeWait  = 10 * time.Second // time allowed to write one frame
	readLimit  = 512              // the feed is one-way, clients only send control frames
	sendBuffer = 256
)

// Feed streams bus events to websocket clients on /ws. Each connection
// gets its own subscription; a client that stops reading loses events
// instead of backing up the bus.
type Feed struct {
	bus      *Bus
	logger   *log.Logger
	upgrader websocket.Upgrader
}

// NewFeed builds the stream endpoint. In production the CORS allowlist
// doubles as the websocket origin allowlist; everywhere else all
// origins are accepted.
func NewFeed(bus *Bus, env, corsOrigins string) *Feed {
	f := &Feed{
		bus:    bus,
		logger: log.New(log.Writer(), "[Feed] ", log.LstdFlags),
	}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     f.buildCheckOrigin(env, corsOrigins),
	}
	return f
}

func (f *Feed) buildCheckOrigin(env, corsOrigins string) func(r *http.Request) bool {
	if env == "production" && corsOrigins != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			f.logger.Printf("🚫 Rejected websocket origin %q", origin)
			return false
		}
	}

	if env == "production" {
		f.logger.Printf("⚠️ CORS_ORIGINS unset in production, accepting all websocket origins")
	}
	return func(r *http.Request) bool { return true }
}

// ServeHTTP upgrades the connection and starts streaming. A ?types=
// query parameter narrows the subscription to a comma-separated list
// of event types.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("⚠️ Upgrade failed: %v", err)
		return
	}

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	client := &feedClient{
		feed: f,
		conn: conn,
		sub:  f.bus.Subscribe(types...),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	f.logger.Printf("🔌 Stream connected from %s (types=%v)", r.RemoteAddr, types)

	// writePump owns every write to conn, readPump owns every read.
	go client.forward()
	go client.writePump()
	go client.readPump()
}

type feedClient struct {
	feed *Feed
	conn *websocket.Conn
	sub  chan *CloudEvent
	send chan []byte
	done chan struct{}
	once sync.Once
}

// close tears the connection down exactly once. Unsubscribe closes the
// sub channel, which ends forward.
func (c *feedClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.feed.bus.Unsubscribe(c.sub)
		c.conn.Close()
	})
}

// forward serializes subscribed events into the outbound buffer. It
// exits when close unsubscribes the channel.
func (c *feedClient) forward() {
	for event := range c.sub {
		payload, err := event.JSON()
		if err != nil {
			continue
		}
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

			// Drain what queued up while writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump discards client frames. Reading keeps pong processing alive
// and notices the peer going away.
func (c *feedClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.feed.logger.Printf("⚠️ Stream read error: %v", err)
			}
			return
		}
	}
}
