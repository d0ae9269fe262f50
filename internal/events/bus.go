// Package events fans security happenings out as CloudEvents 1.0. The
// in-memory bus feeds the live websocket stream and the webhook
// dispatcher; the Pub/Sub bus layers durable cross-service delivery on
// top of the same envelope.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the CloudEvents version every envelope carries.
const SpecVersion = "1.0"

// Event types emitted by the proxy. Webhook subscriptions and stream
// filters match on these names.
const (
	TypeHITLCreated      = "aegis.hitl.created"
	TypeHITLDecided      = "aegis.hitl.decided"
	TypeAgentPanic       = "aegis.agent.panic"
	TypeAnomalyDetected  = "aegis.anomaly.detected"
	TypeWalletFrozen     = "aegis.wallet.frozen"
	TypeExecutionBlocked = "aegis.execution.blocked"
)

// Emitter publishes CloudEvents. Both Bus and PubSubBus satisfy it, so
// callers never care whether delivery is in-process or durable.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CNCF CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	SponsorID   string                 `json:"sponsorid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	ce := &CloudEvent{
		SpecVersion: SpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
	if sid, ok := data["sponsor_id"].(string); ok {
		ce.SponsorID = sid
	}
	return ce
}

// JSON serializes the envelope.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// Bus is the in-process fan-out. Delivery is best-effort: a subscriber
// that stops draining its channel loses events rather than stalling
// the execution path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		logger:      log.New(log.Writer(), "[Events] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the named event types, or
// every event when none are given. The caller must Unsubscribe.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel. Unknown
// channels are ignored, so racing a connection teardown is safe.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			} else {
				found = true
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		} else {
			found = true
		}
	}
	b.allSubs = filtered

	if found {
		close(ch)
	}
}

// Publish delivers to every matching subscriber without blocking. A
// full channel drops the event for that subscriber only.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds the envelope and publishes it.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount reports active subscriptions, for health stats.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
