package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/crypto"
	"github.com/aegisproxy/backend/internal/events"
	"github.com/aegisproxy/backend/internal/metrics"
)

const (
	defaultWorkers = 4
	queueDepth     = 1000
	maxAttempts    = 3
	deliverTimeout = 10 * time.Second
)

// Deliverer pushes one CloudEvent at sponsor endpoints. Dispatcher and
// CloudDispatcher both satisfy it.
type Deliverer interface {
	Dispatch(ctx context.Context, event *events.CloudEvent)
	Shutdown()
}

// Forward pumps bus events into a deliverer. The returned stop
// function detaches the subscription.
func Forward(bus *events.Bus, d Deliverer) func() {
	ch := bus.Subscribe()
	go func() {
		for event := range ch {
			d.Dispatch(context.Background(), event)
		}
	}()
	return func() { bus.Unsubscribe(ch) }
}

// Dispatcher delivers events through a small worker pool. Failed
// deliveries retry up to maxAttempts with quadratic backoff, and the
// registry deactivates endpoints that keep failing.
type Dispatcher struct {
	registry  *Registry
	client    *http.Client
	queue     chan *delivery
	logger    *log.Logger
	wg        sync.WaitGroup
	now       func() time.Time
	retryBase time.Duration
	metrics   *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

type delivery struct {
	sub     *Subscription
	event   *events.CloudEvent
	payload []byte
	attempt int
}

func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	d := &Dispatcher{
		registry:  registry,
		client:    &http.Client{Timeout: deliverTimeout},
		queue:     make(chan *delivery, queueDepth),
		logger:    log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
		now:       time.Now,
		retryBase: time.Second,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// WithMetrics counts delivery outcomes. Nil-safe to skip.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(result).Inc()
	}
}

// Dispatch queues the event for every matching subscription. Events
// without a sponsor have no audience and are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, event *events.CloudEvent) {
	sponsorID, err := uuid.Parse(event.SponsorID)
	if err != nil {
		return
	}

	subs, err := d.registry.Subscribers(ctx, sponsorID, event.Type)
	if err != nil {
		d.logger.Printf("⚠️ Subscriber lookup for %s: %v", event.Type, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	// Canonical bytes are both the body and the signature input.
	payload, err := crypto.CanonicalJSON(event)
	if err != nil {
		d.logger.Printf("❌ Canonicalize %s: %v", event.ID, err)
		return
	}

	for _, sub := range subs {
		d.enqueue(&delivery{sub: sub, event: event, payload: payload, attempt: 1})
	}
}

func (d *Dispatcher) enqueue(job *delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job:
	default:
		d.logger.Printf("⚠️ Delivery queue full, dropping %s for %s", job.event.ID, job.sub.ID)
		d.count("dropped")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *delivery) {
	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("❌ Build request for %s: %v", job.sub.URL, err)
		return
	}

	ts := d.now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventTypeHeader, job.event.Type)
	req.Header.Set(EventIDHeader, job.event.ID)
	req.Header.Set(AttemptHeader, strconv.Itoa(job.attempt))
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts.Unix(), 10))
	if job.sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(job.sub.Secret, ts, job.payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.failed(job, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.failed(job, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return
	}
	d.logger.Printf("✅ Delivered %s to %s (attempt %d)", job.event.Type, job.sub.URL, job.attempt)
	d.count("delivered")
}

// failed marks the endpoint and schedules a retry off the worker, so a
// flapping endpoint never stalls the pool.
func (d *Dispatcher) failed(job *delivery, why string) {
	d.logger.Printf("❌ Delivery %s to %s failed: %s", job.event.ID, job.sub.URL, why)
	d.registry.MarkFailed(context.Background(), job.sub.ID)

	if job.attempt >= maxAttempts {
		d.count("failed")
		return
	}
	backoff := time.Duration(job.attempt*job.attempt) * d.retryBase
	job.attempt++
	time.AfterFunc(backoff, func() { d.enqueue(job) })
}

// Shutdown stops accepting deliveries and waits for in-flight ones.
// Retries pending at shutdown are dropped.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

var _ Deliverer = (*Dispatcher)(nil)
