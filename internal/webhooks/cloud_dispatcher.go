package webhooks

import (
	"context"
	"log"
	"strconv"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/crypto"
	"github.com/aegisproxy/backend/internal/events"
)

// CloudDispatcher hands deliveries to Google Cloud Tasks, which owns
// retries, queue-level rate limits and the dead-letter queue. When an
// enqueue fails and a fallback pool exists, the delivery degrades to
// in-process.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
	now       func() time.Time
}

// NewCloudDispatcher connects to a queue named by its full path
// (projects/P/locations/L/queues/Q). fallbackWorkers > 0 also starts
// an in-process pool for when the queue is unreachable.
func NewCloudDispatcher(registry *Registry, queuePath string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, err
	}

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: queuePath,
		logger:    log.New(log.Writer(), "[CloudTasks] ", log.LstdFlags),
		now:       time.Now,
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	cd.logger.Printf("✅ Connected to queue %s", queuePath)
	return cd, nil
}

// Dispatch enqueues one task per matching subscription.
func (cd *CloudDispatcher) Dispatch(ctx context.Context, event *events.CloudEvent) {
	sponsorID, err := uuid.Parse(event.SponsorID)
	if err != nil {
		return
	}

	subs, err := cd.registry.Subscribers(ctx, sponsorID, event.Type)
	if err != nil {
		cd.logger.Printf("⚠️ Subscriber lookup for %s: %v", event.Type, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := crypto.CanonicalJSON(event)
	if err != nil {
		cd.logger.Printf("❌ Canonicalize %s: %v", event.ID, err)
		return
	}

	for _, sub := range subs {
		cd.enqueueTask(sub, event, payload)
	}
}

func (cd *CloudDispatcher) enqueueTask(sub *Subscription, event *events.CloudEvent, payload []byte) {
	ts := cd.now()
	headers := map[string]string{
		"Content-Type":  "application/json",
		EventTypeHeader: event.Type,
		EventIDHeader:   event.ID,
		AttemptHeader:   "1",
		TimestampHeader: strconv.FormatInt(ts.Unix(), 10),
	}
	if sub.Secret != "" {
		headers[SignatureHeader] = Sign(sub.Secret, ts, payload)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path. Note the signed timestamp is the
	// enqueue time; queue-level retries past the tolerance window need
	// the receiver to fetch a fresh copy rather than trust the replay.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("❌ Enqueue %s for %s: %v", event.ID, sub.URL, err)
			if cd.fallback != nil {
				cd.logger.Printf("↩️ Falling back to in-process delivery for %s", event.ID)
				cd.fallback.enqueue(&delivery{sub: sub, event: event, payload: payload, attempt: 1})
			}
			return
		}
		cd.logger.Printf("📤 Enqueued %s for %s (task=%s)", event.ID, sub.URL, task.GetName())
	}()
}

// Shutdown closes the queue client and drains the fallback pool.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Client close: %v", err)
	}
}

// Stats reports basic delivery telemetry about the dispatcher.
func (cd *CloudDispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cd.queuePath,
		"has_fallback": cd.fallback != nil,
	}
}

var _ Deliverer = (*CloudDispatcher)(nil)
