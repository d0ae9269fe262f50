package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus mirrors every event onto a Google Cloud Pub/Sub topic in
// addition to the in-process fan-out. Downstream consumers (SIEM
// ingestion, billing reconciliation) read the topic; the websocket
// feed and webhook dispatcher keep reading the embedded Bus.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects to the project's topic, creating it when
// missing. Message ordering is enabled so that events for one sponsor
// arrive in emission order.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic %s: %w", topicID, err)
		}
	}
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PubSub] ", log.LstdFlags),
	}
	bus.logger.Printf("✅ Connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit publishes to Pub/Sub for durability, then to local subscribers.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

// publish serializes the envelope into a Pub/Sub message. CloudEvents
// metadata rides in attributes so consumers can filter server-side
// without decoding payloads.
func (pb *PubSubBus) publish(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("❌ Marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-sponsorid":   event.SponsorID,
		},
		// An empty ordering key publishes unordered, which is what
		// sponsor-less system events want.
		OrderingKey: event.SponsorID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// The result is checked off the hot path. An execution never waits
	// on broker acknowledgement.
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			pb.logger.Printf("❌ Publish %s failed: %v", event.ID, err)
			return
		}
		pb.logger.Printf("📤 Published %s as msg %s (type=%s)", event.ID, serverID, event.Type)
	}()
}

// PublishRaw forwards a pre-built envelope to both planes. Useful for
// replaying captured events or forwarding envelopes between topics.
func (pb *PubSubBus) PublishRaw(event *CloudEvent) {
	pb.publish(event)
	pb.Bus.Publish(event)
}

// Close stops the topic and releases the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	pb.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (pb *PubSubBus) TopicPath() string {
	return pb.topic.String()
}

// HealthCheck verifies the topic is still reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic %s does not exist", pb.topic.ID())
	}
	return nil
}

// Stats reports basic delivery telemetry about the bus.
func (pb *PubSubBus) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "gcp-pubsub",
		"topic":       pb.topic.String(),
		"subscribers": pb.Bus.SubscriberCount(),
	}
}

var _ Emitter = (*PubSubBus)(nil)
