// Package webhooks delivers signed CloudEvents to sponsor-registered
// HTTP endpoints. Subscriptions live in Postgres; delivery runs
// through an in-process worker pool or, when configured, Google Cloud
// Tasks.
package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aegisproxy/backend/internal/events"
)

// maxFailures deactivates a subscription once deliveries keep dying.
// Reactivation is a manual re-registration.
const maxFailures = 10

var ErrNotFound = errors.New("webhook subscription not found")

// knownTypes guards registrations against typos in event names.
var knownTypes = map[string]bool{
	events.TypeHITLCreated:      true,
	events.TypeHITLDecided:      true,
	events.TypeAgentPanic:       true,
	events.TypeAnomalyDetected:  true,
	events.TypeWalletFrozen:     true,
	events.TypeExecutionBlocked: true,
}

// Subscription is a sponsor's delivery endpoint plus its event filter.
// The secret never serializes.
type Subscription struct {
	ID           uuid.UUID `json:"id"`
	SponsorID    uuid.UUID `json:"sponsor_id"`
	URL          string    `json:"url"`
	Secret       string    `json:"-"`
	EventTypes   []string  `json:"event_types"`
	IsActive     bool      `json:"is_active"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
}

const subscriptionColumns = "id, sponsor_id, url, secret, event_types, is_active, failure_count, created_at"

// Registry stores subscriptions in webhook_subscriptions.
type Registry struct {
	db     *sql.DB
	logger *log.Logger
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		db:     db,
		logger: log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
	}
}

// Create validates and stores a subscription.
func (r *Registry) Create(ctx context.Context, sponsorID uuid.UUID, url, secret string, eventTypes []string) (*Subscription, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if len(eventTypes) == 0 {
		return nil, errors.New("at least one event type is required")
	}
	for _, et := range eventTypes {
		if !knownTypes[et] {
			return nil, fmt.Errorf("unknown event type %q", et)
		}
	}

	sub := &Subscription{
		SponsorID:  sponsorID,
		URL:        url,
		Secret:     secret,
		EventTypes: eventTypes,
		IsActive:   true,
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO webhook_subscriptions (sponsor_id, url, secret, event_types)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		sponsorID, url, secret, pq.Array(eventTypes),
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}

	r.logger.Printf("📡 Registered webhook %s -> %s %v", sub.ID, url, eventTypes)
	return sub, nil
}

// List returns the sponsor's subscriptions, newest first.
func (r *Registry) List(ctx context.Context, sponsorID uuid.UUID) ([]*Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE sponsor_id = $1 ORDER BY created_at DESC`,
		sponsorID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return collectSubscriptions(rows)
}

// Delete removes a subscription. Sponsor scoping keeps one tenant from
// deleting another's endpoint.
func (r *Registry) Delete(ctx context.Context, sponsorID, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE id = $1 AND sponsor_id = $2`,
		id, sponsorID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.logger.Printf("🗑️ Unregistered webhook %s", id)
	return nil
}

// Subscribers returns the sponsor's active endpoints watching an event
// type.
func (r *Registry) Subscribers(ctx context.Context, sponsorID uuid.UUID, eventType string) ([]*Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE sponsor_id = $1 AND is_active AND $2 = ANY(event_types)`,
		sponsorID, eventType)
	if err != nil {
		return nil, fmt.Errorf("match webhooks: %w", err)
	}
	return collectSubscriptions(rows)
}

// MarkFailed bumps the failure count, deactivating the endpoint when
// it reaches the cap. Delivery is best-effort so errors only log.
func (r *Registry) MarkFailed(ctx context.Context, id uuid.UUID) {
	var (
		count  int
		active bool
	)
	err := r.db.QueryRowContext(ctx,
		`UPDATE webhook_subscriptions
		 SET failure_count = failure_count + 1,
		     is_active = failure_count + 1 < $2
		 WHERE id = $1
		 RETURNING failure_count, is_active`,
		id, maxFailures,
	).Scan(&count, &active)
	if err != nil {
		r.logger.Printf("⚠️ Mark failure on %s: %v", id, err)
		return
	}
	if !active {
		r.logger.Printf("⚠️ Webhook %s deactivated after %d failures", id, count)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub   Subscription
		types pq.StringArray
	)
	if err := row.Scan(&sub.ID, &sub.SponsorID, &sub.URL, &sub.Secret,
		&types, &sub.IsActive, &sub.FailureCount, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.EventTypes = []string(types)
	return &sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
