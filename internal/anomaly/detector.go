// Package anomaly keeps a rolling behavioral baseline per agent and
// scores each execution against it. The baseline lives in Postgres
// (behavior_profiles); the rolling action window lives in the
// ephemeral store so scoring never touches the database hot path
// more than once.
package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/infra"
)

// Scoring weights. An execution is anomalous at or above the
// threshold; the total is capped at 1.0.
const (
	weightUnusualService = 0.4
	weightUnusualHour    = 0.3
	weightVelocitySpike  = 0.5
	anomalyThreshold     = 0.6

	actionWindow = 1000 // rolling actions kept per agent
)

// recordedAction is one entry of the rolling window.
type recordedAction struct {
	Service string  `json:"service"`
	Action  string  `json:"action"`
	Hour    int     `json:"hour"`
	TS      int64   `json:"ts"`
	Cost    float64 `json:"cost"`
}

// Result is a Detect verdict.
type Result struct {
	Anomalous bool     `json:"anomalous"`
	RiskScore float64  `json:"risk_score"`
	Factors   []string `json:"factors"`
}

// Detector records actions and scores them against the profile.
type Detector struct {
	db     *sql.DB
	store  infra.RedisStore
	logger *log.Logger
	now    func() time.Time
}

func NewDetector(db *sql.DB, store infra.RedisStore) *Detector {
	return &Detector{
		db:     db,
		store:  store,
		logger: log.New(log.Writer(), "[Anomaly] ", log.LstdFlags),
		now:    time.Now,
	}
}

// WithClock overrides the detector's clock. Test hook.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

func actionsKey(agentID uuid.UUID) string {
	return fmt.Sprintf("behavior:%s:actions", agentID)
}

func hourKey(agentID uuid.UUID, hour int) string {
	return fmt.Sprintf("behavior:%s:hour:%d", agentID, hour)
}

// RecordAction appends the action to the agent's rolling window and
// bumps the current hour's velocity counter. Best effort: the caller
// has already decided the execution, so a store hiccup is logged, not
// propagated into the decision path.
func (d *Detector) RecordAction(ctx context.Context, agentID uuid.UUID, serviceName, action string, cost float64) error {
	now := d.now().UTC()
	entry := recordedAction{
		Service: serviceName,
		Action:  action,
		Hour:    now.Hour(),
		TS:      now.Unix(),
		Cost:    cost,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := actionsKey(agentID)
	if err := d.store.LPush(ctx, key, string(raw)); err != nil {
		return err
	}
	if err := d.store.LTrim(ctx, key, 0, actionWindow-1); err != nil {
		return err
	}
	if _, err := d.store.IncrWithTTL(ctx, hourKey(agentID, now.Hour()), 2*time.Hour); err != nil {
		return err
	}
	return nil
}

// Detect scores one prospective execution. An agent with no profile
// yet (or an empty one) is never anomalous: there is no baseline to
// deviate from.
func (d *Detector) Detect(ctx context.Context, agentID uuid.UUID, serviceName string) (*Result, error) {
	profile, err := d.Profile(ctx, agentID)
	if err != nil {
		return nil, err
	}
	res := &Result{Factors: []string{}}
	if profile == nil {
		return res, nil
	}

	if len(profile.TypicalServices) > 0 && !contains(profile.TypicalServices, serviceName) {
		res.RiskScore += weightUnusualService
		res.Factors = append(res.Factors, "unusual_service:"+serviceName)
	}

	hour := d.now().UTC().Hour()
	if len(profile.TypicalHours) > 0 && profile.TypicalHours[strconv.Itoa(hour)] == 0 {
		res.RiskScore += weightUnusualHour
		res.Factors = append(res.Factors, fmt.Sprintf("unusual_hour:%d", hour))
	}

	if profile.AvgRequestsPerHour > 0 {
		raw, ok, err := d.store.Get(ctx, hourKey(agentID, hour))
		if err != nil {
			return nil, err
		}
		if ok {
			count, _ := strconv.Atoi(raw)
			if float64(count) > profile.AvgRequestsPerHour*3 {
				res.RiskScore += weightVelocitySpike
				res.Factors = append(res.Factors, fmt.Sprintf("velocity_spike:%d", count))
			}
		}
	}

	if res.RiskScore > 1.0 {
		res.RiskScore = 1.0
	}
	res.Anomalous = res.RiskScore >= anomalyThreshold
	if res.Anomalous {
		d.logger.Printf("⚠️ Agent %s anomalous (%.1f): %v", agentID, res.RiskScore, res.Factors)
	}
	return res, nil
}

// Profile loads the stored baseline. Nil when the agent has none or
// the profile has never been populated from observations.
func (d *Detector) Profile(ctx context.Context, agentID uuid.UUID) (*core.BehaviorProfile, error) {
	var (
		p        core.BehaviorProfile
		hoursRaw []byte
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, agent_id, typical_services, typical_hours, avg_requests_per_hour, avg_cost_per_action, last_updated
		FROM behavior_profiles WHERE agent_id = $1`, agentID).
		Scan(&p.ID, &p.AgentID, pq.Array(&p.TypicalServices), &hoursRaw,
			&p.AvgRequestsPerHour, &p.AvgCostPerAction, &p.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(hoursRaw) > 0 {
		if err := json.Unmarshal(hoursRaw, &p.TypicalHours); err != nil {
			return nil, fmt.Errorf("decode typical_hours: %w", err)
		}
	}
	if len(p.TypicalServices) == 0 && len(p.TypicalHours) == 0 && p.AvgRequestsPerHour == 0 {
		return nil, nil
	}
	return &p, nil
}

// UpdateProfile rebuilds the baseline from the rolling window. The
// average divides by distinct observed hours, floored at one, so a
// burst inside a single hour does not read as a calm baseline.
func (d *Detector) UpdateProfile(ctx context.Context, agentID uuid.UUID) error {
	raw, err := d.store.LRange(ctx, actionsKey(agentID), 0, actionWindow-1)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	services := map[string]bool{}
	hours := map[string]int{}
	var totalCost float64
	for _, item := range raw {
		var a recordedAction
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			continue
		}
		services[a.Service] = true
		hours[strconv.Itoa(a.Hour)]++
		totalCost += a.Cost
	}

	distinct := make([]string, 0, len(services))
	for s := range services {
		distinct = append(distinct, s)
	}
	distinctHours := len(hours)
	if distinctHours == 0 {
		distinctHours = 1
	}
	avgPerHour := float64(len(raw)) / float64(distinctHours)
	avgCost := totalCost / float64(len(raw))

	hoursJSON, err := json.Marshal(hours)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO behavior_profiles (agent_id, typical_services, typical_hours, avg_requests_per_hour, avg_cost_per_action, last_updated)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (agent_id) DO UPDATE SET
			typical_services = EXCLUDED.typical_services,
			typical_hours = EXCLUDED.typical_hours,
			avg_requests_per_hour = EXCLUDED.avg_requests_per_hour,
			avg_cost_per_action = EXCLUDED.avg_cost_per_action,
			last_updated = now()`,
		agentID, pq.Array(distinct), hoursJSON, avgPerHour, avgCost)
	if err != nil {
		return fmt.Errorf("persist behavior profile: %w", err)
	}
	d.logger.Printf("📊 Rebuilt profile for %s: %d services, %d hours, %.2f req/h",
		agentID, len(distinct), len(hours), avgPerHour)
	return nil
}

// ActiveAgentIDs lists agents whose window holds at least one action,
// for the scheduler's periodic profile refresh.
func (d *Detector) ActiveAgentIDs(ctx context.Context) ([]uuid.UUID, error) {
	keys, err := d.store.ScanKeys(ctx, "behavior:*:actions")
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		// behavior:{uuid}:actions
		if len(k) < len("behavior:")+36 {
			continue
		}
		id, err := uuid.Parse(k[len("behavior:") : len("behavior:")+36])
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
