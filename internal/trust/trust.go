// Package trust scores agent reputation. Good behavior earns autonomy,
// bad behavior loses it, and the score gates how much an agent can
// spend before a human has to sign off.
package trust

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// Score deltas applied per outcome. Penalties dwarf rewards on purpose:
// trust is slow to earn and quick to lose.
const (
	RewardSuccessfulAction = 0.1
	RewardCleanAudit       = 0.5
	PenaltyPolicyViolation = -2.0
	PenaltyAnomaly         = -5.0
	PenaltyCircuitBreak    = -15.0
	PenaltyPromptInjection = -10.0
	PenaltyHITLRejected    = -3.0
)

// Score bounds and the score every agent starts at.
const (
	MinScore     = 0.0
	MaxScore     = 100.0
	InitialScore = 50.0
)

// Autonomy is what a trust score buys an agent.
type Autonomy struct {
	Level              string  `json:"level"`
	SpendingMultiplier float64 `json:"spending_multiplier"`
	HITLBypass         bool    `json:"hitl_bypass"`
	MaxCostWithoutHITL float64 `json:"max_cost_without_hitl"`
}

// AutonomyFor maps a trust score onto the autonomy ladder.
func AutonomyFor(score float64) Autonomy {
	switch {
	case score >= 80:
		return Autonomy{Level: "high", SpendingMultiplier: 2.0, HITLBypass: true, MaxCostWithoutHITL: 10.0}
	case score >= 60:
		return Autonomy{Level: "medium", SpendingMultiplier: 1.5, HITLBypass: false, MaxCostWithoutHITL: 5.0}
	case score >= 40:
		return Autonomy{Level: "standard", SpendingMultiplier: 1.0, HITLBypass: false, MaxCostWithoutHITL: 2.0}
	case score >= 20:
		return Autonomy{Level: "restricted", SpendingMultiplier: 0.5, HITLBypass: false, MaxCostWithoutHITL: 0.5}
	default:
		return Autonomy{Level: "quarantine", SpendingMultiplier: 0.0, HITLBypass: false, MaxCostWithoutHITL: 0.0}
	}
}

// Store is the persistence backend for trust scores (Postgres, Spanner).
type Store interface {
	// AdjustScore applies a clamped delta and returns the new score.
	AdjustScore(ctx context.Context, agentID uuid.UUID, delta float64, reason string) (float64, error)
	// Score returns the current score for an agent.
	Score(ctx context.Context, agentID uuid.UUID) (float64, error)
	Close() error
}

// Engine applies the named outcome deltas against a Store.
type Engine struct {
	store  Store
	logger *log.Logger
}

func NewEngine(store Store) *Engine {
	return &Engine{
		store:  store,
		logger: log.New(log.Writer(), "[TrustEngine] ", log.LstdFlags),
	}
}

func (e *Engine) RewardSuccess(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return e.adjust(ctx, agentID, RewardSuccessfulAction, "successful_action")
}

func (e *Engine) RewardClean(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return e.adjust(ctx, agentID, RewardCleanAudit, "clean_audit")
}

func (e *Engine) PenalizeViolation(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return e.adjust(ctx, agentID, PenaltyPolicyViolation, "policy_violation")
}

func (e *Engine) PenalizeAnomaly(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return e.adjust(ctx, agentID, PenaltyAnomaly, "anomaly_detected")
}

func (e *Engine) PenalizeCircuitBreak(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return e.adjust(ctx, agentID, PenaltyCircuitBreak, "circuit_breaker_tripped")
}

func (e *Engine) PenalizeInjection(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return e.adjust(ctx, agentID, PenaltyPromptInjection, "prompt_injection_detected")
}

func (e *Engine) PenalizeHITLRejected(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return e.adjust(ctx, agentID, PenaltyHITLRejected, "hitl_rejected")
}

// Score returns the agent's current trust score.
func (e *Engine) Score(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return e.store.Score(ctx, agentID)
}

// Autonomy returns the autonomy tier the agent's current score earns.
func (e *Engine) Autonomy(ctx context.Context, agentID uuid.UUID) (Autonomy, error) {
	score, err := e.store.Score(ctx, agentID)
	if err != nil {
		return Autonomy{}, err
	}
	return AutonomyFor(score), nil
}

func (e *Engine) adjust(ctx context.Context, agentID uuid.UUID, delta float64, reason string) (float64, error) {
	score, err := e.store.AdjustScore(ctx, agentID, delta, reason)
	if err != nil {
		return 0, err
	}
	if delta < 0 {
		e.logger.Printf("📉 Agent %s: %+.1f (%s) -> %.1f", agentID, delta, reason, score)
	}
	return score, nil
}
