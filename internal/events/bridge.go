package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/core"
)

// Bridge translates domain callbacks into CloudEvents. It satisfies
// the HITL gateway's Notifier and the circuit breaker's TripListener,
// and gives the proxy pipeline typed emit helpers so event shapes stay
// in one file.
type Bridge struct {
	bus Emitter
}

func NewBridge(bus Emitter) *Bridge {
	return &Bridge{bus: bus}
}

// HITLCreated announces a new approval request awaiting a human.
func (b *Bridge) HITLCreated(ctx context.Context, req *core.HITLRequest) {
	b.bus.Emit(TypeHITLCreated, "/aegis/hitl", req.ID.String(), map[string]interface{}{
		"hitl_id":            req.ID.String(),
		"agent_id":           req.AgentID.String(),
		"sponsor_id":         req.SponsorID.String(),
		"action_description": req.ActionDescription,
		"estimated_cost_usd": req.EstimatedCostUSD.String(),
		"expires_at":         req.ExpiresAt,
	})
}

// HITLDecided announces an approval, denial or expiry.
func (b *Bridge) HITLDecided(ctx context.Context, req *core.HITLRequest) {
	b.bus.Emit(TypeHITLDecided, "/aegis/hitl", req.ID.String(), map[string]interface{}{
		"hitl_id":    req.ID.String(),
		"agent_id":   req.AgentID.String(),
		"sponsor_id": req.SponsorID.String(),
		"status":     string(req.Status),
		"decided_by": req.DecidedBy,
	})
}

// CircuitTripped announces a panic cascade. The cascade freezes the
// wallet as a side effect, so both events fire here.
func (b *Bridge) CircuitTripped(ctx context.Context, agentID, sponsorID uuid.UUID, reason string) {
	data := map[string]interface{}{
		"agent_id": agentID.String(),
		"reason":   reason,
	}
	if sponsorID != uuid.Nil {
		data["sponsor_id"] = sponsorID.String()
	}
	b.bus.Emit(TypeAgentPanic, "/aegis/breaker", agentID.String(), data)
	b.bus.Emit(TypeWalletFrozen, "/aegis/breaker", agentID.String(), data)
}

// WalletFrozen announces a manual freeze from the sponsor API.
func (b *Bridge) WalletFrozen(ctx context.Context, agentID, sponsorID uuid.UUID, reason string) {
	b.bus.Emit(TypeWalletFrozen, "/aegis/wallet", agentID.String(), map[string]interface{}{
		"agent_id":   agentID.String(),
		"sponsor_id": sponsorID.String(),
		"reason":     reason,
	})
}

// AnomalyDetected announces a behavioral deviation above threshold.
func (b *Bridge) AnomalyDetected(ctx context.Context, agentID, sponsorID uuid.UUID, serviceName string, riskScore float64, factors []string) {
	b.bus.Emit(TypeAnomalyDetected, "/aegis/anomaly", agentID.String(), map[string]interface{}{
		"agent_id":     agentID.String(),
		"sponsor_id":   sponsorID.String(),
		"service_name": serviceName,
		"risk_score":   riskScore,
		"factors":      factors,
	})
}

// ExecutionBlocked announces a denied proxy call and which gate
// stopped it.
func (b *Bridge) ExecutionBlocked(ctx context.Context, agentID, sponsorID uuid.UUID, serviceName, reason string) {
	b.bus.Emit(TypeExecutionBlocked, "/aegis/proxy", agentID.String(), map[string]interface{}{
		"agent_id":     agentID.String(),
		"sponsor_id":   sponsorID.String(),
		"service_name": serviceName,
		"reason":       reason,
	})
}
