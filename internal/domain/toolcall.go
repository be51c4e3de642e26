package domain

import (
	"encoding/json"
	"time"
)

type SafetyTier string

const (
	TierSafe      SafetyTier = "safe"
	TierModerate  SafetyTier = "moderate"
	TierDangerous SafetyTier = "dangerous"
)

// Escalate поднимает уровень на ступень, dangerous остается dangerous.
func (t SafetyTier) Escalate() SafetyTier {
	switch t {
	case TierSafe:
		return TierModerate
	default:
		return TierDangerous
	}
}

// Статусы State Machine вызова
type ToolCallStatus string

const (
	CallPendingApproval ToolCallStatus = "pending_approval"
	CallApproved        ToolCallStatus = "approved"
	CallRejected        ToolCallStatus = "rejected"
	CallExecuted        ToolCallStatus = "executed"
	CallError           ToolCallStatus = "error"
	CallTimedOut        ToolCallStatus = "timed_out"
)

// ActorSystem — решения, принятые движком без человека.
const ActorSystem = "system"

type ToolCall struct {
	ID         string          `json:"call_id"`
	InstanceID string          `json:"instance_id"`
	OwnerID    string          `json:"owner_id"`
	OrgID      string          `json:"org_id"`
	ToolID     string          `json:"tool_id"`
	Arguments  json.RawMessage `json:"arguments"`
	SafetyTier SafetyTier      `json:"safety_tier"`
	Status     ToolCallStatus  `json:"status"`
	Reason     string          `json:"reason,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	Deadline    time.Time  `json:"deadline"` // дедлайн решения человека
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  *string    `json:"resolved_by,omitempty"`
}

func (s ToolCallStatus) IsTerminal() bool {
	switch s {
	case CallRejected, CallExecuted, CallError, CallTimedOut:
		return true
	}
	return false
}

// CanTransitionTo проверяет правила конечного автомата:
// pending_approval -> {approved, rejected, timed_out}, approved -> {executed, error}.
func (c *ToolCall) CanTransitionTo(next ToolCallStatus) error {
	if c.Status.IsTerminal() {
		return ErrAlreadyProcessed
	}
	switch c.Status {
	case CallPendingApproval:
		if next == CallApproved || next == CallRejected || next == CallTimedOut {
			return nil
		}
	case CallApproved:
		if next == CallExecuted || next == CallError {
			return nil
		}
	}
	return ErrInvalidTransition
}

func (c *ToolCall) Clone() *ToolCall {
	cp := *c
	cp.Arguments = append(json.RawMessage(nil), c.Arguments...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	if c.ResolvedBy != nil {
		s := *c.ResolvedBy
		cp.ResolvedBy = &s
	}
	return &cp
}
