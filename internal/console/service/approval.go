package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/approval"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

// ApprovalService: очередь решений человека поверх гейта.
type ApprovalService struct {
	gate   *approval.Gate
	logger *zap.Logger
}

func NewApprovalService(gate *approval.Gate, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{gate: gate, logger: logger.Named("approval-service")}
}

func (s *ApprovalService) Pending(ctx context.Context, actor domain.Actor) ([]*domain.ToolCall, error) {
	return s.gate.Pending(ctx, actor)
}

// Decide фиксирует решение оператора. Повторное решение по уже закрытому
// вызову не ошибка: возвращается его итоговый статус.
func (s *ApprovalService) Decide(ctx context.Context, actor domain.Actor, callID string, approved bool, reason string) (*domain.ToolCall, error) {
	var (
		c   *domain.ToolCall
		err error
	)
	if approved {
		c, err = s.gate.Approve(ctx, actor, callID, reason)
	} else {
		c, err = s.gate.Reject(ctx, actor, callID, reason)
	}
	if err != nil {
		s.logger.Warn("approval decision failed",
			zap.String("call_id", callID),
			zap.String("reviewer", actor.ID),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("HITL decision processed",
		zap.String("call_id", callID),
		zap.String("reviewer", actor.ID),
		zap.String("result", string(c.Status)))
	return c, nil
}
