// Package approval — конечный автомат одного вызова инструмента:
// pending_approval -> {approved, rejected, timed_out}, approved -> {executed, error}.
//
// Ожидание решения человека — явная точка приостановки: вызов лежит в
// хранилище в статусе pending_approval с дедлайном, поэтому после рестарта
// Restore заново взводит таймеры, а просроченные вызовы закрывает как timed_out.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/infra"
)

// Repository: хранилище вызовов. TransitionToolCall условный:
// меняет статус только если текущий равен from, иначе ErrAlreadyProcessed.
type Repository interface {
	CreateToolCall(ctx context.Context, c *domain.ToolCall) error
	GetToolCall(ctx context.Context, id string) (*domain.ToolCall, error)
	TransitionToolCall(ctx context.Context, id string, from, to domain.ToolCallStatus, actor, reason string, at time.Time) (*domain.ToolCall, error)
	ListToolCalls(ctx context.Context, status domain.ToolCallStatus) ([]*domain.ToolCall, error)
	ListInstanceToolCalls(ctx context.Context, instanceID string) ([]*domain.ToolCall, error)
}

// Request: классифицированный вызов, который нужно провести через гейт.
type Request struct {
	InstanceID string
	OwnerID    string
	OrgID      string
	ToolID     string
	Arguments  json.RawMessage
	Tier       domain.SafetyTier
	Rule       string // правило классификатора
	Strict     bool
	Timeout    time.Duration // 0 — дефолт гейта
}

type Options struct {
	DefaultTimeout time.Duration
	// WaitSeconds: сколько ждали решения человека, может быть nil
	WaitSeconds prometheus.Observer
}

type waiter struct {
	done   chan struct{}
	result *domain.ToolCall
	timer  *time.Timer
}

type Gate struct {
	repo    Repository
	auditor audit.Auditor
	rdb     *redis.Client // nil: одна реплика
	logger  *zap.Logger
	opts    Options

	mu      sync.Mutex
	waiters map[string]*waiter
}

func NewGate(repo Repository, auditor audit.Auditor, rdb *redis.Client, logger *zap.Logger, opts Options) *Gate {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 120 * time.Second
	}
	return &Gate{
		repo:    repo,
		auditor: auditor,
		rdb:     rdb,
		logger:  logger.Named("approval"),
		opts:    opts,
		waiters: make(map[string]*waiter),
	}
}

// Submit регистрирует вызов. Safe-вызовы вне strict mode одобряются сразу,
// остальные ждут решения человека до дедлайна.
func (g *Gate) Submit(ctx context.Context, req Request) (*domain.ToolCall, error) {
	now := time.Now().UTC()
	c := &domain.ToolCall{
		ID:          uuid.NewString(),
		InstanceID:  req.InstanceID,
		OwnerID:     req.OwnerID,
		OrgID:       req.OrgID,
		ToolID:      req.ToolID,
		Arguments:   append(json.RawMessage(nil), req.Arguments...),
		SafetyTier:  req.Tier,
		Status:      domain.CallPendingApproval,
		RequestedAt: now,
	}

	auto := req.Tier == domain.TierSafe && !req.Strict
	if auto {
		system := domain.ActorSystem
		c.Status = domain.CallApproved
		c.Reason = "auto-approved: safe tier"
		c.ResolvedAt = &now
		c.ResolvedBy = &system
		c.Deadline = now
	} else {
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = g.opts.DefaultTimeout
		}
		c.Deadline = now.Add(timeout)
	}

	if err := g.repo.CreateToolCall(ctx, c); err != nil {
		return nil, fmt.Errorf("approval: persist tool call: %w", err)
	}
	if !auto {
		g.arm(c)
	}

	g.audit(c, domain.ActorSystem, map[string]any{"rule": req.Rule, "strict": req.Strict})
	if !auto {
		g.logger.Info("tool call awaits human decision",
			zap.String("call_id", c.ID),
			zap.String("instance_id", c.InstanceID),
			zap.String("tool_id", c.ToolID),
			zap.String("tier", string(c.SafetyTier)),
			zap.Time("deadline", c.Deadline))
	}
	return c.Clone(), nil
}

// Await блокируется до решения по вызову (или до отмены ctx).
// Для уже решенного вызова возвращает его сразу.
func (g *Gate) Await(ctx context.Context, callID string) (*domain.ToolCall, error) {
	g.mu.Lock()
	w, ok := g.waiters[callID]
	g.mu.Unlock()

	if !ok {
		c, err := g.repo.GetToolCall(ctx, callID)
		if err != nil {
			return nil, err
		}
		if c.Status != domain.CallPendingApproval {
			return c, nil
		}
		w = g.arm(c)
	}

	select {
	case <-w.done:
		return w.result.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) Approve(ctx context.Context, actor domain.Actor, callID, reason string) (*domain.ToolCall, error) {
	return g.decide(ctx, actor, callID, domain.CallApproved, reason)
}

func (g *Gate) Reject(ctx context.Context, actor domain.Actor, callID, reason string) (*domain.ToolCall, error) {
	return g.decide(ctx, actor, callID, domain.CallRejected, reason)
}

// decide: решение по уже закрытому вызову — no-op без ошибки и без повторного аудита.
func (g *Gate) decide(ctx context.Context, actor domain.Actor, callID string, to domain.ToolCallStatus, reason string) (*domain.ToolCall, error) {
	c, err := g.repo.GetToolCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(c.OwnerID, c.OrgID) {
		return nil, fmt.Errorf("%w: actor %s cannot decide call %s", domain.ErrForbidden, actor.ID, callID)
	}
	if c.Status != domain.CallPendingApproval {
		return c, nil
	}

	res, err := g.resolve(ctx, callID, to, actor.ID, reason)
	if errors.Is(err, domain.ErrAlreadyProcessed) {
		return g.repo.GetToolCall(ctx, callID)
	}
	return res, err
}

// Abandon закрывает ожидающий вызов отмененного инстанса.
func (g *Gate) Abandon(ctx context.Context, callID, reason string) {
	if _, err := g.resolve(ctx, callID, domain.CallRejected, domain.ActorSystem, reason); err != nil && !errors.Is(err, domain.ErrAlreadyProcessed) {
		g.logger.Warn("failed to abandon tool call", zap.String("call_id", callID), zap.Error(err))
	}
}

// MarkExecuted фиксирует успешное исполнение одобренного вызова.
func (g *Gate) MarkExecuted(ctx context.Context, callID string, duration time.Duration) error {
	c, err := g.repo.TransitionToolCall(ctx, callID, domain.CallApproved, domain.CallExecuted, domain.ActorSystem, "", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("approval: mark executed: %w", err)
	}
	g.audit(c, domain.ActorSystem, map[string]any{"duration_ms": duration.Milliseconds()})
	return nil
}

// MarkFailed фиксирует ошибку исполнения. Нарушение песочницы помечается для аудита.
func (g *Gate) MarkFailed(ctx context.Context, callID string, cause error) error {
	c, err := g.repo.TransitionToolCall(ctx, callID, domain.CallApproved, domain.CallError, domain.ActorSystem, cause.Error(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("approval: mark failed: %w", err)
	}
	g.audit(c, domain.ActorSystem, map[string]any{
		"error":   cause.Error(),
		"flagged": errors.Is(cause, domain.ErrSandboxViolation),
	})
	return nil
}

// Pending возвращает очередь решений, видимую актору: свои вызовы, вызовы своей
// организации для org admin, все для platform admin.
func (g *Gate) Pending(ctx context.Context, actor domain.Actor) ([]*domain.ToolCall, error) {
	calls, err := g.repo.ListToolCalls(ctx, domain.CallPendingApproval)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	out := make([]*domain.ToolCall, 0, len(calls))
	for _, c := range calls {
		if actor.CanManage(c.OwnerID, c.OrgID) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ForInstance возвращает все вызовы инстанса в порядке запроса.
func (g *Gate) ForInstance(ctx context.Context, instanceID string) ([]*domain.ToolCall, error) {
	calls, err := g.repo.ListInstanceToolCalls(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("approval: list instance calls: %w", err)
	}
	return calls, nil
}

// Restore вызывается при старте: просроченные вызовы -> timed_out,
// остальные снова ждут решения со своим исходным дедлайном.
func (g *Gate) Restore(ctx context.Context) (rearmed, expired int, err error) {
	calls, err := g.repo.ListToolCalls(ctx, domain.CallPendingApproval)
	if err != nil {
		return 0, 0, fmt.Errorf("approval: restore: %w", err)
	}

	now := time.Now().UTC()
	for _, c := range calls {
		if !now.Before(c.Deadline) {
			if _, err := g.resolve(ctx, c.ID, domain.CallTimedOut, domain.ActorSystem, "approval window elapsed during restart"); err == nil {
				expired++
			}
			continue
		}
		g.arm(c)
		rearmed++
	}

	g.logger.Info("pending approvals restored", zap.Int("rearmed", rearmed), zap.Int("expired", expired))
	return rearmed, expired, nil
}

// StartListener принимает решения, сделанные на других репликах.
func (g *Gate) StartListener(ctx context.Context) {
	if g.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, g.rdb, g.logger, infra.RedisChanApprovalDecisions, nil, func(callID string) {
		g.mu.Lock()
		_, local := g.waiters[callID]
		g.mu.Unlock()
		if !local {
			return
		}
		c, err := g.repo.GetToolCall(ctx, callID)
		if err != nil {
			g.logger.Error("failed to load decided tool call", zap.String("call_id", callID), zap.Error(err))
			return
		}
		if c.Status != domain.CallPendingApproval {
			g.wake(c)
		}
	})
}

// resolve: единственная точка перехода из pending_approval.
func (g *Gate) resolve(ctx context.Context, callID string, to domain.ToolCallStatus, actor, reason string) (*domain.ToolCall, error) {
	c, err := g.repo.TransitionToolCall(ctx, callID, domain.CallPendingApproval, to, actor, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if g.opts.WaitSeconds != nil && c.ResolvedAt != nil {
		g.opts.WaitSeconds.Observe(c.ResolvedAt.Sub(c.RequestedAt).Seconds())
	}
	g.audit(c, actor, nil)
	g.logger.Info("tool call resolved",
		zap.String("call_id", c.ID),
		zap.String("status", string(c.Status)),
		zap.String("actor", actor))

	if !g.wake(c) && g.rdb != nil {
		// Инстанс крутится на другой реплике
		if err := g.rdb.Publish(ctx, infra.RedisChanApprovalDecisions, c.ID).Err(); err != nil {
			g.logger.Error("decision saved but signal not delivered", zap.String("call_id", c.ID), zap.Error(err))
		}
	}
	return c.Clone(), nil
}

// arm регистрирует ожидание и таймер дедлайна (идемпотентно).
func (g *Gate) arm(c *domain.ToolCall) *waiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w, ok := g.waiters[c.ID]; ok {
		return w
	}
	w := &waiter{done: make(chan struct{})}
	id := c.ID
	w.timer = time.AfterFunc(time.Until(c.Deadline), func() { g.expire(id) })
	g.waiters[id] = w
	return w
}

func (g *Gate) expire(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := g.resolve(ctx, callID, domain.CallTimedOut, domain.ActorSystem, domain.ErrApprovalTimeout.Error())
	switch {
	case errors.Is(err, domain.ErrAlreadyProcessed):
		// Решение пришло раньше, чем взвели ожидание
		if c, getErr := g.repo.GetToolCall(ctx, callID); getErr == nil {
			g.wake(c)
		}
	case err != nil:
		g.logger.Error("failed to time out tool call", zap.String("call_id", callID), zap.Error(err))
	}
}

// wake будит локальных ожидающих. false — на этой реплике никто не ждет.
func (g *Gate) wake(c *domain.ToolCall) bool {
	g.mu.Lock()
	w, ok := g.waiters[c.ID]
	if ok {
		delete(g.waiters, c.ID)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	w.timer.Stop()
	w.result = c.Clone()
	close(w.done)
	return true
}

func (g *Gate) audit(c *domain.ToolCall, actor string, extra map[string]any) {
	var args map[string]any
	_ = json.Unmarshal(c.Arguments, &args)

	payload := map[string]any{
		"call_id":   c.ID,
		"tool_id":   c.ToolID,
		"arguments": args,
		"tier":      string(c.SafetyTier),
		"status":    string(c.Status),
	}
	if c.Reason != "" {
		payload["reason"] = c.Reason
	}
	for k, v := range extra {
		payload[k] = v
	}
	g.auditor.Log(audit.AuditEvent{
		InstanceID: c.InstanceID,
		Actor:      actor,
		Kind:       audit.KindToolCall,
		Payload:    payload,
	})
}
