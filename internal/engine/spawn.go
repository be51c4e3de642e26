package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

// SpawnController: единственный путь к дочернему инстансу. Агент только
// заявляет намерение, решение принимает движок.
type SpawnController struct {
	rt     *Runtime
	logger *zap.Logger

	mu       sync.Mutex
	counters map[string]*atomic.Int32 // parent instance id -> spawned_count
}

func newSpawnController(rt *Runtime) *SpawnController {
	return &SpawnController{
		rt:       rt,
		logger:   rt.Logger.Named("spawn"),
		counters: make(map[string]*atomic.Int32),
	}
}

// Admit проверяет намерение в фиксированном порядке: глубина, whitelist шаблона,
// бюджет детей (атомарный инкремент), лимит одновременных инстансов.
// Успех — сохраненный дочерний инстанс в состоянии queued (запускает вызывающий).
func (sc *SpawnController) Admit(ctx context.Context, parent *domain.AgentInstance, intent domain.SpawnIntent) (*domain.AgentInstance, error) {
	child, err := sc.admit(ctx, parent, intent)

	outcome, reason := "admitted", ""
	payload := map[string]any{
		"parent_id":   parent.ID,
		"template_id": intent.TemplateID,
		"depth":       parent.Depth + 1,
		"await":       intent.Await,
	}
	if err != nil {
		outcome, reason = "denied", domain.DenialReason(err)
		if reason == "" {
			reason = "control_plane"
		}
		payload["reason"] = reason
		payload["error"] = err.Error()
		sc.logger.Warn("spawn denied",
			zap.String("instance_id", parent.ID),
			zap.String("template_id", intent.TemplateID),
			zap.String("reason", reason))
	} else {
		payload["child_id"] = child.ID
		payload["permissions"] = child.EffectivePermissions
	}
	payload["outcome"] = outcome

	sc.rt.Metrics.SpawnDecisions.WithLabelValues(outcome, reason).Inc()
	sc.rt.Auditor.Log(audit.AuditEvent{
		InstanceID: parent.ID,
		Actor:      domain.ActorSystem,
		Kind:       audit.KindSpawn,
		Payload:    payload,
	})
	return child, err
}

func (sc *SpawnController) admit(ctx context.Context, parent *domain.AgentInstance, intent domain.SpawnIntent) (*domain.AgentInstance, error) {
	perms := parent.EffectivePermissions

	// 1. Глубина
	if parent.Depth+1 > perms.MaxDepth {
		return nil, domain.Deny(domain.ErrSpawnDenied, "depth_exceeded",
			fmt.Sprintf("depth %d > max_depth %d", parent.Depth+1, perms.MaxDepth))
	}

	// 2. Whitelist шаблона родителя
	parentTmpl, err := sc.rt.Store.GetTemplate(ctx, parent.TemplateID, parent.TemplateVersion)
	if err != nil {
		return nil, fmt.Errorf("spawn: load parent template: %w", err)
	}
	if !parentTmpl.AllowsSpawn(intent.TemplateID) {
		return nil, domain.Deny(domain.ErrSpawnDenied, "template_not_whitelisted", intent.TemplateID)
	}

	// 3. Бюджет детей: атомарный check-and-increment
	if !sc.reserve(parent.ID, parent.SpawnedCount, perms.MaxChildren) {
		return nil, domain.Deny(domain.ErrSpawnDenied, "children_exceeded",
			"max_children "+strconv.Itoa(perms.MaxChildren))
	}
	committed := false
	defer func() {
		if !committed {
			sc.release(parent.ID)
		}
	}()

	tmpl, err := sc.rt.Store.GetTemplate(ctx, intent.TemplateID, 0)
	if err != nil {
		if errors.Is(err, domain.ErrTemplateNotFound) {
			return nil, domain.Deny(domain.ErrSpawnDenied, "template_not_found", intent.TemplateID)
		}
		return nil, fmt.Errorf("spawn: load template: %w", err)
	}
	if tmpl.Retired {
		return nil, domain.Deny(domain.ErrSpawnDenied, "template_retired", tmpl.ID)
	}

	// Права ребенка ограничены правами родителя
	eff, err := sc.rt.resolve(ctx, tmpl, parent.OwnerID, parent.OrgID, &perms)
	if err != nil {
		if reason := domain.DenialReason(err); reason != "" {
			return nil, domain.Deny(domain.ErrSpawnDenied, "permission_denied", reason)
		}
		return nil, err
	}

	model := parent.Model
	if !eff.AllowsModel(model) {
		model = eff.Models[0]
	}

	now := time.Now().UTC()
	deadline := now.Add(eff.WallClockTimeout)
	if parent.Deadline.Before(deadline) {
		// ребенок не переживает бюджет времени родителя
		deadline = parent.Deadline
	}

	child := &domain.AgentInstance{
		ID:                   uuid.NewString(),
		TemplateID:           tmpl.ID,
		TemplateVersion:      tmpl.Version,
		OwnerID:              parent.OwnerID,
		OrgID:                parent.OrgID,
		ParentInstanceID:     parent.ID,
		RootInstanceID:       parent.RootInstanceID,
		Depth:                parent.Depth + 1,
		Model:                model,
		EffectivePermissions: eff,
		State:                domain.StateQueued,
		Transcript:           initialTranscript(tmpl, intent.Context, intent.Input),
		CreatedAt:            now,
		UpdatedAt:            now,
		Deadline:             deadline,
	}

	// 4. Лимит одновременных инстансов пользователя/организации + персист
	if err := sc.rt.admit(ctx, child, domain.ErrSpawnDenied); err != nil {
		return nil, err
	}
	committed = true
	return child, nil
}

// Count: текущее значение spawned_count родителя.
func (sc *SpawnController) Count(parentID string) int {
	sc.mu.Lock()
	c, ok := sc.counters[parentID]
	sc.mu.Unlock()
	if !ok {
		return 0
	}
	return int(c.Load())
}

func (sc *SpawnController) counter(parentID string, initial int) *atomic.Int32 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	c, ok := sc.counters[parentID]
	if !ok {
		c = &atomic.Int32{}
		c.Store(int32(initial))
		sc.counters[parentID] = c
	}
	return c
}

// seed выставляет счетчик из сохраненного значения (после рестарта).
func (sc *SpawnController) seed(parentID string, spawned int) {
	sc.counter(parentID, spawned)
}

func (sc *SpawnController) reserve(parentID string, initial, limit int) bool {
	c := sc.counter(parentID, initial)
	for {
		cur := c.Load()
		if int(cur) >= limit {
			return false
		}
		if c.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (sc *SpawnController) release(parentID string) {
	sc.counter(parentID, 0).Add(-1)
}

// forget убирает счетчик завершенного родителя.
func (sc *SpawnController) forget(parentID string) {
	sc.mu.Lock()
	delete(sc.counters, parentID)
	sc.mu.Unlock()
}
