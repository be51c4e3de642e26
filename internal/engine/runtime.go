package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/approval"
	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/inference"
	"github.com/xela07ax/spaceai-agent-core/internal/infra"
	"github.com/xela07ax/spaceai-agent-core/internal/permission"
	"github.com/xela07ax/spaceai-agent-core/internal/policy"
	"github.com/xela07ax/spaceai-agent-core/internal/safety"
	"github.com/xela07ax/spaceai-agent-core/internal/sandbox"
	"github.com/xela07ax/spaceai-agent-core/internal/tools"
)

// Store: то, что рантайму нужно от хранилища.
type Store interface {
	GetTemplate(ctx context.Context, id string, version int) (*domain.AgentTemplate, error)
	CreateInstance(ctx context.Context, inst *domain.AgentInstance) error
	SaveInstance(ctx context.Context, inst *domain.AgentInstance) error
	GetInstance(ctx context.Context, id string) (*domain.AgentInstance, error)
	ListInstancesByState(ctx context.Context, states ...domain.InstanceState) ([]*domain.AgentInstance, error)
	CountActive(ctx context.Context, ownerID, orgID string) (domain.ActiveCounts, error)

	// Аренда: инстанс исполняет ровно одна реплика
	ClaimInstance(ctx context.Context, id, replicaID string, ttl time.Duration) (bool, error)
	RenewLeases(ctx context.Context, replicaID string, ids []string, ttl time.Duration) error
	ReleaseLeases(ctx context.Context, replicaID string, ids []string) error
}

type PolicySource interface {
	Fetch(ctx context.Context, userID, orgID string) (policy.Set, error)
}

type StrictChecker interface {
	IsStrict(ownerID string) bool
}

type Config struct {
	ApprovalTimeout time.Duration // дефолт, если политики молчат
	InstanceTimeout time.Duration // wall clock по умолчанию

	ReplicaID string        // владелец аренды инстансов этой реплики
	LeaseTTL  time.Duration // аренда без продления истекает, инстанс подбирает другая реплика
}

type Deps struct {
	Store      Store
	Policies   PolicySource
	Strict     StrictChecker // может быть nil
	Registry   *tools.Registry
	Classifier *safety.Classifier
	Sandbox    *sandbox.Enforcer
	Gate       *approval.Gate
	Inference  inference.Engine
	Executor   *ReliabilityWrapper
	Auditor    audit.Auditor
	Metrics    *Metrics
	Redis      *redis.Client // может быть nil
	Logger     *zap.Logger
	Config     Config
}

// CreateRequest: прямой запуск инстанса пользователем.
type CreateRequest struct {
	TemplateID string `json:"template_id"`
	Version    int    `json:"version,omitempty"` // 0 — последняя
	Model      string `json:"model,omitempty"`
	Input      string `json:"input"`
}

// Runtime владеет всеми инстансами этой реплики. Глобального лока на
// множество инстансов нет: каждый крутится в своей горутине.
type Runtime struct {
	Deps
	spawn  *SpawnController
	logger *zap.Logger

	// admitMu делает атомарными подсчет активных инстансов и создание нового
	admitMu sync.Mutex

	mu      sync.RWMutex
	running map[string]*runner

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewRuntime(deps Deps) *Runtime {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Config.ApprovalTimeout <= 0 {
		deps.Config.ApprovalTimeout = 120 * time.Second
	}
	if deps.Config.InstanceTimeout <= 0 {
		deps.Config.InstanceTimeout = 10 * time.Minute
	}
	if deps.Config.ReplicaID == "" {
		host, _ := os.Hostname()
		deps.Config.ReplicaID = host + "-" + uuid.NewString()[:8]
	}
	if deps.Config.LeaseTTL <= 0 {
		deps.Config.LeaseTTL = 30 * time.Second
	}
	ctx, stop := context.WithCancel(context.Background())
	rt := &Runtime{
		Deps:    deps,
		logger:  deps.Logger.Named("runtime"),
		running: make(map[string]*runner),
		baseCtx: ctx,
		stop:    stop,
	}
	rt.spawn = newSpawnController(rt)
	return rt
}

// Spawn: контроллер дочерних инстансов.
func (rt *Runtime) Spawn() *SpawnController { return rt.spawn }

// CreateInstance выполняет прямой запуск. Права вычисляются один раз и замораживаются.
func (rt *Runtime) CreateInstance(ctx context.Context, actor domain.Actor, req CreateRequest) (*domain.AgentInstance, error) {
	// 1. Шаблон
	tmpl, err := rt.Store.GetTemplate(ctx, req.TemplateID, req.Version)
	if err != nil {
		return nil, err
	}
	if tmpl.Retired {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateRetired, tmpl.ID)
	}
	if !policy.CanUseTemplate(actor, tmpl) {
		return nil, fmt.Errorf("%w: template %s is not visible to %s", domain.ErrForbidden, tmpl.ID, actor.ID)
	}

	// 2. Свежие политики и разрешение прав
	eff, err := rt.resolve(ctx, tmpl, actor.ID, actor.OrgID, nil)
	if err != nil {
		rt.auditDenial("", actor.ID, tmpl, err)
		return nil, err
	}
	model, err := pickModel(eff, req.Model)
	if err != nil {
		rt.auditDenial("", actor.ID, tmpl, err)
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	inst := &domain.AgentInstance{
		ID:                   id,
		TemplateID:           tmpl.ID,
		TemplateVersion:      tmpl.Version,
		OwnerID:              actor.ID,
		OrgID:                actor.OrgID,
		RootInstanceID:       id,
		Model:                model,
		EffectivePermissions: eff,
		State:                domain.StateQueued,
		Transcript:           initialTranscript(tmpl, nil, req.Input),
		CreatedAt:            now,
		UpdatedAt:            now,
		Deadline:             now.Add(eff.WallClockTimeout),
	}

	// 3. Лимит одновременных инстансов + персист
	if err := rt.admit(ctx, inst, domain.ErrPermissionDenied); err != nil {
		rt.auditDenial("", actor.ID, tmpl, err)
		return nil, err
	}
	rt.auditGrant(inst, actor.ID)

	rt.launch(inst, tmpl)
	return inst.Snapshot(), nil
}

// Cancel разрешен владельцу, админу организации и админу платформы.
// Отмена кооперативная: флаг виден на ближайшей точке приостановки.
func (rt *Runtime) Cancel(ctx context.Context, actor domain.Actor, instanceID string) (*domain.AgentInstance, error) {
	inst, err := rt.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(inst.OwnerID, inst.OrgID) {
		return nil, fmt.Errorf("%w: actor %s cannot cancel %s", domain.ErrForbidden, actor.ID, instanceID)
	}
	if inst.State.IsTerminal() {
		return inst, nil
	}

	if r := rt.local(instanceID); r != nil {
		r.requestCancel(actor.ID)
		return inst, nil
	}

	claimed, err := rt.Store.ClaimInstance(ctx, instanceID, rt.Config.ReplicaID, rt.Config.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("runtime: claim instance: %w", err)
	}
	if claimed {
		// Бесхозный инстанс: некому наблюдать флаг, закрываем сами
		defer rt.releaseLease(instanceID)
		return rt.finalizeOrphan(ctx, inst, domain.StateCancelled, "cancelled by "+actor.ID, actor.ID)
	}

	// Аренду держит живая реплика
	if rt.Redis == nil {
		return nil, fmt.Errorf("cancel signal delivery failed: instance %s runs on another replica", instanceID)
	}
	if err := rt.Redis.Publish(ctx, infra.RedisChanCancel, cancelSignal(instanceID, actor.ID)).Err(); err != nil {
		return nil, fmt.Errorf("cancel signal delivery failed: %w", err)
	}
	return inst, nil
}

func (rt *Runtime) releaseLease(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Store.ReleaseLeases(ctx, rt.Config.ReplicaID, []string{id}); err != nil {
		rt.logger.Warn("failed to release instance lease", zap.String("instance_id", id), zap.Error(err))
	}
}

// Get отдает живой снапшот, если инстанс крутится здесь, иначе из хранилища.
func (rt *Runtime) Get(ctx context.Context, instanceID string) (*domain.AgentInstance, error) {
	if r := rt.local(instanceID); r != nil {
		return r.snapshot(), nil
	}
	return rt.Store.GetInstance(ctx, instanceID)
}

// Wait ждет терминального состояния инстанса.
func (rt *Runtime) Wait(ctx context.Context, instanceID string) (*domain.AgentInstance, error) {
	if r := rt.local(instanceID); r != nil {
		select {
		case <-r.done:
			return r.snapshot(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		inst, err := rt.Store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.State.IsTerminal() {
			return inst, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Recover при старте: ожидающие апрувы восстанавливаются, нетерминальные
// инстансы без живой аренды продолжают с последнего сохраненного шага либо уходят в failed.
func (rt *Runtime) Recover(ctx context.Context) (resumed, failed int, err error) {
	if _, _, err := rt.Gate.Restore(ctx); err != nil {
		return 0, 0, err
	}

	resumed, failed, err = rt.adopt(ctx)
	if err != nil {
		return 0, 0, err
	}
	rt.logger.Info("instances recovered", zap.Int("resumed", resumed), zap.Int("failed", failed))
	return resumed, failed, nil
}

// adopt забирает нетерминальные инстансы, аренду которых удалось взять:
// свободные, свои или брошенные остановившейся репликой.
func (rt *Runtime) adopt(ctx context.Context) (resumed, failed int, err error) {
	active, err := rt.Store.ListInstancesByState(ctx,
		domain.StateQueued, domain.StatePlanning, domain.StateExecuting, domain.StateSynthesizing)
	if err != nil {
		return 0, 0, fmt.Errorf("runtime: list unfinished instances: %w", err)
	}

	for _, inst := range active {
		if rt.local(inst.ID) != nil {
			continue
		}
		claimed, cErr := rt.Store.ClaimInstance(ctx, inst.ID, rt.Config.ReplicaID, rt.Config.LeaseTTL)
		if cErr != nil {
			rt.logger.Error("failed to claim instance", zap.String("instance_id", inst.ID), zap.Error(cErr))
			continue
		}
		if !claimed {
			// Крутится на живой реплике
			continue
		}

		tmpl, tErr := rt.Store.GetTemplate(ctx, inst.TemplateID, inst.TemplateVersion)
		if tErr != nil || (inst.State != domain.StateQueued && len(inst.Transcript) == 0) {
			if _, fErr := rt.finalizeOrphan(ctx, inst, domain.StateFailed, "context unrecoverable", domain.ActorSystem); fErr != nil {
				rt.logger.Error("failed to close unrecoverable instance", zap.String("instance_id", inst.ID), zap.Error(fErr))
				continue
			}
			failed++
			continue
		}
		rt.spawn.seed(inst.ID, inst.SpawnedCount)
		r := newRunner(rt, inst, tmpl)
		r.resuming = true
		if rt.start(r) {
			resumed++
		}
	}
	return resumed, failed, nil
}

// StartLeases продлевает аренды локальных инстансов и подбирает инстансы
// реплик, которые перестали продлевать свои. Блокируется до отмены ctx.
func (rt *Runtime) StartLeases(ctx context.Context) {
	logger := rt.logger.With(zap.String("mod", "leases"), zap.String("replica_id", rt.Config.ReplicaID))
	ticker := time.NewTicker(rt.Config.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := rt.Store.RenewLeases(ctx, rt.Config.ReplicaID, rt.localIDs(), rt.Config.LeaseTTL); err != nil {
			logger.Warn("failed to renew instance leases", zap.Error(err))
		}
		if rt.baseCtx.Err() != nil {
			continue
		}
		resumed, failed, err := rt.adopt(ctx)
		if err != nil {
			logger.Warn("adoption sweep failed", zap.Error(err))
			continue
		}
		if resumed+failed > 0 {
			logger.Info("instances adopted from expired leases", zap.Int("resumed", resumed), zap.Int("failed", failed))
		}
	}
}

// Shutdown отменяет все локальные инстансы, ждет их горутины и отпускает аренды.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	ids := rt.localIDs()
	rt.stop()
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Аренды не отпускаются: раннеры еще живы, другие реплики подождут TTL
		return ctx.Err()
	}

	if err := rt.Store.ReleaseLeases(ctx, rt.Config.ReplicaID, ids); err != nil {
		rt.logger.Warn("failed to release instance leases", zap.Error(err))
	}
	return nil
}

// resolve: Fetch свежих политик + Permission Resolver.
func (rt *Runtime) resolve(ctx context.Context, tmpl *domain.AgentTemplate, ownerID, orgID string, parent *domain.EffectivePermissions) (domain.EffectivePermissions, error) {
	set, err := rt.Policies.Fetch(ctx, ownerID, orgID)
	if err != nil {
		if errors.Is(err, domain.ErrPolicyNotFound) {
			return domain.EffectivePermissions{}, domain.Deny(domain.ErrPermissionDenied, "policy_missing", err.Error())
		}
		return domain.EffectivePermissions{}, fmt.Errorf("runtime: fetch policies: %w", err)
	}

	eff, err := permission.Resolve(permission.Inputs{
		Template:                tmpl,
		User:                    set.User,
		Org:                     set.Org,
		Platform:                set.Platform,
		Parent:                  parent,
		StrictOwner:             rt.Strict != nil && rt.Strict.IsStrict(ownerID),
		DefaultApprovalTimeout:  rt.Config.ApprovalTimeout,
		DefaultWallClockTimeout: rt.Config.InstanceTimeout,
	})
	if err != nil {
		return eff, err
	}
	if tmpl.ExecutionMode == domain.ModeSingle {
		eff.MaxSteps = 1
	}
	return eff, nil
}

// admit проверяет max_concurrent_instances и сохраняет инстанс под одним локом.
// kind выбирает сентинел отказа: ErrPermissionDenied для прямого запуска, ErrSpawnDenied для ребенка.
func (rt *Runtime) admit(ctx context.Context, inst *domain.AgentInstance, kind error) error {
	rt.admitMu.Lock()
	defer rt.admitMu.Unlock()

	perms := inst.EffectivePermissions
	if perms.MaxConcurrentUser > 0 || perms.MaxConcurrentOrg > 0 || perms.MaxConcurrentPlatform > 0 {
		active, err := rt.Store.CountActive(ctx, inst.OwnerID, inst.OrgID)
		if err != nil {
			return fmt.Errorf("runtime: count active instances: %w", err)
		}
		// Каждый уровень сравнивается со своим счетчиком
		switch {
		case exceeded(perms.MaxConcurrentUser, active.Owner):
			return domain.Deny(kind, "concurrency_exceeded", "owner "+inst.OwnerID)
		case exceeded(perms.MaxConcurrentOrg, active.Org):
			return domain.Deny(kind, "concurrency_exceeded", "org "+inst.OrgID)
		case exceeded(perms.MaxConcurrentPlatform, active.Total):
			return domain.Deny(kind, "concurrency_exceeded", "platform")
		}
	}

	if err := rt.Store.CreateInstance(ctx, inst); err != nil {
		return fmt.Errorf("runtime: persist instance: %w", err)
	}
	if _, err := rt.Store.ClaimInstance(ctx, inst.ID, rt.Config.ReplicaID, rt.Config.LeaseTTL); err != nil {
		if _, fErr := rt.finalizeOrphan(ctx, inst, domain.StateFailed, "instance lease unavailable", domain.ActorSystem); fErr != nil {
			rt.logger.Error("failed to close unleased instance", zap.String("instance_id", inst.ID), zap.Error(fErr))
		}
		return fmt.Errorf("runtime: claim instance: %w", err)
	}
	return nil
}

func exceeded(limit, active int) bool {
	return limit > 0 && active >= limit
}

func (rt *Runtime) launch(inst *domain.AgentInstance, tmpl *domain.AgentTemplate) {
	rt.start(newRunner(rt, inst, tmpl))
}

// start регистрирует раннер и запускает его. Второй раннер того же инстанса
// и запуск после Shutdown отклоняются.
func (rt *Runtime) start(r *runner) bool {
	rt.mu.Lock()
	if _, dup := rt.running[r.inst.ID]; dup || rt.baseCtx.Err() != nil {
		rt.mu.Unlock()
		return false
	}
	rt.running[r.inst.ID] = r
	rt.wg.Add(1)
	rt.mu.Unlock()

	rt.Metrics.ActiveInstances.Inc()
	go r.run(rt.baseCtx)
	return true
}

func (rt *Runtime) forget(id string) {
	rt.mu.Lock()
	delete(rt.running, id)
	rt.mu.Unlock()
	rt.Metrics.ActiveInstances.Dec()
}

func (rt *Runtime) local(id string) *runner {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.running[id]
}

func (rt *Runtime) localIDs() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]string, 0, len(rt.running))
	for id := range rt.running {
		ids = append(ids, id)
	}
	return ids
}

// finalizeOrphan закрывает инстанс, у которого нет живого раннера,
// вместе с его незакрытыми вызовами.
func (rt *Runtime) finalizeOrphan(ctx context.Context, inst *domain.AgentInstance, to domain.InstanceState, reason, actor string) (*domain.AgentInstance, error) {
	rt.closeCalls(ctx, inst.ID, "instance closed: "+reason)

	from := inst.State
	inst.State = to
	inst.Error = &reason
	inst.UpdatedAt = time.Now().UTC()
	if err := rt.Store.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("runtime: persist %s: %w", to, err)
	}
	rt.Metrics.InstanceTransitions.WithLabelValues(string(from), string(to)).Inc()
	rt.Auditor.Log(audit.AuditEvent{
		InstanceID: inst.ID,
		Actor:      actor,
		Kind:       audit.KindStateTransition,
		Payload:    map[string]any{"from": string(from), "to": string(to), "reason": reason},
	})
	return inst.Snapshot(), nil
}

// closeCalls: pending отклоняется, одобренный, но не исполненный уходит в error.
func (rt *Runtime) closeCalls(ctx context.Context, instanceID, reason string) {
	calls, err := rt.Gate.ForInstance(ctx, instanceID)
	if err != nil {
		rt.logger.Warn("failed to list instance tool calls", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	for _, c := range calls {
		switch c.Status {
		case domain.CallPendingApproval:
			rt.Gate.Abandon(ctx, c.ID, reason)
		case domain.CallApproved:
			if err := rt.Gate.MarkFailed(ctx, c.ID, errors.New(reason)); err != nil && !errors.Is(err, domain.ErrAlreadyProcessed) {
				rt.logger.Warn("failed to close approved tool call", zap.String("call_id", c.ID), zap.Error(err))
			}
		}
	}
}

func (rt *Runtime) auditGrant(inst *domain.AgentInstance, actor string) {
	rt.Auditor.Log(audit.AuditEvent{
		InstanceID: inst.ID,
		Actor:      actor,
		Kind:       audit.KindPermissionCheck,
		Payload: map[string]any{
			"outcome":          "granted",
			"template_id":      inst.TemplateID,
			"template_version": inst.TemplateVersion,
			"parent_id":        inst.ParentInstanceID,
			"permissions":      inst.EffectivePermissions,
		},
	})
}

func (rt *Runtime) auditDenial(instanceID, actor string, tmpl *domain.AgentTemplate, err error) {
	rt.Auditor.Log(audit.AuditEvent{
		InstanceID: instanceID,
		Actor:      actor,
		Kind:       audit.KindPermissionCheck,
		Payload: map[string]any{
			"outcome":     "denied",
			"template_id": tmpl.ID,
			"reason":      domain.DenialReason(err),
			"error":       err.Error(),
		},
	})
}

func pickModel(eff domain.EffectivePermissions, requested string) (string, error) {
	if requested == "" {
		return eff.Models[0], nil
	}
	if !eff.AllowsModel(requested) {
		return "", domain.Deny(domain.ErrPermissionDenied, "model_not_allowed", requested)
	}
	return requested, nil
}

// initialTranscript собирает стартовый контекст. Контекст ребенка — глубокая копия.
func initialTranscript(tmpl *domain.AgentTemplate, inherited []domain.Message, input string) []domain.Message {
	out := make([]domain.Message, 0, len(inherited)+2)
	if tmpl.SystemPrompt != "" {
		out = append(out, domain.Message{Role: domain.RoleSystem, Content: tmpl.SystemPrompt})
	}
	out = append(out, domain.CloneTranscript(inherited)...)
	if input != "" {
		out = append(out, domain.Message{Role: domain.RoleUser, Content: input})
	}
	return out
}
