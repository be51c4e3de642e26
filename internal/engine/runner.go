package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/inference"
	"github.com/xela07ax/spaceai-agent-core/internal/safety"
)

// errInterrupted: точка приостановки прервана отменой или дедлайном.
var errInterrupted = errors.New("instance interrupted")

// runner: цикл управления одного инстанса. Пишет в inst только своя горутина,
// читатели берут снапшот под mu.
type runner struct {
	rt         *Runtime
	tmpl       *domain.AgentTemplate
	classifier *safety.Classifier
	logger     *zap.Logger

	mu   sync.Mutex
	inst *domain.AgentInstance
	plan *inference.Plan

	cancelled atomic.Bool
	cancelBy  atomic.Value // string
	stopWait  context.CancelFunc
	waitMu    sync.Mutex

	// resuming: инстанс поднят после рестарта, у хода могут быть незакрытые вызовы
	resuming bool

	done chan struct{}
}

func newRunner(rt *Runtime, inst *domain.AgentInstance, tmpl *domain.AgentTemplate) *runner {
	return &runner{
		rt:         rt,
		tmpl:       tmpl,
		inst:       inst.Snapshot(),
		classifier: rt.Classifier.WithRoot(rt.Sandbox.Root(inst.ID)),
		logger:     rt.logger.With(zap.String("instance_id", inst.ID)),
		done:       make(chan struct{}),
	}
}

func (r *runner) snapshot() *domain.AgentInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst.Snapshot()
}

// requestCancel выставляет флаг и будит точки ожидания (модель, апрув, ребенок).
// Уже идущее исполнение инструмента не прерывается.
func (r *runner) requestCancel(actor string) {
	r.cancelBy.Store(actor)
	r.cancelled.Store(true)

	r.waitMu.Lock()
	if r.stopWait != nil {
		r.stopWait()
	}
	r.waitMu.Unlock()
}

func (r *runner) run(base context.Context) {
	defer r.rt.wg.Done()
	defer close(r.done)
	defer r.rt.forget(r.inst.ID)
	defer r.rt.Sandbox.Release(r.inst.ID)
	defer r.rt.spawn.forget(r.inst.ID)

	// Исполнение инструментов ограничено только wall clock,
	// ожидания дополнительно прерываются отменой.
	execCtx, cancelExec := context.WithDeadline(base, r.inst.Deadline)
	defer cancelExec()
	waitCtx, stopWait := context.WithCancel(execCtx)
	defer stopWait()

	r.waitMu.Lock()
	r.stopWait = stopWait
	r.waitMu.Unlock()
	if r.cancelled.Load() {
		stopWait()
	}

	if err := r.rt.Sandbox.Prepare(r.inst.ID); err != nil {
		r.fire(EventError, err.Error())
		return
	}

	for {
		state := r.snapshotState()
		if state.IsTerminal() {
			return
		}
		if r.suspended(execCtx) {
			// Остановка реплики: состояние уже сохранено, Recover продолжит
			r.logger.Info("instance suspended", zap.String("state", string(state)))
			return
		}
		if ev, reason, stop := r.interruption(execCtx); stop {
			r.fire(ev, reason)
			continue
		}

		var err error
		switch state {
		case domain.StateQueued:
			r.fire(StartEvent(r.tmpl.ExecutionMode), "")
		case domain.StatePlanning:
			err = r.planStep(waitCtx)
		case domain.StateExecuting:
			err = r.executeStep(waitCtx, execCtx)
		case domain.StateSynthesizing:
			err = r.synthesizeStep(waitCtx)
		}
		if err != nil {
			if r.suspended(execCtx) {
				continue
			}
			if ev, reason, stop := r.interruption(execCtx); stop {
				r.fire(ev, reason)
				continue
			}
			// Сбой коллаборатора или Control Plane — инстанс в failed
			r.logger.Error("instance failed", zap.String("state", string(state)), zap.Error(err))
			r.fire(EventError, err.Error())
		}
	}
}

// interruption проверяет флаг отмены и wall clock.
func (r *runner) interruption(execCtx context.Context) (Event, string, bool) {
	if r.cancelled.Load() {
		by, _ := r.cancelBy.Load().(string)
		return EventCancel, "cancelled by " + by, true
	}
	if errors.Is(context.Cause(execCtx), context.DeadlineExceeded) {
		return EventTimeout, "wall clock budget exceeded", true
	}
	return "", "", false
}

// suspended: реплика останавливается (Shutdown), а не инстанс отменен.
func (r *runner) suspended(execCtx context.Context) bool {
	return !r.cancelled.Load() && errors.Is(context.Cause(execCtx), context.Canceled)
}

func (r *runner) planStep(ctx context.Context) error {
	plan, err := r.rt.Inference.Plan(ctx, r.request(nil))
	if err != nil {
		return fmt.Errorf("inference plan: %w", err)
	}

	// Шаги с недоступными инструментами выбрасываются с записью о нарушении
	perms := r.snapshot().EffectivePermissions
	valid := &inference.Plan{}
	for _, step := range plan.Steps {
		if perms.AllowsTool(step.ToolID) {
			valid.Steps = append(valid.Steps, step)
			continue
		}
		r.logger.Warn("planned step dropped", zap.String("tool_id", step.ToolID))
		r.rt.Auditor.Log(audit.AuditEvent{
			InstanceID: r.inst.ID,
			Actor:      domain.ActorSystem,
			Kind:       audit.KindPermissionCheck,
			Payload: map[string]any{
				"outcome":     "denied",
				"reason":      "planned_tool_not_allowed",
				"tool_id":     step.ToolID,
				"goal":        step.Goal,
				"permissions": perms,
			},
		})
	}

	data, _ := json.Marshal(valid)
	r.mu.Lock()
	r.plan = valid
	r.inst.Transcript = append(r.inst.Transcript, domain.Message{Role: domain.RoleSystem, Content: "validated plan", Data: data})
	r.mu.Unlock()

	r.fire(EventPlanReady, "")
	return nil
}

func (r *runner) executeStep(waitCtx, execCtx context.Context) error {
	snap := r.snapshot()
	if snap.StepCount > snap.EffectivePermissions.MaxSteps {
		// step_count уже за лимитом (запись старого формата): сразу к синтезу
		r.fire(EventStepLimit, fmt.Sprintf("max_steps %d reached", snap.EffectivePermissions.MaxSteps))
		return nil
	}

	if r.resuming {
		r.resuming = false
		settled, err := r.settleInterrupted(waitCtx, execCtx)
		if err != nil {
			return err
		}
		if settled {
			if !r.cancelled.Load() {
				r.advance()
			}
			return nil
		}
	}

	turn, err := r.rt.Inference.Next(waitCtx, r.request(snap))
	if err != nil {
		return fmt.Errorf("inference next: %w", err)
	}

	data, _ := json.Marshal(turn)
	r.appendMessages(domain.Message{Role: domain.RoleAssistant, Content: turn.Content, Data: data})

	// Намерения спавна проверяются отдельно от вызовов инструментов
	for _, intent := range turn.SpawnIntents {
		if err := r.handleSpawn(waitCtx, intent); err != nil {
			return err
		}
	}

	if len(turn.ToolCalls) == 0 {
		r.fire(EventNoMoreTools, "")
		return nil
	}

	observations := make([]domain.Message, len(turn.ToolCalls))
	errs := make([]error, len(turn.ToolCalls))
	var wg sync.WaitGroup
	for i, call := range turn.ToolCalls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			observations[i], errs[i] = r.handleToolCall(waitCtx, execCtx, call)
		}()
	}
	wg.Wait()

	r.appendObservations(observations)
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if r.cancelled.Load() {
		return nil
	}
	r.advance()
	return nil
}

// advance завершает шаг: executing -> executing, пока step_count < max_steps.
// Лимит шагов — не ошибка: пользователь все равно получает ответ.
func (r *runner) advance() {
	snap := r.snapshot()
	if limit := snap.EffectivePermissions.MaxSteps; snap.StepCount >= limit {
		r.fire(EventStepLimit, fmt.Sprintf("max_steps %d reached", limit))
		return
	}
	r.fire(EventStep, "")
}

func (r *runner) synthesizeStep(ctx context.Context) error {
	text, err := r.rt.Inference.Synthesize(ctx, r.request(nil))
	if err != nil {
		return fmt.Errorf("inference synthesize: %w", err)
	}

	r.mu.Lock()
	r.inst.Result = text
	r.inst.Transcript = append(r.inst.Transcript, domain.Message{Role: domain.RoleAssistant, Content: text})
	r.mu.Unlock()

	r.fire(EventFinal, "")
	return nil
}

// handleSpawn: отказ сообщается модели один раз, родитель продолжает.
func (r *runner) handleSpawn(waitCtx context.Context, intent domain.SpawnIntent) error {
	parent := r.snapshot()
	child, err := r.rt.spawn.Admit(waitCtx, parent, intent)

	r.mu.Lock()
	r.inst.SpawnedCount = r.rt.spawn.Count(parent.ID)
	r.mu.Unlock()

	if err != nil {
		if !errors.Is(err, domain.ErrSpawnDenied) {
			return err
		}
		r.appendMessages(domain.Message{
			Role:    domain.RoleObservation,
			Content: "spawn of " + intent.TemplateID + " denied: " + domain.DenialReason(err),
		})
		return nil
	}

	tmpl, err := r.rt.Store.GetTemplate(waitCtx, child.TemplateID, child.TemplateVersion)
	if err != nil {
		// Ребенок уже сохранен: закрываем его, чтобы не висел в queued
		if _, fErr := r.rt.finalizeOrphan(context.Background(), child, domain.StateFailed, "template unavailable", domain.ActorSystem); fErr != nil {
			r.logger.Error("failed to close child instance", zap.String("child_id", child.ID), zap.Error(fErr))
		}
		return fmt.Errorf("spawn: load child template: %w", err)
	}
	r.rt.launch(child, tmpl)
	if !intent.Await {
		r.appendMessages(domain.Message{
			Role:    domain.RoleObservation,
			Content: "spawned child instance " + child.ID,
		})
		return nil
	}

	done, err := r.rt.Wait(waitCtx, child.ID)
	if err != nil {
		return errInterrupted
	}
	data, _ := json.Marshal(map[string]any{"instance_id": done.ID, "state": done.State, "result": done.Result})
	r.appendMessages(domain.Message{
		Role:    domain.RoleObservation,
		Content: "child instance " + done.ID + " finished as " + string(done.State),
		Data:    data,
	})
	return nil
}

func (r *runner) request(snap *domain.AgentInstance) inference.Request {
	if snap == nil {
		snap = r.snapshot()
	}
	r.mu.Lock()
	plan := r.plan
	r.mu.Unlock()

	return inference.Request{
		InstanceID:   snap.ID,
		Model:        snap.Model,
		SystemPrompt: r.tmpl.SystemPrompt,
		Transcript:   snap.Transcript,
		// Модель видит только инструменты из effective_permissions
		Tools:     r.rt.Registry.Schemas(snap.EffectivePermissions.Tools),
		Plan:      plan,
		StepsLeft: max(snap.EffectivePermissions.MaxSteps-snap.StepCount, 0),
	}
}

func (r *runner) appendMessages(msgs ...domain.Message) {
	r.mu.Lock()
	r.inst.Transcript = append(r.inst.Transcript, msgs...)
	r.mu.Unlock()
}

// appendObservations пропускает пустые слоты вызовов, прерванных ошибкой.
func (r *runner) appendObservations(obs []domain.Message) {
	kept := make([]domain.Message, 0, len(obs))
	for _, m := range obs {
		if m.Role != "" {
			kept = append(kept, m)
		}
	}
	r.appendMessages(kept...)
}

func (r *runner) snapshotState() domain.InstanceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst.State
}

// fire применяет событие, сохраняет шаг и пишет переход в аудит.
func (r *runner) fire(ev Event, reason string) {
	r.mu.Lock()
	from := r.inst.State
	to, ok := Transition(from, ev)
	if !ok {
		r.mu.Unlock()
		return
	}
	r.inst.State = to
	if to == domain.StateExecuting {
		r.inst.StepCount++
	}
	if to == domain.StateFailed || to == domain.StateTimeout || to == domain.StateCancelled {
		msg := reason
		r.inst.Error = &msg
	}
	r.inst.UpdatedAt = time.Now().UTC()
	snap := r.inst.Snapshot()
	r.mu.Unlock()

	r.rt.Metrics.InstanceTransitions.WithLabelValues(string(from), string(to)).Inc()
	payload := map[string]any{"from": string(from), "to": string(to), "event": string(ev), "step_count": snap.StepCount}
	if reason != "" {
		payload["reason"] = reason
	}
	actor := domain.ActorSystem
	if ev == EventCancel {
		if by, _ := r.cancelBy.Load().(string); by != "" {
			actor = by
		}
	}
	r.rt.Auditor.Log(audit.AuditEvent{InstanceID: snap.ID, Actor: actor, Kind: audit.KindStateTransition, Payload: payload})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.rt.Store.SaveInstance(ctx, snap); err != nil {
		// Потерять шаг нельзя: без персиста инстанс не продолжаем
		r.logger.Error("failed to persist instance step", zap.String("state", string(to)), zap.Error(err))
		if !to.IsTerminal() {
			r.fire(EventError, "storage unavailable: "+err.Error())
		}
		return
	}

	r.logger.Debug("instance transition", zap.String("from", string(from)), zap.String("to", string(to)))
}
