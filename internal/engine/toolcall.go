package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/approval"
	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/inference"
	"github.com/xela07ax/spaceai-agent-core/internal/sandbox"
	"github.com/xela07ax/spaceai-agent-core/internal/tools"
)

const notPerformed = "action was not performed"

// handleToolCall проводит один вызов через конвейер:
// классификация -> права -> реестр -> аргументы -> гейт -> песочница -> исполнение.
// Отказы уровня вызова возвращаются модели как observation, ошибка означает
// прерывание инстанса (отмена или дедлайн во время ожидания решения).
func (r *runner) handleToolCall(waitCtx, execCtx context.Context, req inference.ToolRequest) (domain.Message, error) {
	snap := r.snapshot()
	perms := snap.EffectivePermissions

	// 1. Классификация чистая, поэтому первая: tier попадает в аудит даже при отказе
	class := r.classifier.Classify(req.ToolID, req.Arguments)

	// 2. Права. Модель не видела инструмент, но могла его придумать
	if !perms.AllowsTool(req.ToolID) {
		r.logger.Warn("tool call outside effective permissions", zap.String("tool_id", req.ToolID))
		r.rt.Metrics.ToolCalls.WithLabelValues(req.ToolID, string(class.Tier), "denied").Inc()
		r.rt.Auditor.Log(audit.AuditEvent{
			InstanceID: snap.ID,
			Actor:      domain.ActorSystem,
			Kind:       audit.KindPermissionCheck,
			Payload: map[string]any{
				"outcome":   "denied",
				"reason":    "tool_not_allowed",
				"tool_id":   req.ToolID,
				"arguments": req.Arguments,
				"tier":      string(class.Tier),
			},
		})
		return observation(req.ToolID, "", domain.ErrPermissionDenied.Error()+": tool "+req.ToolID+" is not available; "+notPerformed, nil), nil
	}

	// 3. Реестр
	d, ok := r.rt.Registry.Get(req.ToolID)
	if !ok {
		r.rt.Metrics.ToolCalls.WithLabelValues(req.ToolID, string(class.Tier), "not_found").Inc()
		return observation(req.ToolID, "", fmt.Sprintf("%v: %s; %s", domain.ErrToolNotFound, req.ToolID, notPerformed), nil), nil
	}

	// 4. Аргументы
	if _, err := d.ValidateArguments(req.Arguments); err != nil {
		r.rt.Metrics.ToolCalls.WithLabelValues(req.ToolID, string(class.Tier), "invalid").Inc()
		return observation(req.ToolID, "", err.Error()+"; "+notPerformed, nil), nil
	}

	// 5. Гейт: safe одобряется сразу, остальное ждет человека
	call, err := r.rt.Gate.Submit(waitCtx, approval.Request{
		InstanceID: snap.ID,
		OwnerID:    snap.OwnerID,
		OrgID:      snap.OrgID,
		ToolID:     req.ToolID,
		Arguments:  req.Arguments,
		Tier:       class.Tier,
		Rule:       class.Rule,
		Strict:     perms.StrictMode,
		Timeout:    perms.ApprovalTimeout,
	})
	if err != nil {
		if waitCtx.Err() != nil {
			return domain.Message{}, errInterrupted
		}
		return domain.Message{}, err
	}

	return r.settle(waitCtx, execCtx, d, call)
}

// settle дожидается решения по вызову и исполняет одобренный.
// Уже решенный вызов Await возвращает сразу.
func (r *runner) settle(waitCtx, execCtx context.Context, d tools.Descriptor, call *domain.ToolCall) (domain.Message, error) {
	logger := r.logger.With(zap.String("tool_id", call.ToolID), zap.String("call_id", call.ID))
	tier := string(call.SafetyTier)

	decided, err := r.rt.Gate.Await(waitCtx, call.ID)
	if err != nil {
		if r.suspended(execCtx) {
			// Вызов остается pending: после рестарта его подхватит Restore
			return domain.Message{}, errInterrupted
		}
		// Инстанс отменен или вышел по дедлайну, пока ждали человека
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.rt.Gate.Abandon(ctx, call.ID, "instance interrupted while awaiting approval")
		return domain.Message{}, errInterrupted
	}

	switch decided.Status {
	case domain.CallRejected:
		r.rt.Metrics.ToolCalls.WithLabelValues(call.ToolID, tier, string(domain.CallRejected)).Inc()
		by := domain.ActorSystem
		if decided.ResolvedBy != nil {
			by = *decided.ResolvedBy
		}
		text := "tool call rejected by " + by
		if decided.Reason != "" {
			text += ": " + decided.Reason
		}
		return observation(call.ToolID, call.ID, text+"; "+notPerformed, nil), nil
	case domain.CallTimedOut:
		r.rt.Metrics.ToolCalls.WithLabelValues(call.ToolID, tier, string(domain.CallTimedOut)).Inc()
		return observation(call.ToolID, call.ID, domain.ErrApprovalTimeout.Error()+": no decision before deadline; "+notPerformed, nil), nil
	case domain.CallApproved:
	default:
		return domain.Message{}, fmt.Errorf("tool call %s: unexpected status %s", call.ID, decided.Status)
	}

	// 6. Песочница: проверка повторяется после апрува, человек не может разрешить выход за корень
	if vErr := r.checkSandbox(d, call.Arguments); vErr != nil {
		logger.Warn("sandbox violation", zap.Error(vErr))
		r.markFailed(call.ID, vErr)
		r.rt.Metrics.ToolCalls.WithLabelValues(call.ToolID, tier, "sandbox_violation").Inc()
		return observation(call.ToolID, call.ID, vErr.Error()+"; "+notPerformed, nil), nil
	}

	// 7. Исполнение под замком песочницы. Отмена инстанса его не прерывает
	release := r.rt.Sandbox.Guard(r.inst.ID, d.Kind.Mutating())
	start := time.Now()
	out, execErr := r.rt.Executor.Execute(execCtx, d, call.Arguments)
	elapsed := time.Since(start)
	release()

	r.rt.Metrics.ToolDuration.WithLabelValues(call.ToolID).Observe(elapsed.Seconds())
	if execErr != nil {
		logger.Warn("tool execution failed", zap.Error(execErr))
		r.markFailed(call.ID, execErr)
		r.rt.Metrics.ToolCalls.WithLabelValues(call.ToolID, tier, string(domain.CallError)).Inc()
		return observation(call.ToolID, call.ID, "tool execution failed: "+execErr.Error(), nil), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.rt.Gate.MarkExecuted(ctx, call.ID, elapsed); err != nil {
		logger.Error("failed to record executed tool call", zap.Error(err))
	}
	r.rt.Metrics.ToolCalls.WithLabelValues(call.ToolID, tier, string(domain.CallExecuted)).Inc()

	var data json.RawMessage
	if json.Valid(out) {
		data = out
	}
	return observation(call.ToolID, call.ID, string(out), data), nil
}

// settleInterrupted закрывает вызовы хода, прерванного остановкой реплики:
// вызов записан, а observation по нему в сохраненный транскрипт не попал.
// true означает, что ход закрыт и модель спрашивать не нужно.
func (r *runner) settleInterrupted(waitCtx, execCtx context.Context) (bool, error) {
	snap := r.snapshot()
	calls, err := r.rt.Gate.ForInstance(waitCtx, snap.ID)
	if err != nil {
		return false, err
	}

	answered := make(map[string]bool, len(snap.Transcript))
	for _, m := range snap.Transcript {
		if m.CallID != "" {
			answered[m.CallID] = true
		}
	}
	var open []*domain.ToolCall
	for _, c := range calls {
		if !answered[c.ID] {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return false, nil
	}
	r.logger.Info("settling tool calls interrupted by restart", zap.Int("calls", len(open)))

	observations := make([]domain.Message, len(open))
	errs := make([]error, len(open))
	var wg sync.WaitGroup
	for i, c := range open {
		wg.Add(1)
		go func() {
			defer wg.Done()
			observations[i], errs[i] = r.resumeCall(waitCtx, execCtx, c)
		}()
	}
	wg.Wait()

	r.appendObservations(observations)
	return true, errors.Join(errs...)
}

// resumeCall доводит один прерванный вызов. Одобренный, но не идемпотентный
// вызов повторно не исполняется: он мог успеть отработать до остановки.
func (r *runner) resumeCall(waitCtx, execCtx context.Context, c *domain.ToolCall) (domain.Message, error) {
	switch c.Status {
	case domain.CallExecuted:
		return observation(c.ToolID, c.ID, "tool call executed before restart; its output was not retained", nil), nil
	case domain.CallError:
		return observation(c.ToolID, c.ID, "tool execution failed: "+c.Reason, nil), nil
	}

	d, ok := r.rt.Registry.Get(c.ToolID)
	if !ok {
		cause := fmt.Errorf("%w: %s", domain.ErrToolNotFound, c.ToolID)
		r.closeCall(c, cause)
		return observation(c.ToolID, c.ID, cause.Error()+"; "+notPerformed, nil), nil
	}
	if c.Status == domain.CallApproved && !d.Idempotent {
		r.logger.Warn("approved call interrupted by restart is not retried", zap.String("call_id", c.ID), zap.String("tool_id", c.ToolID))
		r.markFailed(c.ID, errOutcomeUnknown)
		return observation(c.ToolID, c.ID, errOutcomeUnknown.Error()+"; request the action again if it is still needed", nil), nil
	}
	return r.settle(waitCtx, execCtx, d, c)
}

var errOutcomeUnknown = errors.New("tool call outcome unknown after restart")

// closeCall переводит незавершенный вызов в терминальный статус.
func (r *runner) closeCall(c *domain.ToolCall, cause error) {
	switch c.Status {
	case domain.CallPendingApproval:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.rt.Gate.Abandon(ctx, c.ID, cause.Error())
	case domain.CallApproved:
		r.markFailed(c.ID, cause)
	}
}

// checkSandbox проверяет все пути и команду дескриптора относительно корня инстанса.
func (r *runner) checkSandbox(d tools.Descriptor, args json.RawMessage) error {
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
	}

	root := r.rt.Sandbox.Root(r.inst.ID)
	for _, name := range d.PathArgs {
		p, _ := fields[name].(string)
		if p == "" {
			continue
		}
		if err := sandbox.ValidatePath(root, p); err != nil {
			return err
		}
	}
	if d.CommandArg != "" {
		cmd, _ := fields[d.CommandArg].(string)
		if err := sandbox.ValidateCommand(root, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) markFailed(callID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.rt.Gate.MarkFailed(ctx, callID, cause); err != nil && !errors.Is(err, domain.ErrAlreadyProcessed) {
		r.logger.Error("failed to record tool call error", zap.String("call_id", callID), zap.Error(err))
	}
}

func observation(toolID, callID, content string, data json.RawMessage) domain.Message {
	return domain.Message{Role: domain.RoleObservation, ToolID: toolID, CallID: callID, Content: content, Data: data}
}
