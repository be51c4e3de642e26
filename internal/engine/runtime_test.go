package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/approval"
	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/connectors"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/inference"
	"github.com/xela07ax/spaceai-agent-core/internal/policy"
	"github.com/xela07ax/spaceai-agent-core/internal/repository/memory"
	"github.com/xela07ax/spaceai-agent-core/internal/safety"
	"github.com/xela07ax/spaceai-agent-core/internal/sandbox"
	"github.com/xela07ax/spaceai-agent-core/internal/testutil"
	"github.com/xela07ax/spaceai-agent-core/internal/tools"
)

var (
	alice   = domain.Actor{ID: "alice", OrgID: "acme"}
	bob     = domain.Actor{ID: "bob", OrgID: "acme"}
	mallory = domain.Actor{ID: "mallory", OrgID: "evil"}
)

type harness struct {
	rt    *Runtime
	store *memory.Store
	rec   *testutil.RecordingAuditor
	eng   *testutil.ScriptedEngine
	gate  *approval.Gate
}

// openPolicy: политика без ограничений по осям, бюджеты задаются явно.
func openPolicy(scope domain.Scope, subject string) *domain.Policy {
	return &domain.Policy{
		ID:                     string(scope) + "-" + subject,
		Scope:                  scope,
		SubjectID:              subject,
		AllowedTools:           []string{domain.Wildcard},
		AllowedModels:          []string{domain.Wildcard},
		MaxSteps:               10,
		MaxChildren:            5,
		MaxDepth:               3,
		MaxConcurrentInstances: 100,
	}
}

func template(id string, mode domain.ExecutionMode, toolIDs ...string) *domain.AgentTemplate {
	return &domain.AgentTemplate{
		ID:            id,
		Version:       1,
		Name:          id,
		Scope:         domain.ScopeGlobal,
		AllowedTools:  toolIDs,
		AllowedModels: []string{"model-a", "model-b"},
		ExecutionMode: mode,
		MaxSteps:      5,
		SystemPrompt:  "you are " + id,
	}
}

func testConfig() Config {
	return Config{ApprovalTimeout: time.Minute, InstanceTimeout: time.Minute}
}

func newHarness(t *testing.T, eng *testutil.ScriptedEngine, policies ...*domain.Policy) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	defaults := map[string]*domain.Policy{}
	for _, p := range []*domain.Policy{
		openPolicy(domain.ScopeUser, "alice"),
		openPolicy(domain.ScopeOrg, "acme"),
		openPolicy(domain.ScopePlatform, domain.Wildcard),
	} {
		defaults[p.Key()] = p
	}
	for _, p := range policies {
		defaults[p.Key()] = p
	}
	for _, p := range defaults {
		require.NoError(t, store.UpsertPolicy(ctx, p))
	}

	h := &harness{store: store, rec: &testutil.RecordingAuditor{}}
	return h.replica(t, eng, testConfig())
}

// replica поднимает еще один рантайм над тем же хранилищем: рестарт или соседняя реплика.
func (h *harness) replica(t *testing.T, eng *testutil.ScriptedEngine, cfg Config) *harness {
	t.Helper()
	logger := zap.NewNop()

	registry := tools.NewRegistry()
	for _, d := range tools.Builtin(&connectors.MockSystemsConnector{}) {
		require.NoError(t, registry.Register(d))
	}

	metrics := NewMetrics(nil)
	gate := approval.NewGate(h.store, h.rec, nil, logger, approval.Options{DefaultTimeout: time.Minute})
	rt := NewRuntime(Deps{
		Store:      h.store,
		Policies:   policy.NewStore(h.store, nil, logger),
		Registry:   registry,
		Classifier: safety.NewClassifier(registry, logger),
		Sandbox:    sandbox.NewEnforcer(t.TempDir()),
		Gate:       gate,
		Inference:  eng,
		Executor:   NewReliabilityWrapper(ReliabilityOptions{CallTimeout: time.Second, RateLimit: 1000, RateBurst: 100}, metrics),
		Auditor:    h.rec,
		Metrics:    metrics,
		Logger:     logger,
		Config:     cfg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})

	return &harness{rt: rt, store: h.store, rec: h.rec, eng: eng, gate: gate}
}

func (h *harness) addTemplate(t *testing.T, tmpl *domain.AgentTemplate) {
	t.Helper()
	require.NoError(t, h.store.CreateTemplate(context.Background(), tmpl))
}

func (h *harness) run(t *testing.T, actor domain.Actor, templateID, input string) *domain.AgentInstance {
	t.Helper()
	inst, err := h.rt.CreateInstance(context.Background(), actor, CreateRequest{TemplateID: templateID, Input: input})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := h.rt.Wait(ctx, inst.ID)
	require.NoError(t, err)
	return done
}

func observations(inst *domain.AgentInstance) []string {
	var out []string
	for _, m := range inst.Transcript {
		if m.Role == domain.RoleObservation {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestCreateInstance_CompletesAndPersists(t *testing.T) {
	eng := &testutil.ScriptedEngine{
		Turns: []*inference.Turn{testutil.ToolTurn("rag", `{"query":"q1"}`)},
		Final: "answer",
	}
	h := newHarness(t, eng)
	h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag", "fs.read"))

	inst := h.run(t, alice, "assistant", "hello")
	assert.Equal(t, domain.StateCompleted, inst.State)
	assert.Equal(t, "answer", inst.Result)
	assert.Equal(t, "model-a", inst.Model)
	assert.Equal(t, inst.ID, inst.RootInstanceID)
	assert.Equal(t, []string{"fs.read", "rag"}, inst.EffectivePermissions.Tools)

	stored, err := h.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, stored.State)
	require.NotEmpty(t, stored.Transcript)
	assert.Equal(t, domain.RoleSystem, stored.Transcript[0].Role)

	assert.Len(t, h.rec.Filter(audit.KindToolCall, testutil.WithStatus(domain.CallExecuted)), 1)
	assert.NotEmpty(t, h.rec.Filter(audit.KindPermissionCheck, func(e audit.AuditEvent) bool {
		return e.Payload["outcome"] == "granted"
	}))
}

func TestCreateInstance_ToolOutsidePermissionsNeverOffered(t *testing.T) {
	org := openPolicy(domain.ScopeOrg, "acme")
	org.AllowedTools = []string{"rag", "web"}

	eng := &testutil.ScriptedEngine{
		// модель "придумала" инструмент, которого ей не показывали
		Turns: []*inference.Turn{testutil.ToolTurn("python", `{"code":"print(1)"}`)},
	}
	h := newHarness(t, eng, org)
	h.addTemplate(t, template("coder", domain.ModeMultiStep, "rag", "python"))

	inst := h.run(t, alice, "coder", "run it")
	assert.Equal(t, domain.StateCompleted, inst.State)
	assert.Equal(t, []string{"rag"}, inst.EffectivePermissions.Tools)
	assert.NotContains(t, eng.OfferedTools(), "python")

	obs := observations(inst)
	require.Len(t, obs, 1)
	assert.Contains(t, obs[0], "not available")

	denied := h.rec.Filter(audit.KindPermissionCheck, func(e audit.AuditEvent) bool {
		return e.Payload["reason"] == "tool_not_allowed"
	})
	require.Len(t, denied, 1)
	assert.Equal(t, "python", denied[0].Payload["tool_id"])
	assert.Empty(t, h.rec.Filter(audit.KindToolCall, nil), "denied call never reaches the gate")
}

func TestCreateInstance_Denials(t *testing.T) {
	t.Run("empty tool intersection", func(t *testing.T) {
		org := openPolicy(domain.ScopeOrg, "acme")
		org.AllowedTools = []string{"web"}
		h := newHarness(t, &testutil.ScriptedEngine{}, org)
		h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))

		_, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "assistant"})
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.Equal(t, "empty_tools", domain.DenialReason(err))

		denied := h.rec.Filter(audit.KindPermissionCheck, func(e audit.AuditEvent) bool {
			return e.Payload["outcome"] == "denied"
		})
		require.Len(t, denied, 1)
		assert.Equal(t, "alice", denied[0].Actor)
	})

	t.Run("missing policy", func(t *testing.T) {
		h := newHarness(t, &testutil.ScriptedEngine{})
		h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))

		_, err := h.rt.CreateInstance(context.Background(), mallory, CreateRequest{TemplateID: "assistant"})
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.Equal(t, "policy_missing", domain.DenialReason(err))
	})

	t.Run("model not allowed", func(t *testing.T) {
		h := newHarness(t, &testutil.ScriptedEngine{})
		h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))

		_, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "assistant", Model: "model-z"})
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.Equal(t, "model_not_allowed", domain.DenialReason(err))
	})

	t.Run("retired template", func(t *testing.T) {
		h := newHarness(t, &testutil.ScriptedEngine{})
		h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))
		require.NoError(t, h.store.RetireTemplate(context.Background(), "assistant"))

		_, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "assistant"})
		assert.ErrorIs(t, err, domain.ErrTemplateRetired)
	})

	t.Run("private template of another user", func(t *testing.T) {
		h := newHarness(t, &testutil.ScriptedEngine{})
		tmpl := template("private", domain.ModeMultiStep, "rag")
		tmpl.Scope = domain.ScopeUser
		tmpl.OwnerID = "bob"
		h.addTemplate(t, tmpl)

		_, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "private"})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})
}

func TestDangerousCall_TimesOutAsRejection(t *testing.T) {
	user := openPolicy(domain.ScopeUser, "alice")
	user.ApprovalTimeout = 40 * time.Millisecond

	eng := &testutil.ScriptedEngine{
		Turns: []*inference.Turn{testutil.ToolTurn("shell.exec", `{"command":"ls -la"}`)},
	}
	h := newHarness(t, eng, user)
	h.addTemplate(t, template("ops", domain.ModeMultiStep, "shell.exec"))

	inst := h.run(t, alice, "ops", "list files")
	assert.Equal(t, domain.StateCompleted, inst.State)

	obs := observations(inst)
	require.Len(t, obs, 1)
	assert.Contains(t, obs[0], domain.ErrApprovalTimeout.Error())
	assert.Contains(t, obs[0], "action was not performed")

	assert.Len(t, h.rec.Filter(audit.KindToolCall, testutil.WithStatus(domain.CallTimedOut)), 1)
	assert.Empty(t, h.rec.Filter(audit.KindToolCall, testutil.WithStatus(domain.CallExecuted)))
}

func TestModerateCall_ApprovedByHuman(t *testing.T) {
	eng := &testutil.ScriptedEngine{
		Turns: []*inference.Turn{testutil.ToolTurn("fs.write", `{"path":"notes/a.txt","content":"hi"}`)},
	}
	h := newHarness(t, eng)
	h.addTemplate(t, template("writer", domain.ModeMultiStep, "fs.write"))

	inst, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "writer"})
	require.NoError(t, err)

	var pending []*domain.ToolCall
	require.Eventually(t, func() bool {
		pending, err = h.gate.Pending(context.Background(), alice)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.gate.Approve(context.Background(), alice, pending[0].ID, "ok")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := h.rt.Wait(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)

	call, err := h.store.GetToolCall(context.Background(), pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallExecuted, call.Status)
}

func TestSandboxViolation_IsFlagged(t *testing.T) {
	eng := &testutil.ScriptedEngine{
		Turns: []*inference.Turn{testutil.ToolTurn("fs.read", `{"path":"../../etc/passwd"}`)},
	}
	h := newHarness(t, eng)
	h.addTemplate(t, template("reader", domain.ModeMultiStep, "fs.read"))

	inst, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "reader"})
	require.NoError(t, err)

	// чтение вне корня эскалируется до moderate и ждет человека
	var pending []*domain.ToolCall
	require.Eventually(t, func() bool {
		pending, err = h.gate.Pending(context.Background(), alice)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.TierModerate, pending[0].SafetyTier)

	// даже одобренный человеком вызов не выходит за корень
	_, err = h.gate.Approve(context.Background(), alice, pending[0].ID, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := h.rt.Wait(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)

	obs := observations(done)
	require.Len(t, obs, 1)
	assert.Contains(t, obs[0], domain.ErrSandboxViolation.Error())

	flagged := h.rec.Filter(audit.KindToolCall, func(e audit.AuditEvent) bool {
		return e.Payload["flagged"] == true
	})
	assert.Len(t, flagged, 1)
}

func TestMaxSteps_ForcesSynthesis(t *testing.T) {
	turns := make([]*inference.Turn, 6)
	for i := range turns {
		turns[i] = testutil.ToolTurn("rag", `{"query":"more"}`)
	}
	eng := &testutil.ScriptedEngine{Turns: turns, Final: "best effort"}
	h := newHarness(t, eng)

	tmpl := template("looper", domain.ModeMultiStep, "rag")
	tmpl.MaxSteps = 2
	h.addTemplate(t, tmpl)

	inst := h.run(t, alice, "looper", "go")
	assert.Equal(t, domain.StateCompleted, inst.State)
	assert.Equal(t, "best effort", inst.Result)
	assert.Len(t, h.rec.Filter(audit.KindToolCall, testutil.WithStatus(domain.CallExecuted)), 2)

	assert.Equal(t, 2, inst.StepCount)

	limit := h.rec.Filter(audit.KindStateTransition, func(e audit.AuditEvent) bool {
		return e.Payload["event"] == string(EventStepLimit)
	})
	require.Len(t, limit, 1)
	assert.Equal(t, 2, limit[0].Payload["step_count"])

	// executing -> executing только пока step_count < max_steps
	reentries := h.rec.Filter(audit.KindStateTransition, func(e audit.AuditEvent) bool {
		return e.Payload["event"] == string(EventStep)
	})
	assert.Len(t, reentries, 1)
}

func TestSingleMode_OneStep(t *testing.T) {
	eng := &testutil.ScriptedEngine{Turns: []*inference.Turn{
		testutil.ToolTurn("rag", `{"query":"a"}`),
		testutil.ToolTurn("rag", `{"query":"b"}`),
	}}
	h := newHarness(t, eng)
	h.addTemplate(t, template("oneshot", domain.ModeSingle, "rag"))

	inst := h.run(t, alice, "oneshot", "go")
	assert.Equal(t, domain.StateCompleted, inst.State)
	assert.Equal(t, 1, inst.EffectivePermissions.MaxSteps)
	assert.Len(t, h.rec.Filter(audit.KindToolCall, testutil.WithStatus(domain.CallExecuted)), 1)
}

func TestInferenceFailure_FailsInstance(t *testing.T) {
	eng := &testutil.ScriptedEngine{Turns: []*inference.Turn{nil}}
	h := newHarness(t, eng)
	h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))

	inst := h.run(t, alice, "assistant", "hi")
	assert.Equal(t, domain.StateFailed, inst.State)
	require.NotNil(t, inst.Error)
	assert.Contains(t, *inst.Error, testutil.ErrScriptExhausted.Error())
}

func TestPlanner_DropsDisallowedSteps(t *testing.T) {
	org := openPolicy(domain.ScopeOrg, "acme")
	org.AllowedTools = []string{"rag"}

	eng := &testutil.ScriptedEngine{PlanResult: &inference.Plan{Steps: []inference.PlanStep{
		{ToolID: "rag", Goal: "find docs"},
		{ToolID: "python", Goal: "crunch numbers"},
	}}}
	h := newHarness(t, eng, org)
	h.addTemplate(t, template("planner", domain.ModePlanner, "rag", "python"))

	inst := h.run(t, alice, "planner", "analyze")
	assert.Equal(t, domain.StateCompleted, inst.State)

	dropped := h.rec.Filter(audit.KindPermissionCheck, func(e audit.AuditEvent) bool {
		return e.Payload["reason"] == "planned_tool_not_allowed"
	})
	require.Len(t, dropped, 1)
	assert.Equal(t, "python", dropped[0].Payload["tool_id"])

	var sawPlan bool
	for _, req := range eng.Requests() {
		if req.Plan == nil {
			continue
		}
		sawPlan = true
		require.Len(t, req.Plan.Steps, 1)
		assert.Equal(t, "rag", req.Plan.Steps[0].ToolID)
	}
	assert.True(t, sawPlan)

	transitions := h.rec.Filter(audit.KindStateTransition, func(e audit.AuditEvent) bool {
		return e.Payload["to"] == string(domain.StatePlanning)
	})
	assert.Len(t, transitions, 1)
}

func TestCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	eng := &testutil.ScriptedEngine{Block: block}
	h := newHarness(t, eng)
	h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))

	inst, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "assistant"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(eng.Requests()) > 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = h.rt.Cancel(context.Background(), mallory, inst.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.rt.Cancel(context.Background(), alice, inst.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := h.rt.Wait(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, done.State)
	require.NotNil(t, done.Error)
	assert.Contains(t, *done.Error, "alice")

	// повторная отмена терминального инстанса — no-op
	again, err := h.rt.Cancel(context.Background(), alice, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, again.State)

	cancelled := h.rec.Filter(audit.KindStateTransition, func(e audit.AuditEvent) bool {
		return e.Payload["to"] == string(domain.StateCancelled)
	})
	require.Len(t, cancelled, 1)
	assert.Equal(t, "alice", cancelled[0].Actor)
}

func TestCancel_WhileAwaitingApprovalAbandonsCall(t *testing.T) {
	eng := &testutil.ScriptedEngine{
		Turns: []*inference.Turn{testutil.ToolTurn("fs.write", `{"path":"a.txt","content":"x"}`)},
	}
	h := newHarness(t, eng)
	h.addTemplate(t, template("writer", domain.ModeMultiStep, "fs.write"))

	inst, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "writer"})
	require.NoError(t, err)

	var pending []*domain.ToolCall
	require.Eventually(t, func() bool {
		pending, err = h.gate.Pending(context.Background(), alice)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	admin := domain.Actor{ID: "root", PlatformAdmin: true}
	_, err = h.rt.Cancel(context.Background(), admin, inst.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := h.rt.Wait(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, done.State)

	call, err := h.store.GetToolCall(context.Background(), pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallRejected, call.Status)
}

func TestCancel_Orphan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &testutil.ScriptedEngine{
		Turns: []*inference.Turn{testutil.ToolTurn("fs.write", `{"path":"a.txt","content":"x"}`)},
	})
	h.addTemplate(t, template("writer", domain.ModeMultiStep, "fs.write"))

	inst, err := h.rt.CreateInstance(ctx, alice, CreateRequest{TemplateID: "writer"})
	require.NoError(t, err)
	var pending []*domain.ToolCall
	require.Eventually(t, func() bool {
		pending, err = h.gate.Pending(ctx, alice)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Соседняя реплика без шины сигналов не может отменить чужой живой инстанс
	other := h.replica(t, &testutil.ScriptedEngine{}, testConfig())
	_, err = other.rt.Cancel(ctx, alice, inst.ID)
	require.Error(t, err)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.rt.Shutdown(sctx))

	// Владелец остановлен: отмена закрывает инстанс и его вызов на месте
	done, err := other.rt.Cancel(ctx, alice, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, done.State)

	call, err := h.store.GetToolCall(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallRejected, call.Status)

	claimed, err := h.store.ClaimInstance(ctx, inst.ID, "someone", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "terminal instance")
}

func TestWallClockTimeout(t *testing.T) {
	user := openPolicy(domain.ScopeUser, "alice")
	user.WallClockTimeout = 50 * time.Millisecond

	block := make(chan struct{})
	defer close(block)
	h := newHarness(t, &testutil.ScriptedEngine{Block: block}, user)
	h.addTemplate(t, template("slow", domain.ModeMultiStep, "rag"))

	inst := h.run(t, alice, "slow", "wait")
	assert.Equal(t, domain.StateTimeout, inst.State)
}

func TestConcurrencyLimit(t *testing.T) {
	user := openPolicy(domain.ScopeUser, "alice")
	user.MaxConcurrentInstances = 1

	block := make(chan struct{})
	h := newHarness(t, &testutil.ScriptedEngine{Block: block}, user)
	h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))

	first, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "assistant"})
	require.NoError(t, err)

	_, err = h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "assistant"})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Equal(t, "concurrency_exceeded", domain.DenialReason(err))

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.rt.Wait(ctx, first.ID)
	require.NoError(t, err)

	_, err = h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "assistant"})
	assert.NoError(t, err)
}

func TestConcurrencyLimit_EachScopeCountsItsOwn(t *testing.T) {
	ctx := context.Background()

	t.Run("user limit does not cap the org", func(t *testing.T) {
		user := openPolicy(domain.ScopeUser, "alice")
		user.MaxConcurrentInstances = 1
		h := newHarness(t, &testutil.ScriptedEngine{Block: make(chan struct{})}, user, openPolicy(domain.ScopeUser, "bob"))
		h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))

		_, err := h.rt.CreateInstance(ctx, bob, CreateRequest{TemplateID: "assistant"})
		require.NoError(t, err)

		_, err = h.rt.CreateInstance(ctx, alice, CreateRequest{TemplateID: "assistant"})
		require.NoError(t, err)

		_, err = h.rt.CreateInstance(ctx, alice, CreateRequest{TemplateID: "assistant"})
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.Contains(t, err.Error(), "owner alice")
	})

	t.Run("org limit applies when user limit is unset", func(t *testing.T) {
		user := openPolicy(domain.ScopeUser, "alice")
		user.MaxConcurrentInstances = 0
		org := openPolicy(domain.ScopeOrg, "acme")
		org.MaxConcurrentInstances = 2
		h := newHarness(t, &testutil.ScriptedEngine{Block: make(chan struct{})}, user, org, openPolicy(domain.ScopeUser, "bob"))
		h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))

		_, err := h.rt.CreateInstance(ctx, alice, CreateRequest{TemplateID: "assistant"})
		require.NoError(t, err)
		_, err = h.rt.CreateInstance(ctx, alice, CreateRequest{TemplateID: "assistant"})
		require.NoError(t, err)

		_, err = h.rt.CreateInstance(ctx, bob, CreateRequest{TemplateID: "assistant"})
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.Equal(t, "concurrency_exceeded", domain.DenialReason(err))
		assert.Contains(t, err.Error(), "org acme")
	})
}

func TestConcurrentInstancesRunIndependently(t *testing.T) {
	h := newHarness(t, &testutil.ScriptedEngine{})
	h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag"))

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := h.rt.CreateInstance(context.Background(), alice, CreateRequest{TemplateID: "assistant"})
			if assert.NoError(t, err) {
				ids[i] = inst.ID
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		done, err := h.rt.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, done.State)
	}
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &testutil.ScriptedEngine{Final: "resumed"})
	tmpl := template("assistant", domain.ModeMultiStep, "rag")
	h.addTemplate(t, tmpl)

	now := time.Now().UTC()
	perms := domain.EffectivePermissions{
		Tools: []string{"rag"}, Models: []string{"model-a"},
		MaxSteps: 5, MaxChildren: 1, MaxDepth: 1,
		ApprovalTimeout: time.Minute, WallClockTimeout: time.Minute,
	}
	mk := func(id, templateID string, state domain.InstanceState, transcript []domain.Message) {
		require.NoError(t, h.store.CreateInstance(ctx, &domain.AgentInstance{
			ID: id, TemplateID: templateID, TemplateVersion: 1,
			OwnerID: "alice", OrgID: "acme", RootInstanceID: id,
			Model: "model-a", EffectivePermissions: perms,
			State: state, StepCount: 1, Transcript: transcript,
			CreatedAt: now, UpdatedAt: now, Deadline: now.Add(time.Minute),
		}))
	}
	mk("resumable", "assistant", domain.StateExecuting, []domain.Message{{Role: domain.RoleUser, Content: "hi"}})
	mk("lost-context", "assistant", domain.StateExecuting, nil)
	mk("lost-template", "gone", domain.StateQueued, nil)
	mk("finished", "assistant", domain.StateCompleted, nil)

	// просроченный вызов после рестарта закрывается как timed_out
	require.NoError(t, h.store.CreateToolCall(ctx, &domain.ToolCall{
		ID: "call-1", InstanceID: "resumable", OwnerID: "alice", ToolID: "rag",
		Status: domain.CallPendingApproval, RequestedAt: now.Add(-time.Hour), Deadline: now.Add(-time.Minute),
	}))
	// вызов инстанса, который не восстановить, не должен висеть в очереди
	require.NoError(t, h.store.CreateToolCall(ctx, &domain.ToolCall{
		ID: "call-2", InstanceID: "lost-context", OwnerID: "alice", ToolID: "fs.write",
		Status: domain.CallPendingApproval, RequestedAt: now, Deadline: now.Add(time.Minute),
	}))

	resumed, failed, err := h.rt.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 2, failed)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := h.rt.Wait(wctx, "resumable")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Equal(t, "resumed", done.Result)

	for _, id := range []string{"lost-context", "lost-template"} {
		inst, err := h.store.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailed, inst.State)
		require.NotNil(t, inst.Error)
		assert.True(t, strings.Contains(*inst.Error, "context unrecoverable"))
	}

	call, err := h.store.GetToolCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallTimedOut, call.Status)
	assert.True(t, hasObservationFor(done, "call-1"))

	orphaned, err := h.store.GetToolCall(ctx, "call-2")
	require.NoError(t, err)
	assert.Equal(t, domain.CallRejected, orphaned.Status)
	assert.Contains(t, orphaned.Reason, "context unrecoverable")
}

func hasObservationFor(inst *domain.AgentInstance, callID string) bool {
	for _, m := range inst.Transcript {
		if m.Role == domain.RoleObservation && m.CallID == callID {
			return true
		}
	}
	return false
}

func TestRecover_PendingCallSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &testutil.ScriptedEngine{
		Turns: []*inference.Turn{testutil.ToolTurn("fs.write", `{"path":"a.txt","content":"x"}`)},
	})
	h.addTemplate(t, template("writer", domain.ModeMultiStep, "fs.write"))

	inst, err := h.rt.CreateInstance(ctx, alice, CreateRequest{TemplateID: "writer", Input: "write"})
	require.NoError(t, err)

	var pending []*domain.ToolCall
	require.Eventually(t, func() bool {
		pending, err = h.gate.Pending(ctx, alice)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	callID := pending[0].ID

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.rt.Shutdown(sctx))

	call, err := h.store.GetToolCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallPendingApproval, call.Status, "shutdown must not decide the call")

	// Рестарт: новый рантайм, новый гейт, то же хранилище
	eng := &testutil.ScriptedEngine{Final: "written"}
	restarted := h.replica(t, eng, testConfig())
	resumed, failed, err := restarted.rt.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 0, failed)

	_, err = restarted.gate.Approve(ctx, alice, callID, "ok")
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	done, err := restarted.rt.Wait(wctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Equal(t, "written", done.Result)
	assert.True(t, hasObservationFor(done, callID))

	call, err = h.store.GetToolCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallExecuted, call.Status)

	// Модель спрошена только после того, как вызов закрыт
	reqs := eng.Requests()
	require.NotEmpty(t, reqs)
	found := false
	for _, m := range reqs[0].Transcript {
		found = found || m.CallID == callID
	}
	assert.True(t, found)

	calls, err := h.store.ListInstanceToolCalls(ctx, inst.ID)
	require.NoError(t, err)
	for _, c := range calls {
		assert.True(t, c.Status.IsTerminal(), "call %s left %s", c.ID, c.Status)
	}
}

func TestRecover_ApprovedCallsAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &testutil.ScriptedEngine{Final: "resumed"})
	h.addTemplate(t, template("writer", domain.ModeMultiStep, "rag", "fs.write"))

	now := time.Now().UTC()
	require.NoError(t, h.store.CreateInstance(ctx, &domain.AgentInstance{
		ID: "inst-1", TemplateID: "writer", TemplateVersion: 1,
		OwnerID: "alice", OrgID: "acme", RootInstanceID: "inst-1", Model: "model-a",
		EffectivePermissions: domain.EffectivePermissions{
			Tools: []string{"fs.write", "rag"}, Models: []string{"model-a"},
			MaxSteps: 5, ApprovalTimeout: time.Minute, WallClockTimeout: time.Minute,
		},
		State: domain.StateExecuting, StepCount: 1,
		Transcript: []domain.Message{{Role: domain.RoleUser, Content: "go"}},
		CreatedAt:  now, UpdatedAt: now, Deadline: now.Add(time.Minute),
	}))
	system := domain.ActorSystem
	for _, c := range []*domain.ToolCall{
		{ID: "lookup", ToolID: "rag", Arguments: json.RawMessage(`{"query":"q"}`), SafetyTier: domain.TierSafe},
		{ID: "write", ToolID: "fs.write", Arguments: json.RawMessage(`{"path":"a.txt","content":"x"}`), SafetyTier: domain.TierModerate},
	} {
		c.InstanceID, c.OwnerID, c.OrgID = "inst-1", "alice", "acme"
		c.Status, c.RequestedAt, c.Deadline = domain.CallApproved, now, now.Add(time.Minute)
		c.ResolvedAt, c.ResolvedBy = &now, &system
		require.NoError(t, h.store.CreateToolCall(ctx, c))
	}

	resumed, _, err := h.rt.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := h.rt.Wait(wctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.True(t, hasObservationFor(done, "lookup"))
	assert.True(t, hasObservationFor(done, "write"))

	// Идемпотентный вызов повторяется, побочный эффект второй раз не исполняется
	lookup, err := h.store.GetToolCall(ctx, "lookup")
	require.NoError(t, err)
	assert.Equal(t, domain.CallExecuted, lookup.Status)

	write, err := h.store.GetToolCall(ctx, "write")
	require.NoError(t, err)
	assert.Equal(t, domain.CallError, write.Status)
	assert.Contains(t, write.Reason, "outcome unknown")
}

func TestRecover_SkipsInstancesLeasedByLiveReplica(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &testutil.ScriptedEngine{
		Turns: []*inference.Turn{testutil.ToolTurn("fs.write", `{"path":"a.txt","content":"x"}`)},
	})
	h.addTemplate(t, template("writer", domain.ModeMultiStep, "fs.write"))

	inst, err := h.rt.CreateInstance(ctx, alice, CreateRequest{TemplateID: "writer"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pending, err := h.gate.Pending(ctx, alice)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	eng := &testutil.ScriptedEngine{}
	other := h.replica(t, eng, testConfig())
	resumed, failed, err := other.rt.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)
	assert.Equal(t, 0, failed)
	assert.Nil(t, other.rt.local(inst.ID))

	// Остановленная реплика отпускает аренду, инстанс переходит к соседу
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.rt.Shutdown(sctx))

	resumed, _, err = other.rt.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	pending, err := other.gate.Pending(ctx, alice)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = other.gate.Reject(ctx, alice, pending[0].ID, "not now")
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	done, err := other.rt.Wait(wctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.True(t, hasObservationFor(done, pending[0].ID))
}

func TestStartLeases_AdoptsExpiredLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &testutil.ScriptedEngine{})
	h.addTemplate(t, template("writer", domain.ModeMultiStep, "fs.write"))

	short := testConfig()
	short.LeaseTTL = 60 * time.Millisecond

	// первая реплика не продлевает аренду: так выглядит упавший процесс
	crashed := h.replica(t, &testutil.ScriptedEngine{
		Turns: []*inference.Turn{testutil.ToolTurn("fs.write", `{"path":"a.txt","content":"x"}`)},
	}, short)
	inst, err := crashed.rt.CreateInstance(ctx, alice, CreateRequest{TemplateID: "writer"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pending, err := crashed.gate.Pending(ctx, alice)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	survivor := h.replica(t, &testutil.ScriptedEngine{Final: "adopted"}, short)
	lctx, stop := context.WithCancel(ctx)
	defer stop()
	go survivor.rt.StartLeases(lctx)

	require.Eventually(t, func() bool {
		return survivor.rt.local(inst.ID) != nil
	}, 2*time.Second, 10*time.Millisecond)

	var pending []*domain.ToolCall
	require.Eventually(t, func() bool {
		pending, err = survivor.gate.Pending(ctx, alice)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, err = survivor.gate.Approve(ctx, alice, pending[0].ID, "ok")
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := survivor.rt.Wait(wctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Equal(t, "adopted", done.Result)
}

func TestRequest_CarriesOnlyAllowedSchemas(t *testing.T) {
	eng := &testutil.ScriptedEngine{}
	h := newHarness(t, eng)
	h.addTemplate(t, template("assistant", domain.ModeMultiStep, "rag", "web"))

	h.run(t, alice, "assistant", "hi")
	assert.Equal(t, []string{"rag", "web"}, eng.OfferedTools())

	for _, req := range eng.Requests() {
		raw, err := json.Marshal(req.Tools)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "shell.exec")
	}
}
