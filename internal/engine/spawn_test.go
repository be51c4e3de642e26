package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/inference"
	"github.com/xela07ax/spaceai-agent-core/internal/testutil"
)

// seedParent сохраняет родительский инстанс напрямую, минуя раннер.
func seedParent(t *testing.T, h *harness, tmpl *domain.AgentTemplate, perms domain.EffectivePermissions, depth int) *domain.AgentInstance {
	t.Helper()
	now := time.Now().UTC()
	parent := &domain.AgentInstance{
		ID:                   "parent-" + tmpl.ID,
		TemplateID:           tmpl.ID,
		TemplateVersion:      tmpl.Version,
		OwnerID:              "alice",
		OrgID:                "acme",
		RootInstanceID:       "root-1",
		Depth:                depth,
		Model:                "model-a",
		EffectivePermissions: perms,
		State:                domain.StateExecuting,
		CreatedAt:            now,
		UpdatedAt:            now,
		Deadline:             now.Add(30 * time.Second),
	}
	require.NoError(t, h.store.CreateInstance(context.Background(), parent))
	return parent
}

func parentPerms() domain.EffectivePermissions {
	return domain.EffectivePermissions{
		Tools:             []string{"rag", "web"},
		Models:            []string{"model-a"},
		MaxSteps:          5,
		MaxChildren:       5,
		MaxDepth:          3,
		MaxConcurrentUser: 100,
		ApprovalTimeout:   time.Minute,
		WallClockTimeout:  time.Minute,
	}
}

func spawnHarness(t *testing.T) (*harness, *domain.AgentTemplate) {
	t.Helper()
	h := newHarness(t, &testutil.ScriptedEngine{})
	lead := template("lead", domain.ModeMultiStep, "rag", "web")
	lead.AllowedSpawnTemplates = []string{"worker"}
	h.addTemplate(t, lead)
	h.addTemplate(t, template("worker", domain.ModeMultiStep, "rag", "python"))
	h.addTemplate(t, template("rogue", domain.ModeMultiStep, "shell.exec"))
	return h, lead
}

func TestAdmit_ConcurrentSpawnsRespectMaxChildren(t *testing.T) {
	h, lead := spawnHarness(t)
	parent := seedParent(t, h, lead, parentPerms(), 0)

	const attempts = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		denied   int
	)
	start := make(chan struct{})
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.rt.Spawn().Admit(context.Background(), parent, domain.SpawnIntent{TemplateID: "worker"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				return
			}
			assert.ErrorIs(t, err, domain.ErrSpawnDenied)
			assert.Equal(t, "children_exceeded", domain.DenialReason(err))
			denied++
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 5, denied)
	assert.Equal(t, 5, h.rt.Spawn().Count(parent.ID))

	children, err := h.store.ListChildren(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 5)

	decisions := h.rec.Filter(audit.KindSpawn, nil)
	assert.Len(t, decisions, attempts)
}

func TestAdmit_Denials(t *testing.T) {
	tests := []struct {
		name     string
		depth    int
		perms    func(p *domain.EffectivePermissions)
		template string
		reason   string
	}{
		{name: "depth bound", depth: 3, template: "worker", reason: "depth_exceeded"},
		{name: "not whitelisted", template: "rogue", reason: "template_not_whitelisted"},
		{name: "no children budget", perms: func(p *domain.EffectivePermissions) { p.MaxChildren = 0 }, template: "worker", reason: "children_exceeded"},
		{
			name:     "no common tools with parent",
			perms:    func(p *domain.EffectivePermissions) { p.Tools = []string{"web"} },
			template: "worker",
			reason:   "permission_denied",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, lead := spawnHarness(t)
			perms := parentPerms()
			if tt.perms != nil {
				tt.perms(&perms)
			}
			parent := seedParent(t, h, lead, perms, tt.depth)

			child, err := h.rt.Spawn().Admit(context.Background(), parent, domain.SpawnIntent{TemplateID: tt.template})
			require.ErrorIs(t, err, domain.ErrSpawnDenied)
			assert.Nil(t, child)
			assert.Equal(t, tt.reason, domain.DenialReason(err))

			// отказ не расходует бюджет детей
			assert.Equal(t, 0, h.rt.Spawn().Count(parent.ID))

			events := h.rec.Filter(audit.KindSpawn, func(e audit.AuditEvent) bool {
				return e.Payload["outcome"] == "denied"
			})
			require.Len(t, events, 1)
			assert.Equal(t, tt.reason, events[0].Payload["reason"])
			assert.Equal(t, parent.ID, events[0].InstanceID)
		})
	}
}

func TestAdmit_ChildNeverEscalates(t *testing.T) {
	h, lead := spawnHarness(t)
	parent := seedParent(t, h, lead, parentPerms(), 1)

	child, err := h.rt.Spawn().Admit(context.Background(), parent, domain.SpawnIntent{TemplateID: "worker", Input: "sub task"})
	require.NoError(t, err)

	// шаблон ребенка просит python, у родителя его нет
	assert.Equal(t, []string{"rag"}, child.EffectivePermissions.Tools)
	assert.True(t, child.EffectivePermissions.SubsetOf(&parent.EffectivePermissions))
	assert.Equal(t, 2, child.Depth)
	assert.Equal(t, parent.ID, child.ParentInstanceID)
	assert.Equal(t, parent.RootInstanceID, child.RootInstanceID)
	assert.Equal(t, domain.StateQueued, child.State)
	assert.False(t, child.Deadline.After(parent.Deadline))
}

func TestAdmit_ContextIsDeepCopied(t *testing.T) {
	h, lead := spawnHarness(t)
	parent := seedParent(t, h, lead, parentPerms(), 0)

	shared := []domain.Message{{Role: domain.RoleUser, Content: "facts", Data: json.RawMessage(`{"k":"v"}`)}}
	child, err := h.rt.Spawn().Admit(context.Background(), parent, domain.SpawnIntent{TemplateID: "worker", Context: shared})
	require.NoError(t, err)

	shared[0].Content = "mutated"
	shared[0].Data[2] = 'X'

	var inherited *domain.Message
	for i := range child.Transcript {
		if child.Transcript[i].Role == domain.RoleUser {
			inherited = &child.Transcript[i]
		}
	}
	require.NotNil(t, inherited)
	assert.Equal(t, "facts", inherited.Content)
	assert.JSONEq(t, `{"k":"v"}`, string(inherited.Data))
}

func TestRunner_SpawnAndAwaitChild(t *testing.T) {
	eng := &testutil.ScriptedEngine{
		Turns: []*inference.Turn{{
			Content:      "delegating",
			SpawnIntents: []domain.SpawnIntent{{TemplateID: "worker", Input: "research", Await: true}},
		}},
		Final: "merged",
	}
	h := newHarness(t, eng)
	lead := template("lead", domain.ModeMultiStep, "rag", "web")
	lead.AllowedSpawnTemplates = []string{"worker"}
	h.addTemplate(t, lead)
	h.addTemplate(t, template("worker", domain.ModeMultiStep, "rag"))

	parent := h.run(t, alice, "lead", "plan a trip")
	assert.Equal(t, domain.StateCompleted, parent.State)
	assert.Equal(t, 1, parent.SpawnedCount)

	children, err := h.store.ListChildren(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, domain.StateCompleted, children[0].State)
	assert.Equal(t, 1, children[0].Depth)

	obs := observations(parent)
	require.Len(t, obs, 1)
	assert.Contains(t, obs[0], "finished as completed")
}

func TestRunner_DeniedSpawnIsObservation(t *testing.T) {
	eng := &testutil.ScriptedEngine{
		Turns: []*inference.Turn{{
			SpawnIntents: []domain.SpawnIntent{{TemplateID: "rogue"}},
		}},
	}
	h := newHarness(t, eng)
	lead := template("lead", domain.ModeMultiStep, "rag")
	h.addTemplate(t, lead)
	h.addTemplate(t, template("rogue", domain.ModeMultiStep, "rag"))

	parent := h.run(t, alice, "lead", "go")
	assert.Equal(t, domain.StateCompleted, parent.State)
	assert.Equal(t, 0, parent.SpawnedCount)

	obs := observations(parent)
	require.Len(t, obs, 1)
	assert.Contains(t, obs[0], "template_not_whitelisted")
}
