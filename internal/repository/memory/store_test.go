package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

func seedInstance(t *testing.T, s *Store, id string, state domain.InstanceState) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreateInstance(context.Background(), &domain.AgentInstance{
		ID: id, TemplateID: "t", TemplateVersion: 1, OwnerID: "alice", RootInstanceID: id,
		State: state, CreatedAt: now, UpdatedAt: now, Deadline: now.Add(time.Minute),
	}))
}

func TestClaimInstance(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedInstance(t, s, "a", domain.StateExecuting)
	seedInstance(t, s, "done", domain.StateCompleted)

	ok, err := s.ClaimInstance(ctx, "a", "r1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.ClaimInstance(ctx, "a", "r1", time.Minute)
	assert.True(t, ok, "own lease is re-entrant")

	ok, _ = s.ClaimInstance(ctx, "a", "r2", time.Minute)
	assert.False(t, ok, "live lease of another replica")

	require.NoError(t, s.ReleaseLeases(ctx, "r2", []string{"a"}))
	ok, _ = s.ClaimInstance(ctx, "a", "r2", time.Minute)
	assert.False(t, ok, "foreign release must not drop the lease")

	require.NoError(t, s.ReleaseLeases(ctx, "r1", []string{"a"}))
	ok, _ = s.ClaimInstance(ctx, "a", "r2", time.Minute)
	assert.True(t, ok)

	ok, _ = s.ClaimInstance(ctx, "done", "r1", time.Minute)
	assert.False(t, ok, "terminal instances are never claimed")

	ok, _ = s.ClaimInstance(ctx, "missing", "r1", time.Minute)
	assert.False(t, ok)
}

func TestClaimInstance_ExpiredLease(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedInstance(t, s, "a", domain.StateExecuting)

	ok, _ := s.ClaimInstance(ctx, "a", "r1", 20*time.Millisecond)
	require.True(t, ok)

	// продление держит аренду
	require.NoError(t, s.RenewLeases(ctx, "r1", []string{"a"}, time.Minute))
	time.Sleep(30 * time.Millisecond)
	ok, _ = s.ClaimInstance(ctx, "a", "r2", time.Minute)
	assert.False(t, ok)

	require.NoError(t, s.RenewLeases(ctx, "r1", []string{"a"}, 10*time.Millisecond))
	assert.Eventually(t, func() bool {
		ok, _ := s.ClaimInstance(ctx, "a", "r2", time.Minute)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCreateTemplate_DuplicateVersion(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	tmpl := &domain.AgentTemplate{ID: "t", Version: 1, Scope: domain.ScopeGlobal, ExecutionMode: domain.ModeSingle, MaxSteps: 1}
	require.NoError(t, s.CreateTemplate(ctx, tmpl))

	err := s.CreateTemplate(ctx, tmpl)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestListInstanceToolCalls(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now().UTC()
	for i, id := range []string{"c2", "c1", "other"} {
		inst := "a"
		if id == "other" {
			inst = "b"
		}
		require.NoError(t, s.CreateToolCall(ctx, &domain.ToolCall{
			ID: id, InstanceID: inst, ToolID: "rag", Status: domain.CallPendingApproval,
			RequestedAt: now.Add(-time.Duration(i) * time.Second), Deadline: now.Add(time.Minute),
		}))
	}

	calls, err := s.ListInstanceToolCalls(ctx, "a")
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "c2", calls[1].ID)
}
