package permission

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

func policy(scope domain.Scope, tools ...string) *domain.Policy {
	return &domain.Policy{
		Scope:                  scope,
		AllowedTools:           tools,
		AllowedModels:          []string{domain.Wildcard},
		MaxSteps:               20,
		MaxChildren:            5,
		MaxDepth:               3,
		MaxConcurrentInstances: 10,
	}
}

func template(tools ...string) *domain.AgentTemplate {
	return &domain.AgentTemplate{
		ID:            "tpl-research",
		Version:       1,
		Scope:         domain.ScopeOrg,
		AllowedTools:  tools,
		AllowedModels: []string{"gpt-4o", "claude"},
		ExecutionMode: domain.ModeMultiStep,
		MaxSteps:      10,
	}
}

func TestResolve_ScenarioDowngrade(t *testing.T) {
	eff, err := Resolve(Inputs{
		Template: template("rag", "web", "python"),
		User:     policy(domain.ScopeUser, "rag"),
		Org:      policy(domain.ScopeOrg, "rag", "web"),
		Platform: policy(domain.ScopePlatform, domain.Wildcard),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"rag"}, eff.Tools)
	assert.False(t, eff.AllowsTool("python"))
	assert.True(t, eff.AllowsTool("rag"))
}

func TestResolve_EmptyIntersectionDenied(t *testing.T) {
	_, err := Resolve(Inputs{
		Template: template("python"),
		User:     policy(domain.ScopeUser, "rag"),
		Org:      policy(domain.ScopeOrg, domain.Wildcard),
		Platform: policy(domain.ScopePlatform, domain.Wildcard),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
	assert.Equal(t, "empty_tools", domain.DenialReason(err))
}

func TestResolve_BudgetsTakeMinimum(t *testing.T) {
	user := policy(domain.ScopeUser, domain.Wildcard)
	user.MaxChildren = 2
	org := policy(domain.ScopeOrg, domain.Wildcard)
	org.MaxDepth = 1
	org.ApprovalTimeout = 30 * time.Second
	platform := policy(domain.ScopePlatform, domain.Wildcard)
	platform.MaxSteps = 4

	eff, err := Resolve(Inputs{
		Template:               template("rag"),
		User:                   user,
		Org:                    org,
		Platform:               platform,
		DefaultApprovalTimeout: 120 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, eff.MaxSteps)
	assert.Equal(t, 2, eff.MaxChildren)
	assert.Equal(t, 1, eff.MaxDepth)
	assert.Equal(t, 30*time.Second, eff.ApprovalTimeout)
}

func TestResolve_ConcurrencyLimitsStayPerScope(t *testing.T) {
	user := policy(domain.ScopeUser, domain.Wildcard)
	user.MaxConcurrentInstances = 1
	org := policy(domain.ScopeOrg, domain.Wildcard)
	org.MaxConcurrentInstances = 0
	platform := policy(domain.ScopePlatform, domain.Wildcard)
	platform.MaxConcurrentInstances = 500

	eff, err := Resolve(Inputs{Template: template("rag"), User: user, Org: org, Platform: platform})
	require.NoError(t, err)
	assert.Equal(t, 1, eff.MaxConcurrentUser)
	assert.Equal(t, 0, eff.MaxConcurrentOrg)
	assert.Equal(t, 500, eff.MaxConcurrentPlatform)

	// 0 у родителя не снимает лимит ребенка
	eff, err = Resolve(Inputs{
		Template: template("rag"), User: user, Org: org, Platform: platform,
		Parent: &eff,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, eff.MaxConcurrentUser)
	assert.Equal(t, 0, eff.MaxConcurrentOrg)
}

func TestResolve_ZeroBudgetDenied(t *testing.T) {
	user := policy(domain.ScopeUser, domain.Wildcard)
	user.MaxSteps = 0

	_, err := Resolve(Inputs{
		Template: template("rag"),
		User:     user,
		Org:      policy(domain.ScopeOrg, domain.Wildcard),
		Platform: policy(domain.ScopePlatform, domain.Wildcard),
	})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Equal(t, "zero_budget", domain.DenialReason(err))
}

func TestResolve_MissingPolicyDenied(t *testing.T) {
	_, err := Resolve(Inputs{
		Template: template("rag"),
		User:     policy(domain.ScopeUser, domain.Wildcard),
		Platform: policy(domain.ScopePlatform, domain.Wildcard),
	})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Equal(t, "policy_missing", domain.DenialReason(err))
}

func TestResolve_ParentBoundsChild(t *testing.T) {
	parent := &domain.EffectivePermissions{
		Tools:             []string{"rag"},
		Models:            []string{"claude"},
		MaxSteps:          3,
		MaxChildren:       1,
		MaxDepth:          2,
		MaxConcurrentUser: 4,
		StrictMode:        true,
	}
	eff, err := Resolve(Inputs{
		Template: template("rag", "web"),
		User:     policy(domain.ScopeUser, domain.Wildcard),
		Org:      policy(domain.ScopeOrg, domain.Wildcard),
		Platform: policy(domain.ScopePlatform, domain.Wildcard),
		Parent:   parent,
	})
	require.NoError(t, err)
	assert.True(t, eff.SubsetOf(parent))
	assert.Equal(t, []string{"claude"}, eff.Models)
	assert.Equal(t, 3, eff.MaxSteps)
	assert.Equal(t, 4, eff.MaxConcurrentUser)
	assert.Equal(t, 10, eff.MaxConcurrentOrg)
	assert.True(t, eff.StrictMode)
}

// Для случайных наборов результат всегда равен A∩B∩C∩D.
func TestResolve_IntersectionProperty(t *testing.T) {
	universe := []string{"rag", "web", "python", "fs.read", "fs.write", "shell.exec", "calc"}
	pick := func(r *rand.Rand) []string {
		var out []string
		for _, u := range universe {
			if r.IntN(2) == 0 {
				out = append(out, u)
			}
		}
		return out
	}

	r := rand.New(rand.NewPCG(42, 7))
	for i := 0; i < 500; i++ {
		a, b, c, d := pick(r), pick(r), pick(r), pick(r)

		var want []string
		for _, u := range universe {
			if slices.Contains(a, u) && slices.Contains(b, u) && slices.Contains(c, u) && slices.Contains(d, u) {
				want = append(want, u)
			}
		}
		slices.Sort(want)

		eff, err := Resolve(Inputs{
			Template: template(a...),
			User:     policy(domain.ScopeUser, b...),
			Org:      policy(domain.ScopeOrg, c...),
			Platform: policy(domain.ScopePlatform, d...),
		})
		if len(want) == 0 {
			require.ErrorIs(t, err, domain.ErrPermissionDenied)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, want, eff.Tools)
	}
}
