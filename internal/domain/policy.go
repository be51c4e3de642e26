package domain

import (
	"slices"
	"time"
)

// Wildcard в наборе политики означает "ось не ограничена на этом уровне".
const Wildcard = "*"

// Policy — правило одного уровня доверия (пользователь, организация, платформа).
// Меняется только администратором своего уровня.
type Policy struct {
	ID        string `json:"id"`
	Scope     Scope  `json:"scope"`      // user | org | platform
	SubjectID string `json:"subject_id"` // user id, org id или "*" для платформы

	AllowedTools           []string `json:"allowed_tools"`
	AllowedModels          []string `json:"allowed_models"`
	MaxSteps               int      `json:"max_steps"`
	MaxChildren            int      `json:"max_children"`
	MaxDepth               int      `json:"max_depth"`
	MaxConcurrentInstances int      `json:"max_concurrent_instances"`

	// Необязательные таймауты, 0 — берем дефолт движка
	ApprovalTimeout  time.Duration `json:"approval_timeout,omitempty"`
	WallClockTimeout time.Duration `json:"wall_clock_timeout,omitempty"`

	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key — ключ политики в кэше: "scope:subject".
func (p *Policy) Key() string {
	return PolicyKey(p.Scope, p.SubjectID)
}

func PolicyKey(scope Scope, subjectID string) string {
	return string(scope) + ":" + subjectID
}

// Clone отдает глубокую копию, чтобы никто не мутировал закэшированный объект.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	c := *p
	c.AllowedTools = slices.Clone(p.AllowedTools)
	c.AllowedModels = slices.Clone(p.AllowedModels)
	return &c
}
