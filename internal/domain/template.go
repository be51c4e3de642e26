package domain

import (
	"slices"
	"time"
)

// Scope задает уровень, на котором живет шаблон или политика.
type Scope string

const (
	ScopeUser     Scope = "user"
	ScopeOrg      Scope = "org"
	ScopeGlobal   Scope = "global"
	ScopePlatform Scope = "platform" // только для политик
)

type ExecutionMode string

const (
	ModeSingle    ExecutionMode = "single"
	ModeMultiStep ExecutionMode = "multi_step"
	ModePlanner   ExecutionMode = "planner"
)

// AgentTemplate — неизменяемый blueprint агента. Правка создает новую версию
// с тем же ID, старые версии остаются для исторических инстансов.
type AgentTemplate struct {
	ID                    string        `json:"id"`
	Version               int           `json:"version"`
	Name                  string        `json:"name"`
	Scope                 Scope         `json:"scope"`
	OwnerID               string        `json:"owner_id"`
	OrgID                 string        `json:"org_id"`
	AllowedTools          []string      `json:"allowed_tools"`
	AllowedModels         []string      `json:"allowed_models"`
	ExecutionMode         ExecutionMode `json:"execution_mode"`
	MaxSteps              int           `json:"max_steps"`
	AllowedSpawnTemplates []string      `json:"allowed_spawn_templates"`
	SystemPrompt          string        `json:"system_prompt,omitempty"`

	// StrictMode: даже safe-вызовы требуют решения человека
	StrictMode bool `json:"strict_mode"`

	Retired   bool      `json:"retired"`
	CreatedAt time.Time `json:"created_at"`
}

// AllowsSpawn проверяет whitelist дочерних шаблонов.
func (t *AgentTemplate) AllowsSpawn(templateID string) bool {
	return slices.Contains(t.AllowedSpawnTemplates, templateID)
}

// NextVersion готовит копию шаблона для публикации новой версии.
func (t *AgentTemplate) NextVersion() AgentTemplate {
	next := *t
	next.Version = t.Version + 1
	next.AllowedTools = slices.Clone(t.AllowedTools)
	next.AllowedModels = slices.Clone(t.AllowedModels)
	next.AllowedSpawnTemplates = slices.Clone(t.AllowedSpawnTemplates)
	next.Retired = false
	return next
}

// Validate отсекает заведомо битые шаблоны до публикации.
func (t *AgentTemplate) Validate() error {
	switch {
	case t.ID == "":
		return Deny(ErrInvalidArguments, "template_id_required", "")
	case t.Scope != ScopeUser && t.Scope != ScopeOrg && t.Scope != ScopeGlobal:
		return Deny(ErrInvalidArguments, "bad_scope", string(t.Scope))
	case t.ExecutionMode != ModeSingle && t.ExecutionMode != ModeMultiStep && t.ExecutionMode != ModePlanner:
		return Deny(ErrInvalidArguments, "bad_execution_mode", string(t.ExecutionMode))
	case t.MaxSteps <= 0:
		return Deny(ErrInvalidArguments, "max_steps_required", "")
	case len(t.AllowedTools) == 0:
		return Deny(ErrInvalidArguments, "allowed_tools_required", "")
	case slices.Contains(t.AllowedTools, Wildcard) || slices.Contains(t.AllowedModels, Wildcard):
		// потолок шаблона всегда перечисляется явно
		return Deny(ErrInvalidArguments, "wildcard_in_template", "")
	}
	return nil
}
