package domain

import (
	"encoding/json"
	"slices"
	"time"
)

type InstanceState string

const (
	StateQueued       InstanceState = "queued"
	StatePlanning     InstanceState = "planning"
	StateExecuting    InstanceState = "executing"
	StateSynthesizing InstanceState = "synthesizing"
	StateCompleted    InstanceState = "completed"
	StateFailed       InstanceState = "failed"
	StateTimeout      InstanceState = "timeout"
	StateCancelled    InstanceState = "cancelled"
)

// AllStates — полный перечень состояний FSM.
var AllStates = []InstanceState{
	StateQueued, StatePlanning, StateExecuting, StateSynthesizing,
	StateCompleted, StateFailed, StateTimeout, StateCancelled,
}

func (s InstanceState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// Роли сообщений транскрипта
const (
	RoleSystem      = "system"
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleObservation = "observation"
)

// Message — элемент транскрипта инстанса.
type Message struct {
	Role    string          `json:"role"`
	Content string          `json:"content"`
	CallID  string          `json:"call_id,omitempty"`
	ToolID  string          `json:"tool_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AgentInstance — рантайм-сущность. Дерево спавна хранится как arena+index:
// ссылки только через ParentInstanceID/RootInstanceID, ацикличность держит Depth.
type AgentInstance struct {
	ID               string `json:"instance_id"`
	TemplateID       string `json:"template_id"`
	TemplateVersion  int    `json:"template_version"`
	OwnerID          string `json:"owner_id"`
	OrgID            string `json:"org_id"`
	ParentInstanceID string `json:"parent_instance_id,omitempty"`
	RootInstanceID   string `json:"root_instance_id"`
	Depth            int    `json:"depth"`
	Model            string `json:"model"`

	EffectivePermissions EffectivePermissions `json:"effective_permissions"`

	State        InstanceState `json:"state"`
	StepCount    int           `json:"step_count"`
	SpawnedCount int           `json:"spawned_count"`
	Transcript   []Message     `json:"transcript"`
	Result       string        `json:"result,omitempty"`
	Error        *string       `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deadline  time.Time `json:"deadline"`
}

// Snapshot делает глубокую копию для выдачи наружу и для персиста.
func (i *AgentInstance) Snapshot() *AgentInstance {
	c := *i
	c.EffectivePermissions = i.EffectivePermissions.Clone()
	c.Transcript = CloneTranscript(i.Transcript)
	if i.Error != nil {
		e := *i.Error
		c.Error = &e
	}
	return &c
}

// CloneTranscript копирует транскрипт вместе с json-пэйлоадами,
// чтобы родитель и ребенок не делили память.
func CloneTranscript(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		m.Data = slices.Clone(m.Data)
		out[i] = m
	}
	return out
}

// SpawnIntent — просьба агента о дочернем инстансе. Это не действие:
// решение принимает SpawnController.
type SpawnIntent struct {
	TemplateID string    `json:"template_id"`
	Input      string    `json:"input"`
	Context    []Message `json:"context,omitempty"`
	Await      bool      `json:"await"`
}
