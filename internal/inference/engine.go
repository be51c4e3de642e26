// Package inference описывает внешнего коллаборатора Inference Engine:
// по транскрипту и списку доступных инструментов он отдает либо текст,
// либо набор запросов на вызов инструментов.
package inference

import (
	"context"
	"encoding/json"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/tools"
)

type Engine interface {
	// Plan строит структурированный план (режим planner).
	Plan(ctx context.Context, req Request) (*Plan, error)
	// Next: очередной ход модели.
	Next(ctx context.Context, req Request) (*Turn, error)
	// Synthesize: финальный ответ пользователю по накопленному транскрипту.
	Synthesize(ctx context.Context, req Request) (string, error)
}

// Request. Tools содержит только инструменты из effective_permissions.
type Request struct {
	InstanceID   string           `json:"instance_id"`
	Model        string           `json:"model"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Transcript   []domain.Message `json:"transcript"`
	Tools        []tools.Schema   `json:"tools"`
	Plan         *Plan            `json:"plan,omitempty"`
	StepsLeft    int              `json:"steps_left"`
}

type Turn struct {
	Content      string               `json:"content,omitempty"`
	ToolCalls    []ToolRequest        `json:"tool_calls,omitempty"`
	SpawnIntents []domain.SpawnIntent `json:"spawn_intents,omitempty"`
}

type ToolRequest struct {
	ToolID    string          `json:"tool_id"`
	Arguments json.RawMessage `json:"arguments"`
}

type Plan struct {
	Steps []PlanStep `json:"steps"`
}

type PlanStep struct {
	ToolID string `json:"tool_id"`
	Goal   string `json:"goal"`
}
