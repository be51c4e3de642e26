// Package testutil — общие фейки для тестов: записывающий аудитор и
// Inference Engine по сценарию.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/inference"
)

// RecordingAuditor складывает события в память.
type RecordingAuditor struct {
	mu     sync.Mutex
	events []audit.AuditEvent
}

func (r *RecordingAuditor) Log(e audit.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *RecordingAuditor) Events() []audit.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Filter: события заданного вида, для которых match вернул true (match может быть nil).
func (r *RecordingAuditor) Filter(kind audit.Kind, match func(audit.AuditEvent) bool) []audit.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []audit.AuditEvent
	for _, e := range r.events {
		if e.Kind == kind && (match == nil || match(e)) {
			out = append(out, e)
		}
	}
	return out
}

// WithStatus: матчер для tool_call событий по статусу.
func WithStatus(status domain.ToolCallStatus) func(audit.AuditEvent) bool {
	return func(e audit.AuditEvent) bool {
		return e.Payload["status"] == string(status)
	}
}

// ErrScriptExhausted: сценарий закончился раньше, чем инстанс.
var ErrScriptExhausted = errors.New("script exhausted")

// ScriptedEngine отдает заранее заданные ходы по порядку и запоминает,
// какие запросы к нему пришли.
type ScriptedEngine struct {
	mu sync.Mutex

	PlanResult *inference.Plan
	// Turns отдаются по порядку; nil — ошибка коллаборатора
	Turns []*inference.Turn
	Final string
	// Block: Next ждет закрытия канала (для тестов отмены)
	Block chan struct{}

	requests []inference.Request
}

// ToolTurn: ход с одним вызовом инструмента.
func ToolTurn(toolID, args string) *inference.Turn {
	return &inference.Turn{ToolCalls: []inference.ToolRequest{{ToolID: toolID, Arguments: json.RawMessage(args)}}}
}

func (s *ScriptedEngine) Plan(_ context.Context, req inference.Request) (*inference.Plan, error) {
	s.record(req)
	if s.PlanResult == nil {
		return &inference.Plan{}, nil
	}
	return s.PlanResult, nil
}

func (s *ScriptedEngine) Next(ctx context.Context, req inference.Request) (*inference.Turn, error) {
	s.record(req)
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Turns) == 0 {
		return &inference.Turn{}, nil
	}
	t := s.Turns[0]
	s.Turns = s.Turns[1:]
	if t == nil {
		return nil, ErrScriptExhausted
	}
	return t, nil
}

func (s *ScriptedEngine) Synthesize(_ context.Context, req inference.Request) (string, error) {
	s.record(req)
	if s.Final == "" {
		return "done", nil
	}
	return s.Final, nil
}

// Requests: копия всех запросов, пришедших к движку.
func (s *ScriptedEngine) Requests() []inference.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// OfferedTools: объединение id инструментов, показанных модели.
func (s *ScriptedEngine) OfferedTools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, r := range s.requests {
		for _, t := range r.Tools {
			if !slices.Contains(ids, t.ID) {
				ids = append(ids, t.ID)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

func (s *ScriptedEngine) record(req inference.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
}
