package audit

import "time"

type Kind string

const (
	KindPermissionCheck Kind = "permission_check"
	KindSpawn           Kind = "spawn"
	KindToolCall        Kind = "tool_call"
	KindStateTransition Kind = "state_transition"
)

// AuditEvent: append-only запись. Никогда не обновляется и не удаляется.
type AuditEvent struct {
	ID         string         `json:"event_id"`    // UUID события
	InstanceID string         `json:"instance_id"` // Чей инстанс
	Actor      string         `json:"actor"`       // "system" или user id
	Kind       Kind           `json:"kind"`
	Payload    map[string]any `json:"payload"` // Что запросили, что решили и почему
	Timestamp  time.Time      `json:"timestamp"`
}
