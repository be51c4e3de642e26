// Package tools — закрытый реестр capability-дескрипторов. Вызов инструмента
// разрешается через поиск в реестре, а не через рефлексию, поэтому
// классификатор безопасности видит полный перечень.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

// Kind: закрытый набор типов инструментов (тег дескриптора).
type Kind string

const (
	KindRead    Kind = "read"    // чтение (файлы, поиск по базе знаний)
	KindWrite   Kind = "write"   // запись в песочницу
	KindExec    Kind = "exec"    // произвольные команды
	KindNetwork Kind = "network" // внешние запросы
	KindCompute Kind = "compute" // изолированные вычисления (python, calc)
)

func (k Kind) valid() bool {
	switch k {
	case KindRead, KindWrite, KindExec, KindNetwork, KindCompute:
		return true
	}
	return false
}

// Mutating: инструменты, которым нужен эксклюзивный доступ к корню песочницы.
func (k Kind) Mutating() bool {
	return k == KindWrite || k == KindExec
}

// Executor выполняет конкретный вызов (mock, gRPC коннектор и т.п.).
type Executor interface {
	Call(ctx context.Context, toolID string, args []byte) ([]byte, error)
}

type Descriptor struct {
	ID          string
	Description string
	Schema      json.RawMessage
	Kind        Kind
	BaseTier    domain.SafetyTier
	Required    []string // обязательные поля аргументов
	PathArgs    []string // поля с путями, подлежат проверке песочницей
	CommandArg  string   // поле с командой для exec-инструментов
	Idempotent  bool     // можно повторить один раз при ExecutionTimeout

	// Динамическая эскалация: числовое поле выше порога поднимает tier
	RiskField string
	Threshold float64

	Executor Executor
}

// Schema: то, что рекламируется Inference Engine.
type Schema struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register добавляет дескриптор; повтор и неполные дескрипторы — ошибка конфигурации.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" || !d.Kind.valid() || d.Executor == nil {
		return fmt.Errorf("tools: incomplete descriptor %q", d.ID)
	}
	switch d.BaseTier {
	case domain.TierSafe, domain.TierModerate, domain.TierDangerous:
	default:
		return fmt.Errorf("tools: descriptor %q has no safety tier", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.ID]; exists {
		return fmt.Errorf("tools: duplicate descriptor %q", d.ID)
	}
	d.Required = slices.Clone(d.Required)
	d.PathArgs = slices.Clone(d.PathArgs)
	r.tools[d.ID] = d
	return nil
}

func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[id]
	return d, ok
}

// Schemas отдает схемы только разрешенных инструментов:
// модель никогда не видит ничего вне effective_permissions.
func (r *Registry) Schemas(allowed []string) []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Schema, 0, len(allowed))
	for _, id := range allowed {
		d, ok := r.tools[id]
		if !ok {
			continue
		}
		out = append(out, Schema{ID: d.ID, Description: d.Description, Parameters: d.Schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateArguments: аргументы — JSON-объект со всеми обязательными полями.
func (d Descriptor) ValidateArguments(args json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, &m); err != nil || m == nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", domain.ErrInvalidArguments)
	}
	for _, field := range d.Required {
		if _, ok := m[field]; !ok {
			return nil, fmt.Errorf("%w: missing %q", domain.ErrInvalidArguments, field)
		}
	}
	for _, field := range d.PathArgs {
		if v, ok := m[field]; ok {
			if _, isStr := v.(string); !isStr {
				return nil, fmt.Errorf("%w: %q must be a string", domain.ErrInvalidArguments, field)
			}
		}
	}
	return m, nil
}
