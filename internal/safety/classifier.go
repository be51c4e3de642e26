// Package safety присваивает каждому вызову инструмента уровень риска
// (safe/moderate/dangerous) по декларации в реестре и по аргументам.
package safety

import (
	"encoding/json"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/sandbox"
	"github.com/xela07ax/spaceai-agent-core/internal/tools"
)

// Коды правил, попадающие в аудит.
const (
	RuleBase          = "base_tier"
	RuleUnknownTool   = "unknown_tool"
	RuleOutsideRoot   = "path_outside_root"
	RuleDestructive   = "destructive_command"
	RuleRiskThreshold = "risk_threshold"
)

// Result: уровень и правило, которое его определило.
type Result struct {
	Tier   domain.SafetyTier `json:"tier"`
	Reason string            `json:"reason"`
	Rule   string            `json:"rule"`
}

// Catalog: то, что классификатору нужно от реестра.
type Catalog interface {
	Get(id string) (tools.Descriptor, bool)
}

type Classifier struct {
	catalog Catalog
	root    string
	logger  *zap.Logger
}

func NewClassifier(catalog Catalog, logger *zap.Logger) *Classifier {
	return &Classifier{catalog: catalog, logger: logger.Named("safety")}
}

// WithRoot возвращает классификатор, привязанный к корню песочницы инстанса.
func (c *Classifier) WithRoot(root string) *Classifier {
	cp := *c
	cp.root = root
	return &cp
}

// Classify чистая функция от (tool_id, arguments) и декларации инструмента.
func (c *Classifier) Classify(toolID string, args json.RawMessage) Result {
	// 1. Неизвестный инструмент — всегда dangerous
	d, ok := c.catalog.Get(toolID)
	if !ok {
		return Result{Tier: domain.TierDangerous, Reason: "tool is not registered", Rule: RuleUnknownTool}
	}

	res := Result{Tier: d.BaseTier, Reason: "declared tier of " + string(d.Kind) + " tool", Rule: RuleBase}

	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		// Битые аргументы отсеет валидация, уровень остается базовым
		return res
	}

	// 2. Пути вне корня песочницы
	if c.root != "" {
		for _, name := range d.PathArgs {
			p, _ := fields[name].(string)
			if p == "" || c.inside(p) {
				continue
			}
			if d.Kind.Mutating() {
				return Result{Tier: domain.TierDangerous, Reason: "write target " + p + " is outside the sandbox root", Rule: RuleOutsideRoot}
			}
			res = Result{Tier: res.Tier.Escalate(), Reason: "read target " + p + " is outside the sandbox root", Rule: RuleOutsideRoot}
		}
	}

	// 3. Разрушительные команды
	if d.CommandArg != "" {
		if cmd, _ := fields[d.CommandArg].(string); sandbox.IsDestructive(cmd) {
			c.logger.Warn("destructive command detected", zap.String("tool", toolID), zap.String("command", cmd))
			return Result{Tier: domain.TierDangerous, Reason: "command matches a destructive pattern", Rule: RuleDestructive}
		}
	}

	// 4. Динамический порог (например, amount > 1000)
	if d.RiskField != "" {
		if val, ok := fields[d.RiskField].(float64); ok && val > d.Threshold {
			c.logger.Info("risk threshold exceeded",
				zap.String("tool", toolID),
				zap.String("field", d.RiskField),
				zap.Float64("value", val),
				zap.Float64("threshold", d.Threshold),
			)
			res = Result{Tier: res.Tier.Escalate(), Reason: d.RiskField + " exceeds threshold", Rule: RuleRiskThreshold}
		}
	}

	return res
}

func (c *Classifier) inside(p string) bool {
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.root, p)
	}
	return sandbox.Within(c.root, p)
}
