// Package permission вычисляет эффективные права инстанса: пересечение
// шаблона с политиками пользователя, организации и платформы (и родителя для
// дочерних инстансов). Функции чистые: политики передаются аргументами,
// глобального "текущего" состояния нет.
package permission

import (
	"slices"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

// Inputs: все источники прав для одного вычисления.
type Inputs struct {
	Template *domain.AgentTemplate
	User     *domain.Policy
	Org      *domain.Policy
	Platform *domain.Policy

	// Parent: права родителя, дополнительная верхняя граница для ребенка
	Parent *domain.EffectivePermissions

	// StrictOwner: владелец переведен администратором в strict mode
	StrictOwner bool

	DefaultApprovalTimeout  time.Duration
	DefaultWallClockTimeout time.Duration
}

// Resolve считает пересечение по каждой оси независимо, бюджеты берутся по минимуму.
// Отказ только если набор инструментов (или моделей) пуст или бюджет свелся к нулю;
// урезание шаблона до подмножества — штатная ситуация.
func Resolve(in Inputs) (domain.EffectivePermissions, error) {
	var eff domain.EffectivePermissions

	if in.Template == nil {
		return eff, domain.Deny(domain.ErrPermissionDenied, "template_missing", "")
	}
	policies := []*domain.Policy{in.User, in.Org, in.Platform}
	for i, p := range policies {
		if p == nil {
			// Zero Trust: нет политики уровня — нет прав
			return eff, domain.Deny(domain.ErrPermissionDenied, "policy_missing", strconv.Itoa(i))
		}
	}

	tools := normalize(in.Template.AllowedTools)
	models := normalize(in.Template.AllowedModels)
	for _, p := range policies {
		tools = intersect(tools, p.AllowedTools)
		models = intersect(models, p.AllowedModels)
	}
	if in.Parent != nil {
		tools = intersect(tools, in.Parent.Tools)
		models = intersect(models, in.Parent.Models)
	}

	eff.Tools = tools
	eff.Models = models
	eff.MaxSteps = minOf(in.Template.MaxSteps, in.User.MaxSteps, in.Org.MaxSteps, in.Platform.MaxSteps)
	eff.MaxChildren = minOf(in.User.MaxChildren, in.Org.MaxChildren, in.Platform.MaxChildren)
	eff.MaxDepth = minOf(in.User.MaxDepth, in.Org.MaxDepth, in.Platform.MaxDepth)
	// Лимит конкурентности у каждого уровня свой: пользователь, организация, платформа
	eff.MaxConcurrentUser = in.User.MaxConcurrentInstances
	eff.MaxConcurrentOrg = in.Org.MaxConcurrentInstances
	eff.MaxConcurrentPlatform = in.Platform.MaxConcurrentInstances
	eff.ApprovalTimeout = minDuration(in.DefaultApprovalTimeout, in.User.ApprovalTimeout, in.Org.ApprovalTimeout, in.Platform.ApprovalTimeout)
	eff.WallClockTimeout = minDuration(in.DefaultWallClockTimeout, in.User.WallClockTimeout, in.Org.WallClockTimeout, in.Platform.WallClockTimeout)
	eff.StrictMode = in.Template.StrictMode || in.StrictOwner

	if in.Parent != nil {
		eff.MaxSteps = min(eff.MaxSteps, in.Parent.MaxSteps)
		eff.MaxChildren = min(eff.MaxChildren, in.Parent.MaxChildren)
		eff.MaxDepth = min(eff.MaxDepth, in.Parent.MaxDepth)
		eff.MaxConcurrentUser = minLimit(eff.MaxConcurrentUser, in.Parent.MaxConcurrentUser)
		eff.MaxConcurrentOrg = minLimit(eff.MaxConcurrentOrg, in.Parent.MaxConcurrentOrg)
		eff.MaxConcurrentPlatform = minLimit(eff.MaxConcurrentPlatform, in.Parent.MaxConcurrentPlatform)
		eff.StrictMode = eff.StrictMode || in.Parent.StrictMode
	}

	switch {
	case len(eff.Tools) == 0:
		return eff, domain.Deny(domain.ErrPermissionDenied, "empty_tools", "")
	case len(eff.Models) == 0:
		return eff, domain.Deny(domain.ErrPermissionDenied, "empty_models", "")
	case eff.MaxSteps <= 0:
		return eff, domain.Deny(domain.ErrPermissionDenied, "zero_budget", "max_steps")
	case eff.MaxChildren <= 0:
		return eff, domain.Deny(domain.ErrPermissionDenied, "zero_budget", "max_children")
	case eff.MaxDepth <= 0:
		return eff, domain.Deny(domain.ErrPermissionDenied, "zero_budget", "max_depth")
	}

	return eff, nil
}

// normalize: сортировка и дедупликация, чтобы права были детерминированы.
func normalize(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// intersect пересекает отсортированный набор с набором политики.
// Wildcard в политике — нейтральный элемент.
func intersect(base, policy []string) []string {
	if slices.Contains(policy, domain.Wildcard) {
		return base
	}
	out := make([]string, 0, len(base))
	for _, v := range base {
		if slices.Contains(policy, v) {
			out = append(out, v)
		}
	}
	return out
}

func minOf(first int, rest ...int) int {
	m := first
	for _, v := range rest {
		m = min(m, v)
	}
	return m
}

// minLimit: 0 означает "без лимита" и в минимуме не участвует.
func minLimit(a, b int) int {
	switch {
	case a <= 0:
		return max(b, 0)
	case b <= 0:
		return a
	}
	return min(a, b)
}

// minDuration: 0 у источника означает "не задано".
func minDuration(def time.Duration, values ...time.Duration) time.Duration {
	m := def
	for _, v := range values {
		if v > 0 && (m <= 0 || v < m) {
			m = v
		}
	}
	return m
}
