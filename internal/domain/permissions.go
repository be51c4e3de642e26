package domain

import (
	"slices"
	"time"
)

// EffectivePermissions вычисляются один раз при создании инстанса и дальше
// не меняются. Tools и Models хранятся отсортированными.
type EffectivePermissions struct {
	Tools       []string `json:"tools"`
	Models      []string `json:"models"`
	MaxSteps    int      `json:"max_steps"`
	MaxChildren int      `json:"max_children"`
	MaxDepth    int      `json:"max_depth"`
	// Лимиты одновременных инстансов по уровням политик, 0 — не задан
	MaxConcurrentUser     int `json:"max_concurrent_user"`
	MaxConcurrentOrg      int `json:"max_concurrent_org"`
	MaxConcurrentPlatform int `json:"max_concurrent_platform"`

	ApprovalTimeout  time.Duration `json:"approval_timeout"`
	WallClockTimeout time.Duration `json:"wall_clock_timeout"`
	StrictMode       bool          `json:"strict_mode"`
}

// ActiveCounts: нетерминальные инстансы владельца, его организации и всей платформы.
type ActiveCounts struct {
	Owner int
	Org   int
	Total int
}

func (p *EffectivePermissions) AllowsTool(toolID string) bool {
	_, ok := slices.BinarySearch(p.Tools, toolID)
	return ok
}

func (p *EffectivePermissions) AllowsModel(model string) bool {
	_, ok := slices.BinarySearch(p.Models, model)
	return ok
}

// SubsetOf проверяет инвариант non-escalation по обеим осям.
func (p *EffectivePermissions) SubsetOf(parent *EffectivePermissions) bool {
	for _, t := range p.Tools {
		if !parent.AllowsTool(t) {
			return false
		}
	}
	for _, m := range p.Models {
		if !parent.AllowsModel(m) {
			return false
		}
	}
	return true
}

func (p EffectivePermissions) Clone() EffectivePermissions {
	p.Tools = slices.Clone(p.Tools)
	p.Models = slices.Clone(p.Models)
	return p
}
