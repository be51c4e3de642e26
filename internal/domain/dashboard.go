package domain

// Dashboard — сводка для Console API.
type Dashboard struct {
	Instances InstanceStats `json:"instances"` // Нагрузка по состояниям FSM
	Risks     RiskStats     `json:"risks"`     // Апрувы и отказы
}

type InstanceStats struct {
	ByState map[InstanceState]int `json:"by_state"`
	Active  int                   `json:"active"`
}

type RiskStats struct {
	PendingApprovals int `json:"pending_approvals"` // Ждут решения человека
	DangerousCalls   int `json:"dangerous_calls"`
}
