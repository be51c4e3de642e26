package policy

import "github.com/xela07ax/spaceai-agent-core/internal/domain"

// CanAdminister: политику меняет только администратор ее уровня.
// Пользователь не может расширить собственную политику.
func CanAdminister(actor domain.Actor, p *domain.Policy, subjectOrgID string) bool {
	if actor.PlatformAdmin {
		return true
	}
	switch p.Scope {
	case domain.ScopeOrg:
		return actor.IsOrgAdmin(p.SubjectID)
	case domain.ScopeUser:
		// subjectOrgID: организация пользователя, чью политику меняем
		return actor.IsOrgAdmin(subjectOrgID)
	default:
		return false
	}
}

// CanAuthorTemplate: шаблон создается на уровне автора или ниже.
func CanAuthorTemplate(actor domain.Actor, t *domain.AgentTemplate) bool {
	switch t.Scope {
	case domain.ScopeUser:
		return t.OwnerID == actor.ID || actor.PlatformAdmin
	case domain.ScopeOrg:
		return actor.IsOrgAdmin(t.OrgID) || actor.PlatformAdmin
	case domain.ScopeGlobal:
		return actor.PlatformAdmin
	}
	return false
}

// CanUseTemplate: global — всем, org — своей организации, user — владельцу.
func CanUseTemplate(actor domain.Actor, t *domain.AgentTemplate) bool {
	switch t.Scope {
	case domain.ScopeGlobal:
		return true
	case domain.ScopeOrg:
		return actor.OrgID == t.OrgID || actor.IsOrgAdmin(t.OrgID) || actor.PlatformAdmin
	default:
		return actor.ID == t.OwnerID || actor.PlatformAdmin
	}
}
