package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

// AuditLogProvider описывает контракт для чтения данных аудита.
type AuditLogProvider interface {
	ListEvents(ctx context.Context, instanceID string, limit int) ([]audit.AuditEvent, error)
}

type InstanceLookup interface {
	GetInstance(ctx context.Context, id string) (*domain.AgentInstance, error)
}

type AuditService struct {
	repo      AuditLogProvider
	instances InstanceLookup
}

func NewAuditService(repo AuditLogProvider, instances InstanceLookup) *AuditService {
	return &AuditService{repo: repo, instances: instances}
}

// Trail возвращает след инстанса по времени. Без instanceID — весь журнал,
// только для админа платформы.
func (s *AuditService) Trail(ctx context.Context, actor domain.Actor, instanceID string, limit int) ([]audit.AuditEvent, error) {
	if instanceID == "" {
		if !actor.PlatformAdmin {
			return nil, fmt.Errorf("%w: instance_id is required", domain.ErrForbidden)
		}
	} else {
		inst, err := s.instances.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if !actor.CanManage(inst.OwnerID, inst.OrgID) {
			return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, instanceID)
		}
	}

	logs, err := s.repo.ListEvents(ctx, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}
