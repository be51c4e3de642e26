package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/engine"
)

// InstanceService: пользовательская поверхность рантайма.
type InstanceService struct {
	rt *engine.Runtime
}

func NewInstanceService(rt *engine.Runtime) *InstanceService {
	return &InstanceService{rt: rt}
}

func (s *InstanceService) Create(ctx context.Context, actor domain.Actor, req engine.CreateRequest) (*domain.AgentInstance, error) {
	return s.rt.CreateInstance(ctx, actor, req)
}

func (s *InstanceService) Cancel(ctx context.Context, actor domain.Actor, id string) (*domain.AgentInstance, error) {
	return s.rt.Cancel(ctx, actor, id)
}

// Get: инстанс видят владелец, админ его организации и админ платформы.
func (s *InstanceService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.AgentInstance, error) {
	inst, err := s.rt.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(inst.OwnerID, inst.OrgID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	return inst, nil
}
