package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/engine"
)

type DashboardRepository interface {
	GetDashboard(ctx context.Context) (*domain.Dashboard, error)
}

// AdminService объединяет операционные ручки платформы: сводка и strict mode владельцев.
type AdminService struct {
	repo   DashboardRepository
	strict *engine.StrictOwners
	logger *zap.Logger
}

func NewAdminService(repo DashboardRepository, strict *engine.StrictOwners, logger *zap.Logger) *AdminService {
	return &AdminService{repo: repo, strict: strict, logger: logger.Named("admin-service")}
}

func (s *AdminService) Dashboard(ctx context.Context, actor domain.Actor) (*domain.Dashboard, error) {
	if !actor.PlatformAdmin {
		return nil, fmt.Errorf("%w: dashboard is platform-admin only", domain.ErrForbidden)
	}
	return s.repo.GetDashboard(ctx)
}

// SetStrict переводит владельца в strict mode: все его новые вызовы, включая
// safe, ждут человека.
func (s *AdminService) SetStrict(ctx context.Context, actor domain.Actor, ownerID string, on bool) error {
	if !actor.PlatformAdmin {
		return fmt.Errorf("%w: strict mode is platform-admin only", domain.ErrForbidden)
	}
	if ownerID == "" {
		return domain.Deny(domain.ErrInvalidArguments, "owner_required", "")
	}
	if err := s.strict.Set(ctx, ownerID, on); err != nil {
		return err
	}
	s.logger.Info("strict mode changed",
		zap.String("owner_id", ownerID),
		zap.Bool("enabled", on),
		zap.String("actor", actor.ID))
	return nil
}
