package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/policy"
)

// PolicyRepository описывает требования сервиса к хранилищу политик
type PolicyRepository interface {
	GetAllPolicies(ctx context.Context) ([]domain.Policy, error)
	GetPolicy(ctx context.Context, scope domain.Scope, subjectID string) (*domain.Policy, error)
}

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

type PolicyService struct {
	repo   PolicyRepository
	store  *policy.Store
	users  UserLookup
	logger *zap.Logger
}

func NewPolicyService(repo PolicyRepository, store *policy.Store, users UserLookup, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		repo:   repo,
		store:  store,
		users:  users,
		logger: logger.Named("policy-service"),
	}
}

// Update создает или заменяет политику (scope, subject). Сохранение идет через
// policy.Store: кэш обновляется сразу, остальные реплики получают сигнал.
// Уже запущенные инстансы сохраняют замороженные права.
func (s *PolicyService) Update(ctx context.Context, actor domain.Actor, p *domain.Policy) (*domain.Policy, error) {
	if err := validatePolicy(p); err != nil {
		return nil, err
	}

	subjectOrg := ""
	if p.Scope == domain.ScopeUser {
		u, err := s.users.GetUserByID(ctx, p.SubjectID)
		if err != nil && !actor.PlatformAdmin {
			return nil, fmt.Errorf("%w: unknown user %s", domain.ErrForbidden, p.SubjectID)
		}
		if u != nil {
			subjectOrg = u.OrgID
		}
	}
	if !policy.CanAdminister(actor, p, subjectOrg) {
		s.logger.Warn("policy update denied",
			zap.String("actor", actor.ID),
			zap.String("key", p.Key()))
		return nil, fmt.Errorf("%w: actor %s cannot administer %s", domain.ErrForbidden, actor.ID, p.Key())
	}

	// Идентификатор сохраняется между обновлениями
	if cur, err := s.repo.GetPolicy(ctx, p.Scope, p.SubjectID); err == nil {
		p.ID = cur.ID
	} else {
		p.ID = uuid.NewString()
	}
	p.UpdatedBy = actor.ID
	p.UpdatedAt = time.Now().UTC()

	if err := s.store.Put(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("policy updated", zap.String("key", p.Key()), zap.String("actor", actor.ID))
	return p, nil
}

// List: политики, которые актор может администрировать.
func (s *PolicyService) List(ctx context.Context, actor domain.Actor) ([]domain.Policy, error) {
	all, err := s.repo.GetAllPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: could not fetch policies: %w", err)
	}
	out := make([]domain.Policy, 0, len(all))
	for _, p := range all {
		switch {
		case actor.PlatformAdmin:
		case p.Scope == domain.ScopeOrg && actor.IsOrgAdmin(p.SubjectID):
		case p.Scope == domain.ScopeUser && p.SubjectID == actor.ID:
		default:
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// validatePolicy. Политика платформы одна и всегда хранится под "*":
// Fetch другие субъекты этого уровня не читает.
func validatePolicy(p *domain.Policy) error {
	if p.Scope == domain.ScopePlatform && p.SubjectID == "" {
		p.SubjectID = domain.Wildcard
	}
	switch {
	case p.Scope != domain.ScopeUser && p.Scope != domain.ScopeOrg && p.Scope != domain.ScopePlatform:
		return domain.Deny(domain.ErrInvalidArguments, "bad_scope", string(p.Scope))
	case p.Scope == domain.ScopePlatform && p.SubjectID != domain.Wildcard:
		return domain.Deny(domain.ErrInvalidArguments, "platform_subject", p.SubjectID)
	case p.SubjectID == "":
		return domain.Deny(domain.ErrInvalidArguments, "subject_required", "")
	case p.MaxSteps < 0 || p.MaxChildren < 0 || p.MaxDepth < 0 || p.MaxConcurrentInstances < 0:
		return domain.Deny(domain.ErrInvalidArguments, "negative_limit", "")
	case p.ApprovalTimeout < 0 || p.WallClockTimeout < 0:
		return domain.Deny(domain.ErrInvalidArguments, "negative_timeout", "")
	}
	return nil
}
