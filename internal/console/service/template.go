package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/policy"
)

type TemplateRepository interface {
	CreateTemplate(ctx context.Context, t *domain.AgentTemplate) error
	GetTemplate(ctx context.Context, id string, version int) (*domain.AgentTemplate, error)
	RetireTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]*domain.AgentTemplate, error)
}

// TemplateService ведет жизненный цикл шаблонов: создание, новые версии, вывод из оборота.
// Версии неизменяемы, запущенные инстансы держат свою версию.
type TemplateService struct {
	repo   TemplateRepository
	logger *zap.Logger
}

func NewTemplateService(repo TemplateRepository, logger *zap.Logger) *TemplateService {
	return &TemplateService{repo: repo, logger: logger.Named("template-service")}
}

// Create заводит версию 1. Scope user привязывается к автору.
func (s *TemplateService) Create(ctx context.Context, actor domain.Actor, t *domain.AgentTemplate) (*domain.AgentTemplate, error) {
	if t.Scope == domain.ScopeUser && t.OwnerID == "" {
		t.OwnerID = actor.ID
	}
	if t.Scope == domain.ScopeOrg && t.OrgID == "" {
		t.OrgID = actor.OrgID
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if !policy.CanAuthorTemplate(actor, t) {
		return nil, fmt.Errorf("%w: actor %s cannot author %s template", domain.ErrForbidden, actor.ID, t.Scope)
	}

	if _, err := s.repo.GetTemplate(ctx, t.ID, 0); err == nil {
		return nil, domain.Deny(domain.ErrInvalidArguments, "template_exists", t.ID)
	} else if !errors.Is(err, domain.ErrTemplateNotFound) {
		return nil, err
	}

	t.Version = 1
	t.Retired = false
	t.CreatedAt = time.Now().UTC()
	if err := s.repo.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Info("template created",
		zap.String("template_id", t.ID),
		zap.String("scope", string(t.Scope)),
		zap.String("actor", actor.ID))
	return t, nil
}

// PublishVersion публикует новую версию с тем же id. Scope и владелец не меняются.
func (s *TemplateService) PublishVersion(ctx context.Context, actor domain.Actor, id string, draft *domain.AgentTemplate) (*domain.AgentTemplate, error) {
	cur, err := s.repo.GetTemplate(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	if !policy.CanAuthorTemplate(actor, cur) {
		return nil, fmt.Errorf("%w: actor %s cannot publish %s", domain.ErrForbidden, actor.ID, id)
	}
	if cur.Retired {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateRetired, id)
	}

	next := cur.NextVersion()
	next.Name = draft.Name
	next.AllowedTools = draft.AllowedTools
	next.AllowedModels = draft.AllowedModels
	next.ExecutionMode = draft.ExecutionMode
	next.MaxSteps = draft.MaxSteps
	next.AllowedSpawnTemplates = draft.AllowedSpawnTemplates
	next.SystemPrompt = draft.SystemPrompt
	next.StrictMode = draft.StrictMode
	next.CreatedAt = time.Now().UTC()
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.CreateTemplate(ctx, &next); err != nil {
		return nil, err
	}
	s.logger.Info("template version published",
		zap.String("template_id", id),
		zap.Int("version", next.Version),
		zap.String("actor", actor.ID))
	return &next, nil
}

// Retire делает мягкое удаление: новые инстансы запрещены, текущие доживают.
func (s *TemplateService) Retire(ctx context.Context, actor domain.Actor, id string) error {
	cur, err := s.repo.GetTemplate(ctx, id, 0)
	if err != nil {
		return err
	}
	if !policy.CanAuthorTemplate(actor, cur) {
		return fmt.Errorf("%w: actor %s cannot retire %s", domain.ErrForbidden, actor.ID, id)
	}
	if err := s.repo.RetireTemplate(ctx, id); err != nil {
		return err
	}
	s.logger.Info("template retired", zap.String("template_id", id), zap.String("actor", actor.ID))
	return nil
}

func (s *TemplateService) Get(ctx context.Context, actor domain.Actor, id string, version int) (*domain.AgentTemplate, error) {
	t, err := s.repo.GetTemplate(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if !policy.CanUseTemplate(actor, t) {
		// Чужой приватный шаблон неотличим от отсутствующего
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, id)
	}
	return t, nil
}

// List: последние версии шаблонов, видимых актору.
func (s *TemplateService) List(ctx context.Context, actor domain.Actor) ([]*domain.AgentTemplate, error) {
	all, err := s.repo.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: could not fetch templates: %w", err)
	}
	out := make([]*domain.AgentTemplate, 0, len(all))
	for _, t := range all {
		if policy.CanUseTemplate(actor, t) {
			out = append(out, t)
		}
	}
	return out, nil
}
