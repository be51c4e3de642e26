package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/infra"
)

type PolicyRepository interface {
	GetAllPolicies(ctx context.Context) ([]domain.Policy, error)
	GetPolicy(ctx context.Context, scope domain.Scope, subjectID string) (*domain.Policy, error)
	UpsertPolicy(ctx context.Context, p *domain.Policy) error
}

// Store: потокобезопасный RAM-кэш политик поверх репозитория.
// Наружу отдаются только копии: изменение политики никогда не трогает
// уже замороженные effective_permissions существующих инстансов.
type Store struct {
	mu sync.RWMutex
	// Кэш: "scope:subject" -> Policy
	policies map[string]domain.Policy

	repo   PolicyRepository
	rdb    *redis.Client // nil: работаем без межреплики инвалидации
	logger *zap.Logger
}

func NewStore(repo PolicyRepository, rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		policies: make(map[string]domain.Policy),
		repo:     repo,
		rdb:      rdb,
		logger:   logger.Named("policy-store"),
	}
}

// Set: три политики, нужные для одного разрешения прав.
type Set struct {
	User     *domain.Policy
	Org      *domain.Policy
	Platform *domain.Policy
}

// Fetch достает свежие копии политик пользователя, организации и платформы.
// Промах кэша идет в репозиторий; отсутствие политики — ErrPolicyNotFound.
func (s *Store) Fetch(ctx context.Context, userID, orgID string) (Set, error) {
	var set Set
	var err error

	if set.User, err = s.get(ctx, domain.ScopeUser, userID); err != nil {
		return set, err
	}
	if set.Org, err = s.get(ctx, domain.ScopeOrg, orgID); err != nil {
		return set, err
	}
	if set.Platform, err = s.get(ctx, domain.ScopePlatform, domain.Wildcard); err != nil {
		return set, err
	}
	return set, nil
}

func (s *Store) get(ctx context.Context, scope domain.Scope, subjectID string) (*domain.Policy, error) {
	key := domain.PolicyKey(scope, subjectID)

	s.mu.RLock()
	p, ok := s.policies[key]
	s.mu.RUnlock()
	if ok {
		return p.Clone(), nil
	}

	fromDB, err := s.repo.GetPolicy(ctx, scope, subjectID)
	if err != nil {
		if errors.Is(err, domain.ErrPolicyNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, key)
		}
		return nil, fmt.Errorf("policy store: %w", err)
	}

	s.mu.Lock()
	s.policies[key] = *fromDB.Clone()
	s.mu.Unlock()
	return fromDB.Clone(), nil
}

// Put сохраняет политику и рассылает сигнал инвалидации остальным репликам.
// Права проверяются вызывающей стороной (CanAdminister).
func (s *Store) Put(ctx context.Context, p *domain.Policy) error {
	if err := s.repo.UpsertPolicy(ctx, p); err != nil {
		return fmt.Errorf("policy store: upsert: %w", err)
	}

	s.mu.Lock()
	s.policies[p.Key()] = *p.Clone()
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, p.Key()).Err(); err != nil {
			// Локально уже актуально, остальные реплики подтянут при Refresh
			s.logger.Warn("policy update signal failed", zap.String("key", p.Key()), zap.Error(err))
		}
	}
	return nil
}

// Refresh выполняет «холодную загрузку» всех политик из БД в память (при старте и по сигналу).
func (s *Store) Refresh(ctx context.Context) error {
	policiesDb, err := s.repo.GetAllPolicies(ctx)
	if err != nil {
		return err
	}

	newPolicies := make(map[string]domain.Policy, len(policiesDb))
	for _, p := range policiesDb {
		newPolicies[p.Key()] = *p.Clone()
	}

	s.mu.Lock()
	s.policies = newPolicies
	s.mu.Unlock()

	s.logger.Info("policy cache refreshed", zap.Int("count", len(newPolicies)))
	return nil
}

// StartListener перечитывает кэш по сигналу из Redis (и после каждого переподключения).
func (s *Store) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanPolicyUpdate,
		func() error { return s.Refresh(ctx) },
		func(key string) {
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("policy refresh failed", zap.String("trigger", key), zap.Error(err))
			}
		},
	)
}
