package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/infra"
)

type StrictProvider interface {
	GetStrictOwners(ctx context.Context) ([]string, error)
	SetStrictOwner(ctx context.Context, ownerID string, on bool) error
}

// StrictOwners: владельцы, переведенные администратором в strict mode:
// все их вызовы, включая safe, идут через человека. L1 — RAM, L2 — Redis set.
type StrictOwners struct {
	mu     sync.RWMutex
	owners map[string]struct{}
	repo   StrictProvider
	rdb    *redis.Client
	logger *zap.Logger
}

func NewStrictOwners(rdb *redis.Client, repo StrictProvider, logger *zap.Logger) *StrictOwners {
	return &StrictOwners{
		owners: make(map[string]struct{}),
		repo:   repo,
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "strict-mode")),
	}
}

// Init загружает состояние из БД при старте (и после переподключения к Redis).
func (m *StrictOwners) Init(ctx context.Context) error {
	ids, err := m.repo.GetStrictOwners(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch strict owners from storage: %w", err)
	}

	return infra.WarmupSet(ctx, m.rdb, m.logger, ids, infra.RedisKeyStrictOwners, infra.GetWarmupLockKey("strict"), func(items []string) {
		fresh := make(map[string]struct{}, len(items))
		for _, id := range items {
			fresh[id] = struct{}{}
		}
		m.mu.Lock()
		m.owners = fresh
		m.mu.Unlock()
	})
}

func (m *StrictOwners) IsStrict(ownerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.owners[ownerID]
	return ok
}

// Set сохраняет режим и транслирует сигнал остальным репликам.
// Уже созданные инстансы сохраняют свои замороженные права.
func (m *StrictOwners) Set(ctx context.Context, ownerID string, on bool) error {
	// 1. Persistence Layer
	if err := m.repo.SetStrictOwner(ctx, ownerID, on); err != nil {
		return fmt.Errorf("strict mode database error: %w", err)
	}
	m.apply(ownerID, on)

	if m.rdb == nil {
		return nil
	}

	// 2. Real-time Signaling
	pipe := m.rdb.Pipeline()
	if on {
		pipe.SAdd(ctx, infra.RedisKeyStrictOwners, ownerID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyStrictOwners, ownerID)
	}
	pipe.Publish(ctx, infra.RedisChanStrictMode, infra.ToggleSignal(ownerID, on))
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("strict mode signal delivery failed", zap.String("owner_id", ownerID), zap.Error(err))
	}

	m.logger.Info("strict mode toggled", zap.String("owner_id", ownerID), zap.Bool("enabled", on))
	return nil
}

// StartListener подписывается на изменения режима в реальном времени.
func (m *StrictOwners) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, m.rdb, m.logger, infra.RedisChanStrictMode,
		func() error { return m.Init(ctx) }, // Переподключение
		func(payload string) {
			id, on, ok := infra.ParseToggle(payload)
			if !ok {
				m.logger.Error("invalid signal format", zap.String("payload", payload))
				return
			}
			m.apply(id, on)
		},
	)
}

func (m *StrictOwners) apply(ownerID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.owners[ownerID] = struct{}{}
	} else {
		delete(m.owners, ownerID)
	}
}
