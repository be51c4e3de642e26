package audit

/*
Файл agentfs.go реализует Agent File System — асинхронный журнал аудита
(append-only trail решений о правах, вызовов инструментов, спавнов и переходов FSM).

- Non-blocking Logging: события уходят в буферизованный канал, задержки БД
  не влияют на цикл инстанса.
- Batching: накопление в памяти и пакетная запись по таймеру или при достижении лимита.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остаток и делает Final Flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Auditor interface {
	Log(event AuditEvent)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// BufferFill: заполненность буфера (backpressure), может быть nil
	BufferFill prometheus.Gauge
}

type AgentFS struct {
	ch     chan AuditEvent
	repo   StorageInterface
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup

	// closeMu защищает отправку в канал от гонки с close() в Stop
	closeMu sync.RWMutex
	closed  bool
}

func NewAgentFS(repo StorageInterface, logger *zap.Logger, opts Options) *AgentFS {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &AgentFS{
		ch:     make(chan AuditEvent, opts.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "agentfs")),
		opts:   opts,
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.closeMu.Lock()
	if fs.closed {
		fs.closeMu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.closeMu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

func (fs *AgentFS) Log(event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fs.closeMu.RLock()
	defer fs.closeMu.RUnlock()
	if fs.closed {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: переполнение не должно блокировать инстанс,
	// но событие не теряем молча — оно уходит в лог целиком
	select {
	case fs.ch <- event:
		if fs.opts.BufferFill != nil {
			fs.opts.BufferFill.Set(float64(len(fs.ch)))
		}
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("event_id", event.ID),
			zap.String("instance_id", event.InstanceID),
			zap.String("kind", string(event.Kind)),
			zap.String("actor", event.Actor),
			zap.Any("payload", event.Payload),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEvent, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст может быть уже закрыт
		if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]AuditEvent, 0, fs.opts.BatchSize)
		if fs.opts.BufferFill != nil {
			fs.opts.BufferFill.Set(float64(len(fs.ch)))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				flush() // Финальный сброс
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
