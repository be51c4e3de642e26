package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-agent-core/internal/connectors"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/tools"
)

type ReliabilityOptions struct {
	CallTimeout  time.Duration
	RateLimit    float64
	RateBurst    int
	RetryBackoff time.Duration
	CBMaxReqs    uint32
	CBInterval   time.Duration
	CBTimeout    time.Duration
}

// ReliabilityWrapper: rate limit, circuit breaker на каждый инструмент и
// один повтор по ExecutionTimeout для идемпотентных инструментов.
type ReliabilityWrapper struct {
	opts    ReliabilityOptions
	limiter *rate.Limiter
	metrics *Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewReliabilityWrapper(opts ReliabilityOptions, metrics *Metrics) *ReliabilityWrapper {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.CBMaxReqs == 0 {
		opts.CBMaxReqs = 3
	}
	return &ReliabilityWrapper{
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		metrics:  metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute исполняет дескриптор. Ошибки дедлайна приводятся к ErrExecutionTimeout.
func (w *ReliabilityWrapper) Execute(ctx context.Context, d tools.Descriptor, payload []byte) ([]byte, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	attempts := uint(1)
	if d.Idempotent {
		attempts = 2
	}

	var finalData []byte

	// 2. Circuit Breaker
	_, err := w.breaker(d.ID).Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var tErr *connectors.ThrottleError
				return errors.Is(err, domain.ErrExecutionTimeout) || errors.As(err, &tErr)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Коннектор сам сказал, сколько ждать (Retry-After)
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return w.opts.RetryBackoff << n
			}),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
			defer cancel()

			data, callErr := d.Executor.Call(tCtx, d.ID, payload)
			if callErr != nil {
				if errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() == nil {
					return fmt.Errorf("%w: %s after %v", domain.ErrExecutionTimeout, d.ID, w.opts.CallTimeout)
				}
				return callErr
			}
			finalData = data
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return finalData, nil
}

func (w *ReliabilityWrapper) breaker(toolID string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[toolID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        toolID,
		MaxRequests: w.opts.CBMaxReqs,
		Interval:    w.opts.CBInterval,
		Timeout:     w.opts.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, _ gobreaker.State, to gobreaker.State) {
			if w.metrics != nil {
				w.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	w.breakers[toolID] = cb
	return cb
}
