package importers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/sony/gobreaker"
)

// BreakerSettings controls when a database is considered down
type BreakerSettings struct {
	FailureThreshold uint32
	Timeout          time.Duration
}

// DefaultBreakerSettings opens after five consecutive failures and probes again after 30s
var DefaultBreakerSettings = BreakerSettings{FailureThreshold: 5, Timeout: 30 * time.Second}

// Breaker is one circuit breaker per database, shared by every session of that
// database. Once it opens, queries fail fast until the timeout passes.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(name string, settings BreakerSettings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultBreakerSettings.FailureThreshold
	}
	if settings.Timeout == 0 {
		settings.Timeout = DefaultBreakerSettings.Timeout
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(fmt.Sprintf("⚠️  %s circuit breaker: %s → %s", name, from, to))
		},
		IsSuccessful: func(err error) bool {
			// only database failures count against the breaker
			return err == nil || !reconcile.IsRetryable(err)
		},
	})}
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Wrap guards every query and fetch of exec with the breaker
func (b *Breaker) Wrap(exec reconcile.Executor) reconcile.Executor {
	return &guardedExecutor{exec: exec, breaker: b}
}

func (b *Breaker) execute(fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", reconcile.ErrDataAccess, err)
	}
	return res, err
}

type guardedExecutor struct {
	exec    reconcile.Executor
	breaker *Breaker
}

func (g *guardedExecutor) Query(ctx context.Context, q reconcile.Query) (reconcile.Cursor, error) {
	res, err := g.breaker.execute(func() (any, error) {
		return g.exec.Query(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return &guardedCursor{cursor: res.(reconcile.Cursor), breaker: g.breaker}, nil
}

// Count passes through when the wrapped executor can count
func (g *guardedExecutor) Count(ctx context.Context, table reconcile.TableRef, conditions []reconcile.Condition) (int64, error) {
	counter, ok := g.exec.(reconcile.Counter)
	if !ok {
		return 0, fmt.Errorf("%T cannot count rows", g.exec)
	}
	res, err := g.breaker.execute(func() (any, error) {
		return counter.Count(ctx, table, conditions)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

type guardedCursor struct {
	cursor  reconcile.Cursor
	breaker *Breaker
}

func (g *guardedCursor) Fetch(ctx context.Context, limit int) (*reconcile.Chunk, error) {
	res, err := g.breaker.execute(func() (any, error) {
		return g.cursor.Fetch(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return res.(*reconcile.Chunk), nil
}

func (g *guardedCursor) Close() error { return g.cursor.Close() }
