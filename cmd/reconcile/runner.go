package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the number of mappings checked at the same time
const DefaultWorkers = 8

// Session is an Executor backed by one exclusive database connection
type Session interface {
	Executor
	Close() error
}

// Connector hands out a fresh Session per mapping
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Result is the outcome of one mapping
type Result struct {
	Mapping  *TableMapping
	Stats    Stats
	Err      error
	Started  time.Time
	Duration time.Duration
}

func (r Result) Failed() bool      { return r.Err != nil }
func (r Result) HasProblems() bool { return r.Stats.Missing > 0 }

// Summary aggregates the results of a run
type Summary struct {
	Results  []Result
	Problems int64
	Failed   int
}

// Clean is true when every mapping finished and nothing was missing
func (s *Summary) Clean() bool {
	return s.Problems == 0 && s.Failed == 0
}

// Runner checks many mappings in parallel. Each mapping gets its own pair of
// connections, and a failure in one mapping never stops the others.
type Runner struct {
	Source      Connector
	Destination Connector
	Reporter    Reporter
	Workers     int
	Options     Options
	Logger      *slog.Logger

	OnStart  func(m *TableMapping)
	OnResult func(r Result)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

// Run checks every mapping and waits for all of them
func (r *Runner) Run(ctx context.Context, mappings []*TableMapping) *Summary {
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	results := make([]Result, len(mappings))
	var problems atomic.Int64

	var g errgroup.Group
	g.SetLimit(workers)
	for i, m := range mappings {
		g.Go(func() error {
			results[i] = r.runOne(ctx, m, &problems)
			if r.OnResult != nil {
				r.OnResult(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{Results: results, Problems: problems.Load()}
	for _, res := range results {
		if res.Failed() {
			summary.Failed++
		}
	}
	return summary
}

func (r *Runner) runOne(ctx context.Context, m *TableMapping, problems *atomic.Int64) (res Result) {
	logger := r.logger()
	res = Result{Mapping: m, Started: time.Now()}
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic while checking %s: %v", m.Name(), p)
		}
		res.Duration = time.Since(res.Started)
		if res.Err != nil {
			logger.Error(fmt.Sprintf("❌ %s failed after %d chunk(s): %v", m.Name(), res.Stats.Chunks, res.Err))
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if r.OnStart != nil {
		r.OnStart(m)
	}

	src, err := r.Source.Connect(ctx)
	if err != nil {
		res.Err = fmt.Errorf("%w: failed to connect to source: %w", ErrDataAccess, err)
		return res
	}
	defer func() { _ = src.Close() }()

	dst, err := r.Destination.Connect(ctx)
	if err != nil {
		res.Err = fmt.Errorf("%w: failed to connect to destination: %w", ErrDataAccess, err)
		return res
	}
	defer func() { _ = dst.Close() }()

	driver := NewDriver(m, src, dst, r.Reporter, r.Options, logger)
	res.Stats, res.Err = driver.Run(ctx)
	if res.Stats.Missing > 0 {
		problems.Add(res.Stats.Missing)
	}
	if res.Err == nil {
		logger.Debug(fmt.Sprintf("✅ %s: %d chunk(s), %d source rows, %d destination rows, %d missing",
			m.Name(), res.Stats.Chunks, res.Stats.SourceRows, res.Stats.DestinationRows, res.Stats.Missing))
	}
	return res
}
