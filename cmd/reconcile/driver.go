package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
)

// MissingRecord is one source row that has no counterpart in its destination window
type MissingRecord struct {
	Mapping     *TableMapping
	Row         *Row
	Identity    map[string]string
	Description string
	Chunk       int
}

// Reporter receives every missing record as soon as it is found.
// Implementations must be safe for concurrent use by several drivers.
type Reporter interface {
	Report(ctx context.Context, m *TableMapping, rec MissingRecord) error
}

// State is the phase a Driver is in
type State int

const (
	StateSampling State = iota
	StateWindowSearch
	StateDiffing
	StateReporting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSampling:
		return "sampling"
	case StateWindowSearch:
		return "window search"
	case StateDiffing:
		return "diffing"
	case StateReporting:
		return "reporting"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats counts what a driver has done so far
type Stats struct {
	Chunks          int   `json:"chunks"`
	SourceRows      int64 `json:"source_rows"`
	DestinationRows int64 `json:"destination_rows"`
	Missing         int64 `json:"missing"`
	Retries         int   `json:"retries"`
}

// Options tune a Driver
type Options struct {
	PageSize   int
	MaxRetries uint
	RetryDelay time.Duration

	// OnChunk is called after every processed source chunk
	OnChunk func(m *TableMapping, stats Stats)
}

// Driver reconciles one table mapping. It reads the source in order, fetches the
// destination rows inside each source chunk's key range and reports the source rows
// that have no identity match in that range.
type Driver struct {
	mapping     *TableMapping
	source      Executor
	destination Executor
	reporter    Reporter
	opts        Options
	logger      *slog.Logger

	comparator *IdentityComparator
	keys       []IdentityPair
	base       []Condition

	sampler *SequentialSampler
	state   State
	stats   Stats

	// resume bookkeeping for the source cursor
	lastKey Value
	hasLast bool
	tail    *IdentitySet
	replay  *IdentitySet
}

func NewDriver(m *TableMapping, source, destination Executor, reporter Reporter, opts Options, logger *slog.Logger) *Driver {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &Driver{
		mapping:     m,
		source:      source,
		destination: destination,
		reporter:    reporter,
		opts:        opts,
		logger:      logger,
		comparator:  NewIdentityComparator(m.IdentityPairs()),
		base:        DecommissionedConditions(m),
	}
	if order, ok := m.OrderByColumn(); ok {
		d.keys = []IdentityPair{{Source: order.SourceColumnName, Destination: order.DestinationColumnName}}
	}
	return d
}

func (d *Driver) State() State { return d.state }
func (d *Driver) Stats() Stats { return d.stats }

func (d *Driver) newSourceSampler(extra []Condition) *SequentialSampler {
	conditions := make([]Condition, 0, len(d.base)+len(extra))
	conditions = append(conditions, d.base...)
	conditions = append(conditions, extra...)

	orderBy := make([]string, 0, len(d.keys))
	for _, k := range d.keys {
		orderBy = append(orderBy, k.Source)
	}
	return NewSequentialSampler(d.source, d.mapping.Source, conditions, orderBy, d.opts.PageSize)
}

// Run drives the mapping to completion. The returned stats are valid even on error.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	if err := d.mapping.Validate(); err != nil {
		return d.stats, err
	}

	d.sampler = d.newSourceSampler(nil)
	defer func() { _ = d.sampler.Close() }()

	d.logger.Debug(fmt.Sprintf("🔍 %s: reading source ordered by %s with %d filter(s)", d.mapping.Name(), d.keys[0].Source, len(d.base)))

	for {
		d.state = StateSampling
		chunk, err := d.nextSourceChunk(ctx)
		if err != nil {
			return d.stats, err
		}
		if chunk.Len() == 0 {
			d.state = StateDone
			return d.stats, nil
		}
		if d.stats.Chunks == 0 {
			if err := d.comparator.Check(chunk.Schema); err != nil {
				return d.stats, err
			}
		}
		d.stats.Chunks++
		d.stats.SourceRows += int64(chunk.Len())

		d.state = StateWindowSearch
		window, err := d.searchWindow(ctx, chunk)
		if err != nil {
			return d.stats, fmt.Errorf("chunk %d: %w", d.stats.Chunks, err)
		}

		d.state = StateDiffing
		missing := d.comparator.Missing(chunk, window)
		d.logger.Debug(fmt.Sprintf("   %s: chunk %d has %d source rows, window has %d destination rows, %d missing",
			d.mapping.Name(), d.stats.Chunks, chunk.Len(), window.Len(), len(missing)))

		if len(missing) > 0 {
			d.state = StateReporting
			if err := d.report(ctx, missing); err != nil {
				return d.stats, err
			}
		}

		d.remember(chunk)
		if d.opts.OnChunk != nil {
			d.opts.OnChunk(d.mapping, d.stats)
		}
	}
}

func (d *Driver) retryOptions(ctx context.Context, step string, retryIf retry.RetryIfFunc) []retry.Option {
	attempts := d.opts.MaxRetries + 1
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(d.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryIf),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= attempts {
				return
			}
			d.stats.Retries++
			d.logger.Warn(fmt.Sprintf("⚠️  %s: %s failed (attempt %d/%d), retrying: %v", d.mapping.Name(), step, n+1, attempts, err))
		}),
	}
}

// canResume is false when the last processed order key is NULL, since no
// ">= NULL" filter can restart the cursor after it
func (d *Driver) canResume() bool {
	return !d.hasLast || !d.lastKey.IsNull()
}

// nextSourceChunk reads the next source chunk. A failed read reopens the source at
// the last processed order key and skips rows that were already compared.
func (d *Driver) nextSourceChunk(ctx context.Context) (*Chunk, error) {
	for {
		var chunk *Chunk
		err := retry.Do(func() error {
			c, err := d.sampler.Sample(ctx)
			if err != nil {
				if IsRetryable(err) && d.canResume() {
					d.resume()
				}
				return err
			}
			chunk = c
			return nil
		}, d.retryOptions(ctx, "source read", func(err error) bool {
			return IsRetryable(err) && d.canResume()
		})...)
		if err != nil {
			return nil, err
		}

		if d.replay == nil || chunk.Len() == 0 {
			return chunk, nil
		}
		if filtered := d.dropReplayed(chunk); filtered.Len() > 0 {
			return filtered, nil
		}
	}
}

func (d *Driver) resume() {
	_ = d.sampler.Close()
	var extra []Condition
	if d.hasLast {
		extra = []Condition{{Column: d.keys[0].Source, Operator: OpGreaterOrEqual, Value: d.lastKey}}
		d.replay = d.tail
	}
	d.sampler = d.newSourceSampler(extra)
}

func (d *Driver) dropReplayed(chunk *Chunk) *Chunk {
	kept := make([]*Row, 0, chunk.Len())
	for _, r := range chunk.Rows {
		if d.replay != nil {
			v, _ := r.Value(d.keys[0].Source)
			if !v.Equal(d.lastKey) {
				d.replay = nil
			} else if d.replay.Contains(r) {
				continue
			}
		}
		kept = append(kept, r)
	}
	return &Chunk{Schema: chunk.Schema, Rows: kept}
}

// remember records the last order key of a processed chunk together with every
// processed row sharing that key
func (d *Driver) remember(chunk *Chunk) {
	last, _ := chunk.Last().Value(d.keys[0].Source)
	if !d.hasLast || !last.Equal(d.lastKey) || d.tail == nil {
		d.tail = d.comparator.NewSet(0)
	}
	d.lastKey, d.hasLast = last, true

	for i := len(chunk.Rows) - 1; i >= 0; i-- {
		v, _ := chunk.Rows[i].Value(d.keys[0].Source)
		if !v.Equal(last) {
			break
		}
		d.tail.Add(chunk.Rows[i])
	}
}

func (d *Driver) boundary(row *Row) (BoundaryKey, error) {
	key := make(BoundaryKey, 0, len(d.keys))
	for _, p := range d.keys {
		v, ok := row.Value(p.Source)
		if !ok {
			return nil, fmt.Errorf("%w: source rows have no order column %q", ErrInvalidBoundary, p.Source)
		}
		key = append(key, KeyPart{Column: p.Destination, Value: v})
	}
	return key, nil
}

// searchWindow reads every destination row between the first and last order key of
// the source chunk. The window only depends on the keys, so a failed read is retried
// from scratch.
func (d *Driver) searchWindow(ctx context.Context, chunk *Chunk) (*Chunk, error) {
	lower, err := d.boundary(chunk.First())
	if err != nil {
		return nil, err
	}
	upper, err := d.boundary(chunk.Last())
	if err != nil {
		return nil, err
	}

	var window *Chunk
	err = retry.Do(func() error {
		w, err := d.readWindow(ctx, lower, upper)
		if err != nil {
			return err
		}
		window = w
		return nil
	}, d.retryOptions(ctx, "window search", IsRetryable)...)
	if err != nil {
		return nil, err
	}

	if err := d.comparator.Check(window.Schema); err != nil {
		return nil, err
	}
	d.stats.DestinationRows += int64(window.Len())
	return window, nil
}

func (d *Driver) readWindow(ctx context.Context, lower, upper BoundaryKey) (*Chunk, error) {
	bounded, err := NewBoundedSampler(d.destination, d.mapping.Destination, nil, lower, upper, d.opts.PageSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = bounded.Close() }()

	window := &Chunk{}
	for {
		c, err := bounded.Sample(ctx)
		if err != nil {
			return nil, err
		}
		if window.Schema == nil {
			window.Schema = c.Schema
		}
		if c.Len() == 0 {
			return window, nil
		}
		window.Rows = append(window.Rows, c.Rows...)
	}
}

func (d *Driver) report(ctx context.Context, missing []*Row) error {
	for _, r := range missing {
		rec := MissingRecord{
			Mapping:     d.mapping,
			Row:         r,
			Identity:    d.comparator.Identity(r),
			Description: d.comparator.Describe(r),
			Chunk:       d.stats.Chunks,
		}
		d.stats.Missing++
		d.logger.Debug(fmt.Sprintf("   ❌ %s: missing %s", d.mapping.Name(), rec.Description))
		if d.reporter == nil {
			continue
		}
		if err := d.reporter.Report(ctx, d.mapping, rec); err != nil {
			return fmt.Errorf("failed to report missing record %s: %w", rec.Description, err)
		}
	}
	return nil
}
