package reconcile

import (
	"context"
	"fmt"
)

// DefaultPageSize is the number of rows a sampler pulls per chunk unless configured otherwise
const DefaultPageSize = 100000

// Operator is a comparison used in a sampler filter
type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "<>"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
)

// Condition is one conjunct of a sampler filter. IncludeNulls makes the
// condition also admit rows where the column is NULL.
type Condition struct {
	Column       string
	Operator     Operator
	Value        Value
	IncludeNulls bool
}

func (c Condition) String() string {
	s := fmt.Sprintf("%s %s %q", c.Column, c.Operator, c.Value.String())
	if c.IncludeNulls {
		s += " (or null)"
	}
	return s
}

// Query is everything an Executor needs to open a cursor
type Query struct {
	Table      TableRef
	Conditions []Condition
	OrderBy    []string
}

// Executor opens streaming cursors over a table
type Executor interface {
	Query(ctx context.Context, q Query) (Cursor, error)
}

// Cursor reads an open query page by page. Fetch fills the page up to limit rows
// unless the rows are exhausted, so a page shorter than limit is the last one.
// Once exhausted it returns an empty chunk. It returns an error only when reading
// failed.
type Cursor interface {
	Fetch(ctx context.Context, limit int) (*Chunk, error)
	Close() error
}

// Counter is implemented by executors that can count the rows a query would return
type Counter interface {
	Count(ctx context.Context, table TableRef, conditions []Condition) (int64, error)
}

// SequentialSampler yields successive chunks of one table in a fixed order
type SequentialSampler struct {
	exec     Executor
	query    Query
	pageSize int

	cursor    Cursor
	schema    *Schema
	exhausted bool
	rowsRead  int64
	chunks    int
}

func NewSequentialSampler(exec Executor, table TableRef, conditions []Condition, orderBy []string, pageSize int) *SequentialSampler {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &SequentialSampler{
		exec: exec,
		query: Query{
			Table:      table,
			Conditions: conditions,
			OrderBy:    orderBy,
		},
		pageSize: pageSize,
	}
}

// Query returns the query this sampler reads
func (s *SequentialSampler) Query() Query { return s.query }

// RowsRead is the number of rows returned so far
func (s *SequentialSampler) RowsRead() int64 { return s.rowsRead }

// Chunks is the number of non-empty chunks returned so far
func (s *SequentialSampler) Chunks() int { return s.chunks }

// Sample returns the next chunk. Once the table is exhausted it returns an empty
// chunk, and keeps doing so on later calls without touching the executor.
func (s *SequentialSampler) Sample(ctx context.Context) (*Chunk, error) {
	if s.exhausted {
		return &Chunk{Schema: s.schema}, nil
	}

	if s.cursor == nil {
		cursor, err := s.exec.Query(ctx, s.query)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to query %s: %w", ErrDataAccess, s.query.Table, err)
		}
		s.cursor = cursor
	}

	chunk, err := s.cursor.Fetch(ctx, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrDataAccess, s.query.Table, err)
	}
	if chunk == nil {
		chunk = &Chunk{}
	}
	if chunk.Schema != nil {
		s.schema = chunk.Schema
	}

	// A short page means the cursor has nothing left, so it can be released now
	if chunk.Len() < s.pageSize {
		s.exhausted = true
		_ = s.Close()
	}
	if chunk.Len() == 0 {
		return &Chunk{Schema: s.schema}, nil
	}

	s.rowsRead += int64(chunk.Len())
	s.chunks++
	return chunk, nil
}

// Close releases the underlying cursor. It is safe to call more than once.
func (s *SequentialSampler) Close() error {
	if s.cursor == nil {
		return nil
	}
	err := s.cursor.Close()
	s.cursor = nil
	return err
}

// KeyPart is one column of a boundary key
type KeyPart struct {
	Column string
	Value  Value
}

// BoundaryKey maps destination column names to the values bounding a window
type BoundaryKey []KeyPart

func (k BoundaryKey) String() string {
	s := ""
	for _, p := range k {
		s += fmt.Sprintf("%s:= %s ; ", p.Column, p.Value.String())
	}
	return s
}

// validateBoundary checks that both keys cover the same columns with the same kinds
func validateBoundary(lower, upper BoundaryKey) error {
	if len(lower) == 0 || len(upper) == 0 {
		return fmt.Errorf("%w: empty boundary key", ErrInvalidBoundary)
	}
	if len(lower) != len(upper) {
		return fmt.Errorf("%w: lower has %d columns, upper has %d", ErrInvalidBoundary, len(lower), len(upper))
	}

	upperByColumn := make(map[string]Value, len(upper))
	for _, p := range upper {
		upperByColumn[p.Column] = p.Value
	}
	if len(upperByColumn) != len(upper) {
		return fmt.Errorf("%w: duplicate column in upper key", ErrInvalidBoundary)
	}

	seen := make(map[string]bool, len(lower))
	for _, p := range lower {
		if seen[p.Column] {
			return fmt.Errorf("%w: duplicate column %q in lower key", ErrInvalidBoundary, p.Column)
		}
		seen[p.Column] = true

		u, ok := upperByColumn[p.Column]
		if !ok {
			return fmt.Errorf("%w: column %q missing from upper key", ErrInvalidBoundary, p.Column)
		}
		if u.Kind() != p.Value.Kind() {
			return fmt.Errorf("%w: column %q is %s in lower key but %s in upper key", ErrInvalidBoundary, p.Column, p.Value.Kind(), u.Kind())
		}
	}
	return nil
}

// NewBoundedSampler builds a sampler restricted to lower <= key <= upper on every
// key column, ordered by the key columns. Mismatched keys are rejected before any
// query is issued.
func NewBoundedSampler(exec Executor, table TableRef, base []Condition, lower, upper BoundaryKey, pageSize int) (*SequentialSampler, error) {
	if err := validateBoundary(lower, upper); err != nil {
		return nil, err
	}

	upperByColumn := make(map[string]Value, len(upper))
	for _, p := range upper {
		upperByColumn[p.Column] = p.Value
	}

	conditions := make([]Condition, 0, len(base)+2*len(lower))
	conditions = append(conditions, base...)
	orderBy := make([]string, 0, len(lower))
	for _, p := range lower {
		orderBy = append(orderBy, p.Column)
		if p.Value.IsNull() {
			conditions = append(conditions, Condition{Column: p.Column, Operator: OpEqual, Value: Null()})
			continue
		}
		conditions = append(conditions,
			Condition{Column: p.Column, Operator: OpGreaterOrEqual, Value: p.Value},
			Condition{Column: p.Column, Operator: OpLessOrEqual, Value: upperByColumn[p.Column]},
		)
	}

	return NewSequentialSampler(exec, table, conditions, orderBy, pageSize), nil
}
