package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// memTable is an in-memory table used by the tests in this package
type memTable struct {
	columns []string
	rows    [][]Value
}

// memExecutor evaluates queries against memTables, the way a database would
type memExecutor struct {
	origin Origin
	tables map[string]*memTable

	mu        sync.Mutex
	queries   []Query
	fetches   int
	open      int
	failQuery func(q Query, n int) error
	failFetch func(n int) error
}

func newMemExecutor(origin Origin) *memExecutor {
	return &memExecutor{origin: origin, tables: make(map[string]*memTable)}
}

func (e *memExecutor) add(ref TableRef, t *memTable) *memExecutor {
	e.tables[ref.String()] = t
	return e
}

func (e *memExecutor) queryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queries)
}

func (e *memExecutor) openCursors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

func (e *memExecutor) Query(_ context.Context, q Query) (Cursor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.queries = append(e.queries, q)
	if e.failQuery != nil {
		if err := e.failQuery(q, len(e.queries)); err != nil {
			return nil, err
		}
	}

	t, ok := e.tables[q.Table.String()]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", q.Table)
	}

	schema := NewSchema(e.origin, t.columns)
	var rows []*Row
	for _, values := range t.rows {
		row := NewRow(schema, values)
		if matches(row, q.Conditions) {
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, col := range q.OrderBy {
			a, _ := rows[i].Value(col)
			b, _ := rows[j].Value(col)
			if c := compareValues(a, b); c != 0 {
				return c < 0
			}
		}
		return false
	})

	e.open++
	return &memCursor{exec: e, schema: schema, rows: rows}, nil
}

type memCursor struct {
	exec   *memExecutor
	schema *Schema
	rows   []*Row
	closed bool
}

func (c *memCursor) Fetch(_ context.Context, limit int) (*Chunk, error) {
	c.exec.mu.Lock()
	c.exec.fetches++
	n := c.exec.fetches
	fail := c.exec.failFetch
	c.exec.mu.Unlock()

	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}
	if limit > len(c.rows) {
		limit = len(c.rows)
	}
	page := c.rows[:limit]
	c.rows = c.rows[limit:]
	return &Chunk{Schema: c.schema, Rows: page}, nil
}

func (c *memCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.exec.mu.Lock()
	c.exec.open--
	c.exec.mu.Unlock()
	return nil
}

func matches(row *Row, conditions []Condition) bool {
	for _, c := range conditions {
		v, ok := row.Value(c.Column)
		if !ok {
			return false
		}
		if v.IsNull() {
			if (c.Operator == OpEqual && c.Value.IsNull()) || c.IncludeNulls {
				continue
			}
			return false
		}
		if c.Value.IsNull() {
			return false
		}
		cmp := compareValues(v, c.Value)
		var pass bool
		switch c.Operator {
		case OpEqual:
			pass = cmp == 0
		case OpNotEqual:
			pass = cmp != 0
		case OpGreaterOrEqual:
			pass = cmp >= 0
		case OpLessOrEqual:
			pass = cmp <= 0
		}
		if !pass {
			return false
		}
	}
	return true
}

// compareValues orders values of the same kind, nulls first
func compareValues(a, b Value) int {
	switch {
	case a.IsNull() && b.IsNull():
		return 0
	case a.IsNull():
		return -1
	case b.IsNull():
		return 1
	}
	switch a.Kind() {
	case KindInt, KindBool:
		switch {
		case a.Int() < b.Int():
			return -1
		case a.Int() > b.Int():
			return 1
		}
		return 0
	case KindFloat:
		switch {
		case a.Float() < b.Float():
			return -1
		case a.Float() > b.Float():
			return 1
		}
		return 0
	case KindTime:
		return a.Time().Compare(b.Time())
	default:
		return strings.Compare(a.String(), b.String())
	}
}

// memConnector hands out sessions over a shared memExecutor and counts them
type memConnector struct {
	exec    *memExecutor
	err     error
	delay   time.Duration
	opened  atomic.Int64
	closed  atomic.Int64
	active  atomic.Int64
	maxSeen atomic.Int64
}

func (c *memConnector) Connect(ctx context.Context) (Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.opened.Add(1)
	n := c.active.Add(1)
	for {
		m := c.maxSeen.Load()
		if n <= m || c.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	return &memSession{memExecutor: c.exec, conn: c}, nil
}

type memSession struct {
	*memExecutor
	conn *memConnector
	once sync.Once
}

func (s *memSession) Close() error {
	s.once.Do(func() {
		s.conn.closed.Add(1)
		s.conn.active.Add(-1)
	})
	return nil
}

// collector is a Reporter that keeps everything it receives
type collector struct {
	mu      sync.Mutex
	records []MissingRecord
	err     error
}

func (c *collector) Report(_ context.Context, _ *TableMapping, rec MissingRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, rec)
	return nil
}

func (c *collector) identities(column string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.Identity[column])
	}
	return out
}

var errConnectionReset = errors.New("read tcp: connection reset by peer")

// intRows builds single-column rows followed by a name column
func intRows(ids ...int64) [][]Value {
	rows := make([][]Value, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []Value{Int(id), String(fmt.Sprintf("name-%d", id))})
	}
	return rows
}

var (
	srcItems = TableRef{Database: "legacy", Schema: "dbo", Table: "items"}
	dstItems = TableRef{Schema: "public", Table: "catalog_items"}
)

// itemsMapping maps legacy.dbo.items(id, name) to public.catalog_items(item_id, label)
func itemsMapping() *TableMapping {
	return &TableMapping{
		Source:      srcItems,
		Destination: dstItems,
		Columns: []ColumnMapping{
			{MappingID: 1, SourceColumnName: "id", SourceColumnType: "int", DestinationColumnName: "item_id", DestinationColumnType: "bigint", IsIdentityColumn: true, IsOrderByColumn: true},
			{MappingID: 2, SourceColumnName: "name", SourceColumnType: "nvarchar", DestinationColumnName: "label", DestinationColumnType: "text"},
		},
	}
}
