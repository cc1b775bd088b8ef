package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverReportsMissingRows(t *testing.T) {
	src := newMemExecutor(Source).add(srcItems, &memTable{columns: []string{"id", "name"}, rows: intRows(1, 2, 3)})
	dst := newMemExecutor(Destination).add(dstItems, &memTable{columns: []string{"item_id", "label"}, rows: intRows(1, 3)})
	reporter := &collector{}

	d := NewDriver(itemsMapping(), src, dst, reporter, Options{PageSize: 10}, nil)
	stats, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, d.State())
	assert.Equal(t, []string{"2"}, reporter.identities("id"))
	assert.Equal(t, int64(1), stats.Missing)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, int64(3), stats.SourceRows)
	assert.Equal(t, int64(2), stats.DestinationRows)

	rec := reporter.records[0]
	assert.Equal(t, "id:= 2 ; ", rec.Description)
	assert.Equal(t, 1, rec.Chunk)
	assert.Equal(t, Source, rec.Row.Origin())

	assert.Equal(t, 0, src.openCursors())
	assert.Equal(t, 0, dst.openCursors())
}

func TestDriverWindowFollowsSourceChunk(t *testing.T) {
	src := newMemExecutor(Source).add(srcItems, &memTable{columns: []string{"id", "name"}, rows: intRows(10, 11, 12, 20, 21, 22)})
	dst := newMemExecutor(Destination).add(dstItems, &memTable{columns: []string{"item_id", "label"}, rows: intRows(1, 10, 11, 12, 15, 20, 22, 99)})

	d := NewDriver(itemsMapping(), src, dst, &collector{}, Options{PageSize: 3}, nil)
	stats, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, dst.queryCount(), "one window per source chunk")
	first := dst.queries[0]
	assert.Equal(t, []string{"item_id"}, first.OrderBy)
	assert.Equal(t, Condition{Column: "item_id", Operator: OpGreaterOrEqual, Value: Int(10)}, first.Conditions[0])
	assert.Equal(t, Condition{Column: "item_id", Operator: OpLessOrEqual, Value: Int(12)}, first.Conditions[1])

	assert.Equal(t, int64(1), stats.Missing)
	assert.Equal(t, int64(5), stats.DestinationRows, "rows outside the windows are never read")
}

func TestDriverSkipsDecommissionedRows(t *testing.T) {
	src := newMemExecutor(Source).add(srcItems, &memTable{
		columns: []string{"id", "status"},
		rows: [][]Value{
			{Int(1), String("ACTIVE")},
			{Int(2), String("RETIRED")},
			{Int(3), Null()},
			{Int(4), String("ACTIVE")},
		},
	})
	dst := newMemExecutor(Destination).add(dstItems, &memTable{
		columns: []string{"item_id", "state"},
		rows:    [][]Value{{Int(1), String("ACTIVE")}, {Int(4), String("ACTIVE")}},
	})
	m := &TableMapping{
		Source:      srcItems,
		Destination: dstItems,
		Columns: []ColumnMapping{
			{MappingID: 1, SourceColumnName: "id", DestinationColumnName: "item_id", IsIdentityColumn: true, IsOrderByColumn: true},
			{MappingID: 2, SourceColumnName: "status", DestinationColumnName: "state", DecommissionedValues: []string{"RETIRED"}},
		},
	}
	reporter := &collector{}

	stats, err := NewDriver(m, src, dst, reporter, Options{PageSize: 10}, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"3"}, reporter.identities("id"), "retired rows are never reported, NULL rows still are")
	assert.Equal(t, int64(3), stats.SourceRows, "retired rows are never read")
}

func TestDriverEndToEnd(t *testing.T) {
	const total = 250000
	const gone = 125000

	srcRows := make([][]Value, 0, total)
	dstRows := make([][]Value, 0, total-1)
	for i := int64(1); i <= total; i++ {
		srcRows = append(srcRows, []Value{Int(i), String(fmt.Sprintf("item %d", i))})
		if i != gone {
			dstRows = append(dstRows, []Value{Int(i), String(fmt.Sprintf("item %d", i))})
		}
	}
	src := newMemExecutor(Source).add(srcItems, &memTable{columns: []string{"id", "name"}, rows: srcRows})
	dst := newMemExecutor(Destination).add(dstItems, &memTable{columns: []string{"item_id", "label"}, rows: dstRows})
	reporter := &collector{}

	var progress []Stats
	opts := Options{
		PageSize: 100000,
		OnChunk:  func(_ *TableMapping, s Stats) { progress = append(progress, s) },
	}
	stats, err := NewDriver(itemsMapping(), src, dst, reporter, opts, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, int64(1), stats.Missing)
	assert.Equal(t, []string{"125000"}, reporter.identities("id"))
	assert.Equal(t, int64(total), stats.SourceRows)
	assert.LessOrEqual(t, stats.DestinationRows, stats.SourceRows)
	assert.Equal(t, 3, dst.queryCount())
	assert.Len(t, progress, 3)
}

func TestDriverRetriesWindowSearch(t *testing.T) {
	src := newMemExecutor(Source).add(srcItems, &memTable{columns: []string{"id", "name"}, rows: intRows(1, 2, 3)})
	dst := newMemExecutor(Destination).add(dstItems, &memTable{columns: []string{"item_id", "label"}, rows: intRows(1, 2)})
	dst.failQuery = func(_ Query, n int) error {
		if n == 1 {
			return errConnectionReset
		}
		return nil
	}
	reporter := &collector{}

	stats, err := NewDriver(itemsMapping(), src, dst, reporter, Options{PageSize: 10, MaxRetries: 2}, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, []string{"3"}, reporter.identities("id"))
	assert.Equal(t, int64(2), stats.DestinationRows)
}

func TestDriverGivesUpAfterRetries(t *testing.T) {
	src := newMemExecutor(Source).add(srcItems, &memTable{columns: []string{"id", "name"}, rows: intRows(1, 2, 3)})
	dst := newMemExecutor(Destination).add(dstItems, &memTable{columns: []string{"item_id", "label"}, rows: intRows(1, 2)})
	dst.failQuery = func(Query, int) error { return errConnectionReset }

	_, err := NewDriver(itemsMapping(), src, dst, &collector{}, Options{PageSize: 10, MaxRetries: 2}, nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDataAccess))
	assert.Equal(t, 3, dst.queryCount())
	assert.Equal(t, 0, src.openCursors())
}

func TestDriverResumesSourceAfterFailure(t *testing.T) {
	// grp is the order key and has duplicates across the first chunk boundary
	srcRef := TableRef{Schema: "dbo", Table: "events"}
	dstRef := TableRef{Schema: "public", Table: "events"}
	row := func(id int64, grp string) []Value { return []Value{Int(id), String(grp)} }

	src := newMemExecutor(Source).add(srcRef, &memTable{
		columns: []string{"id", "grp"},
		rows:    [][]Value{row(1, "g1"), row(2, "g1"), row(3, "g2"), row(4, "g2"), row(5, "g2"), row(6, "g3")},
	})
	dst := newMemExecutor(Destination).add(dstRef, &memTable{
		columns: []string{"event_id", "group_code"},
		rows:    [][]Value{row(1, "g1"), row(2, "g1"), row(3, "g2"), row(5, "g2"), row(6, "g3")},
	})
	src.failFetch = func(n int) error {
		if n == 2 {
			return errConnectionReset
		}
		return nil
	}
	m := &TableMapping{
		Source:      srcRef,
		Destination: dstRef,
		Columns: []ColumnMapping{
			{SourceColumnName: "id", DestinationColumnName: "event_id", IsIdentityColumn: true},
			{SourceColumnName: "grp", DestinationColumnName: "group_code", IsOrderByColumn: true},
		},
	}
	reporter := &collector{}

	stats, err := NewDriver(m, src, dst, reporter, Options{PageSize: 3, MaxRetries: 1}, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"4"}, reporter.identities("id"), "each missing row is reported exactly once")
	assert.Equal(t, int64(6), stats.SourceRows, "rows already compared are not compared again")
	assert.Equal(t, 1, stats.Retries)

	require.Equal(t, 2, src.queryCount())
	resumed := src.queries[1]
	require.Len(t, resumed.Conditions, 1)
	assert.Equal(t, Condition{Column: "grp", Operator: OpGreaterOrEqual, Value: String("g2")}, resumed.Conditions[0])
	assert.Equal(t, 0, src.openCursors())
}

func TestDriverFatalErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("NullOrderKeyBoundary", func(t *testing.T) {
		src := newMemExecutor(Source).add(srcItems, &memTable{
			columns: []string{"id", "name"},
			rows:    [][]Value{{Null(), String("a")}, {Int(2), String("b")}},
		})
		dst := newMemExecutor(Destination).add(dstItems, &memTable{columns: []string{"item_id", "label"}})

		_, err := NewDriver(itemsMapping(), src, dst, &collector{}, Options{PageSize: 10, MaxRetries: 3}, nil).Run(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidBoundary))
		assert.Equal(t, 0, dst.queryCount(), "no destination query for a broken window")
	})

	t.Run("DestinationMissingIdentityColumn", func(t *testing.T) {
		m := itemsMapping()
		m.Columns = append(m.Columns, ColumnMapping{SourceColumnName: "code", DestinationColumnName: "ref_code", IsIdentityColumn: true})
		src := newMemExecutor(Source).add(srcItems, &memTable{
			columns: []string{"id", "name", "code"},
			rows:    [][]Value{{Int(1), String("a"), String("x")}},
		})
		dst := newMemExecutor(Destination).add(dstItems, &memTable{columns: []string{"item_id", "label"}, rows: intRows(1)})

		_, err := NewDriver(m, src, dst, &collector{}, Options{PageSize: 10, MaxRetries: 3}, nil).Run(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrComparatorMismatch))
		assert.Equal(t, 1, dst.queryCount(), "comparator errors are not retried")
	})

	t.Run("SourceMissingIdentityColumn", func(t *testing.T) {
		src := newMemExecutor(Source).add(srcItems, &memTable{columns: []string{"id"}, rows: [][]Value{{Int(1)}}})
		m := itemsMapping()
		m.Columns[1].IsIdentityColumn = true
		dst := newMemExecutor(Destination).add(dstItems, &memTable{columns: []string{"item_id", "label"}})

		_, err := NewDriver(m, src, dst, &collector{}, Options{}, nil).Run(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrComparatorMismatch))
	})

	t.Run("InvalidMapping", func(t *testing.T) {
		m := itemsMapping()
		m.Columns[0].IsOrderByColumn = false
		_, err := NewDriver(m, newMemExecutor(Source), newMemExecutor(Destination), nil, Options{}, nil).Run(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidMapping))
	})

	t.Run("ReporterFailure", func(t *testing.T) {
		src := newMemExecutor(Source).add(srcItems, &memTable{columns: []string{"id", "name"}, rows: intRows(1)})
		dst := newMemExecutor(Destination).add(dstItems, &memTable{columns: []string{"item_id", "label"}})
		boom := errors.New("disk full")

		_, err := NewDriver(itemsMapping(), src, dst, &collector{err: boom}, Options{}, nil).Run(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, boom))
	})
}
