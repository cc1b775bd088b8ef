package importers

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/airframesio/data-checker/cmd/sqlbuilder"
	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLExecutor runs sampler queries against a database/sql connection and streams
// the result set one page at a time
type SQLExecutor struct {
	db      Queryer
	origin  reconcile.Origin
	builder *sqlbuilder.Builder
	logger  *slog.Logger
}

func NewSQLExecutor(db Queryer, origin reconcile.Origin, dialect sqlbuilder.Dialect, logger *slog.Logger) *SQLExecutor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SQLExecutor{
		db:      db,
		origin:  origin,
		builder: sqlbuilder.New(dialect),
		logger:  logger,
	}
}

func (e *SQLExecutor) Query(ctx context.Context, q reconcile.Query) (reconcile.Cursor, error) {
	text, args, err := e.builder.Select(q)
	if err != nil {
		return nil, err
	}
	e.logger.Debug(fmt.Sprintf("🔍 %s SQL: %s", e.origin, e.builder.Debug(q)))

	rows, err := e.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query on %s failed: %w", reconcile.ErrDataAccess, q.Table, err)
	}

	columns, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("%w: failed to read columns of %s: %w", reconcile.ErrDataAccess, q.Table, err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("%w: failed to read column types of %s: %w", reconcile.ErrDataAccess, q.Table, err)
	}

	conv := make([]converter, len(columns))
	for i, ct := range types {
		conv[i] = converterFor(ct.DatabaseTypeName())
	}
	return &sqlCursor{
		rows:   rows,
		table:  q.Table,
		schema: reconcile.NewSchema(e.origin, columns),
		conv:   conv,
	}, nil
}

// Count returns the number of rows matching conditions
func (e *SQLExecutor) Count(ctx context.Context, table reconcile.TableRef, conditions []reconcile.Condition) (int64, error) {
	text, args, err := e.builder.Count(table, conditions)
	if err != nil {
		return 0, err
	}
	rows, err := e.db.QueryContext(ctx, text, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: count on %s failed: %w", reconcile.ErrDataAccess, table, err)
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("%w: failed to scan count of %s: %w", reconcile.ErrDataAccess, table, err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: count on %s failed: %w", reconcile.ErrDataAccess, table, err)
	}
	return n, nil
}

type sqlCursor struct {
	rows   *sql.Rows
	table  reconcile.TableRef
	schema *reconcile.Schema
	conv   []converter
	done   bool
}

// Fetch reads up to limit rows from the open result set
func (c *sqlCursor) Fetch(ctx context.Context, limit int) (*reconcile.Chunk, error) {
	chunk := &reconcile.Chunk{Schema: c.schema}
	if c.done {
		return chunk, nil
	}

	raw := make([]any, len(c.conv))
	dest := make([]any, len(c.conv))
	for i := range raw {
		dest[i] = &raw[i]
	}

	for len(chunk.Rows) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.rows.Next() {
			c.done = true
			if err := c.rows.Err(); err != nil {
				return nil, fmt.Errorf("%w: reading %s failed: %w", reconcile.ErrDataAccess, c.table, err)
			}
			break
		}
		if err := c.rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("%w: failed to scan row of %s: %w", reconcile.ErrDataAccess, c.table, err)
		}
		values := make([]reconcile.Value, len(raw))
		for i, v := range raw {
			values[i] = c.conv[i](v)
		}
		chunk.Rows = append(chunk.Rows, reconcile.NewRow(c.schema, values))
	}
	return chunk, nil
}

func (c *sqlCursor) Close() error {
	return c.rows.Close()
}

type converter func(any) reconcile.Value

func converterFor(typeName string) converter {
	switch strings.ToUpper(typeName) {
	case "UNIQUEIDENTIFIER":
		return uniqueIdentifier
	case "UUID":
		return textUUID
	}
	if reconcile.KindForType(typeName) == reconcile.KindBytes {
		return reconcile.ValueOf
	}
	return textValue
}

// textValue turns driver byte slices (numeric, decimal, money, xml) into strings
func textValue(v any) reconcile.Value {
	if b, ok := v.([]byte); ok {
		return reconcile.String(string(b))
	}
	return reconcile.ValueOf(v)
}

// uniqueIdentifier renders a sqlserver guid the way postgres prints a uuid
func uniqueIdentifier(v any) reconcile.Value {
	if v == nil {
		return reconcile.Null()
	}
	var u mssql.UniqueIdentifier
	if err := u.Scan(v); err != nil {
		return textValue(v)
	}
	return reconcile.String(uuid.UUID(u).String())
}

func textUUID(v any) reconcile.Value {
	var s string
	switch t := v.(type) {
	case nil:
		return reconcile.Null()
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		return reconcile.ValueOf(v)
	}
	if u, err := uuid.Parse(s); err == nil {
		return reconcile.String(u.String())
	}
	return reconcile.String(s)
}
