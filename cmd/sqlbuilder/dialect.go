package sqlbuilder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/lib/pq"
)

var (
	ErrUnsupportedDriver    = errors.New("unsupported database driver")
	ErrUnsupportedCondition = errors.New("unsupported condition")
)

// Dialect covers the syntax differences between the databases the checker reads
type Dialect interface {
	Name() string
	QuoteIdentifier(name string) string
	Placeholder(n int) string
	Table(ref reconcile.TableRef) string
	CountExpression() string
	BoolLiteral(b bool) string
	BytesLiteral(b []byte) string
}

// ForDriver returns the dialect for a database/sql driver name. database is the
// database the connection is bound to.
func ForDriver(driver, database string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return Postgres{}, nil
	case "sqlserver", "mssql":
		return SQLServer{Database: database}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// Postgres quotes with double quotes and numbers placeholders $1, $2, ...
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) QuoteIdentifier(name string) string { return pq.QuoteIdentifier(name) }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// Table ignores the database part since a postgres connection cannot leave its database
func (p Postgres) Table(ref reconcile.TableRef) string {
	if ref.Schema == "" {
		return p.QuoteIdentifier(ref.Table)
	}
	return p.QuoteIdentifier(ref.Schema) + "." + p.QuoteIdentifier(ref.Table)
}

func (Postgres) CountExpression() string { return "COUNT(*)" }

func (Postgres) BoolLiteral(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func (Postgres) BytesLiteral(b []byte) string {
	return fmt.Sprintf(`'\x%x'::bytea`, b)
}

// SQLServer quotes with brackets and names placeholders @p1, @p2, ...
type SQLServer struct {
	// Database is the database of the connection. Tables in other databases get a
	// three part name.
	Database string
}

func (SQLServer) Name() string { return "sqlserver" }

func (SQLServer) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (SQLServer) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (s SQLServer) Table(ref reconcile.TableRef) string {
	schema := ref.Schema
	if schema == "" {
		schema = "dbo"
	}
	name := s.QuoteIdentifier(schema) + "." + s.QuoteIdentifier(ref.Table)
	if ref.Database != "" && !strings.EqualFold(ref.Database, s.Database) {
		name = s.QuoteIdentifier(ref.Database) + "." + name
	}
	return name
}

func (SQLServer) CountExpression() string { return "COUNT_BIG(*)" }

func (SQLServer) BoolLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (SQLServer) BytesLiteral(b []byte) string {
	return fmt.Sprintf("0x%X", b)
}
