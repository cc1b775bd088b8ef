package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/airframesio/data-checker/cmd/sqlbuilder"
	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"
)

var ErrNoMappings = errors.New("no valid table mappings to check")

// decommissionedBatchSize bounds the number of mapping ids per IN (...) list
const decommissionedBatchSize = 500

// mappingFile is the YAML mapping document
type mappingFile struct {
	Mappings []*reconcile.TableMapping `yaml:"mappings"`
}

// loadMappingFile reads table mappings from a YAML file
func loadMappingFile(path string) ([]*reconcile.TableMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	var doc mappingFile
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse mapping file %s: %w", path, err)
	}
	return doc.Mappings, nil
}

// mappingRecord is one row of the mapping table: a single column correspondence
type mappingRecord struct {
	MappingID               int            `db:"mapping_id"`
	SourceDatabaseName      sql.NullString `db:"SourceDatabaseName"`
	SourceSchemaName        sql.NullString `db:"SourceSchemaName"`
	SourceTableName         string         `db:"SourceTableName"`
	DestinationDatabaseName sql.NullString `db:"DestinationDatabaseName"`
	DestinationSchemaName   sql.NullString `db:"DestinationSchemaName"`
	DestinationTableName    string         `db:"DestinationTableName"`
	SourceColumnName        string         `db:"SourceColumnName"`
	SourceColumnType        sql.NullString `db:"SourceColumnType"`
	DestinationColumnName   string         `db:"DestinationColumnName"`
	DestinationColumnType   sql.NullString `db:"DestinationColumnType"`
	IsIdentityColumn        bool           `db:"IsIdentityColumn"`
}

var mappingColumns = []string{
	"mapping_id",
	"SourceDatabaseName", "SourceSchemaName", "SourceTableName",
	"DestinationDatabaseName", "DestinationSchemaName", "DestinationTableName",
	"SourceColumnName", "SourceColumnType",
	"DestinationColumnName", "DestinationColumnType",
	"IsIdentityColumn",
}

type decommissionedRecord struct {
	ColumnMappingID int            `db:"column_mapping_id"`
	Value           sql.NullString `db:"decommissioned_value"`
}

// parseTableRef splits [database.]schema.table
func parseTableRef(name string) reconcile.TableRef {
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 1:
		return reconcile.TableRef{Table: parts[0]}
	case 2:
		return reconcile.TableRef{Schema: parts[0], Table: parts[1]}
	default:
		return reconcile.TableRef{Database: parts[0], Schema: parts[1], Table: strings.Join(parts[2:], ".")}
	}
}

// tableLoader reads mappings and decommissioned values from metadata tables
type tableLoader struct {
	db      *sqlx.DB
	dialect sqlbuilder.Dialect
	logger  *slog.Logger
}

func (l *tableLoader) quoteAll(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = l.dialect.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// load groups the mapping table rows into table mappings. The mapping table has
// no order-by flag, so the first identity column orders sampling.
func (l *tableLoader) load(ctx context.Context, mappingTable, decommissionedTable string) ([]*reconcile.TableMapping, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		l.quoteAll(mappingColumns),
		l.dialect.Table(parseTableRef(mappingTable)),
		l.dialect.QuoteIdentifier("mapping_id"))
	l.logger.Debug(fmt.Sprintf("🔍 Loading mappings: %s", query))

	var records []mappingRecord
	if err := l.db.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("failed to read mapping table %s: %w", mappingTable, err)
	}

	var mappings []*reconcile.TableMapping
	byKey := make(map[string]*reconcile.TableMapping)
	for _, r := range records {
		source := reconcile.TableRef{Database: r.SourceDatabaseName.String, Schema: r.SourceSchemaName.String, Table: r.SourceTableName}
		destination := reconcile.TableRef{Database: r.DestinationDatabaseName.String, Schema: r.DestinationSchemaName.String, Table: r.DestinationTableName}
		key := strings.ToLower(source.String() + "|" + destination.String())

		m, ok := byKey[key]
		if !ok {
			m = &reconcile.TableMapping{Source: source, Destination: destination}
			byKey[key] = m
			mappings = append(mappings, m)
		}
		m.Columns = append(m.Columns, reconcile.ColumnMapping{
			MappingID:             r.MappingID,
			SourceColumnName:      r.SourceColumnName,
			SourceColumnType:      r.SourceColumnType.String,
			DestinationColumnName: r.DestinationColumnName,
			DestinationColumnType: r.DestinationColumnType.String,
			IsIdentityColumn:      r.IsIdentityColumn,
		})
	}

	for _, m := range mappings {
		for i := range m.Columns {
			if m.Columns[i].IsIdentityColumn {
				m.Columns[i].IsOrderByColumn = true
				break
			}
		}
	}

	if decommissionedTable != "" {
		if err := l.loadDecommissioned(ctx, decommissionedTable, mappings); err != nil {
			return nil, err
		}
	}
	return mappings, nil
}

// loadDecommissioned attaches decommissioned values to their column mappings
func (l *tableLoader) loadDecommissioned(ctx context.Context, table string, mappings []*reconcile.TableMapping) error {
	columns := make(map[int]*reconcile.ColumnMapping)
	var ids []int
	for _, m := range mappings {
		for i := range m.Columns {
			c := &m.Columns[i]
			columns[c.MappingID] = c
			ids = append(ids, c.MappingID)
		}
	}

	base := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (?)",
		l.quoteAll([]string{"column_mapping_id", "decommissioned_value"}),
		l.dialect.Table(parseTableRef(table)),
		l.dialect.QuoteIdentifier("column_mapping_id"))

	loaded := 0
	for start := 0; start < len(ids); start += decommissionedBatchSize {
		end := min(start+decommissionedBatchSize, len(ids))
		query, args, err := sqlx.In(base, ids[start:end])
		if err != nil {
			return fmt.Errorf("failed to build decommissioned values query: %w", err)
		}

		var records []decommissionedRecord
		if err := l.db.SelectContext(ctx, &records, l.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to read decommissioned values from %s: %w", table, err)
		}
		for _, r := range records {
			c, ok := columns[r.ColumnMappingID]
			if !ok || !r.Value.Valid {
				continue
			}
			c.DecommissionedValues = append(c.DecommissionedValues, r.Value.String)
			loaded++
		}
	}

	l.logger.Debug(fmt.Sprintf("Loaded %d decommissioned value(s) for %d column mapping(s)", loaded, len(ids)))
	return nil
}

// matchesOnly reports whether a mapping passes the --only filter, which names
// source tables as table, schema.table or database.schema.table
func matchesOnly(m *reconcile.TableMapping, only []string) bool {
	if len(only) == 0 {
		return true
	}
	names := []string{m.Source.Table, m.Source.Schema + "." + m.Source.Table, m.Source.String()}
	for _, o := range only {
		for _, n := range names {
			if strings.EqualFold(strings.TrimSpace(o), n) {
				return true
			}
		}
	}
	return false
}

// prepareMappings filters and validates mappings. Invalid ones are logged and skipped.
func prepareMappings(all []*reconcile.TableMapping, only []string, logger *slog.Logger) ([]*reconcile.TableMapping, error) {
	var valid []*reconcile.TableMapping
	for _, m := range all {
		if m == nil || !matchesOnly(m, only) {
			continue
		}
		if err := m.Validate(); err != nil {
			logger.Warn(fmt.Sprintf("⚠️  Skipping mapping: %v", err))
			continue
		}
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return nil, ErrNoMappings
	}
	return valid, nil
}

// loadMappings loads mappings from the configured file or mapping table. The
// table form reads over the source database.
func loadMappings(ctx context.Context, cfg MappingsConfig, source *sql.DB, db DatabaseConfig, logger *slog.Logger) ([]*reconcile.TableMapping, error) {
	var all []*reconcile.TableMapping
	if cfg.File != "" {
		logger.Debug(fmt.Sprintf("📄 Loading mappings from %s", cfg.File))
		loaded, err := loadMappingFile(cfg.File)
		if err != nil {
			return nil, err
		}
		all = loaded
	} else {
		name, err := driverName(db.Driver)
		if err != nil {
			return nil, err
		}
		dialect, err := sqlbuilder.ForDriver(db.Driver, db.Name)
		if err != nil {
			return nil, err
		}
		loader := &tableLoader{db: sqlx.NewDb(source, name), dialect: dialect, logger: logger}
		loaded, err := loader.load(ctx, cfg.Table, cfg.DecommissionedTable)
		if err != nil {
			return nil, err
		}
		all = loaded
	}

	mappings, err := prepareMappings(all, cfg.Only, logger)
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("📋 Loaded %d table mapping(s)", len(mappings)))
	return mappings, nil
}

// runMappings loads and prints the mappings a check would run
func runMappings(ctx context.Context, config *Config) error {
	initLogger(config.Debug, config.LogFormat)

	if config.Mappings.File == "" {
		if err := config.Source.validate("source"); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
	}
	if err := config.Mappings.validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	var source *sql.DB
	if config.Mappings.File == "" {
		db, err := openDatabase(ctx, "source", config.Source, 1, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		source = db
	}

	mappings, err := loadMappings(ctx, config.Mappings, source, config.Source, logger)
	if err != nil {
		return err
	}
	return printMappings(os.Stdout, mappings, config.OutputFormat)
}
