package reconcile

import (
	"fmt"
	"strings"
)

// TableRef names a table on one side of a mapping
type TableRef struct {
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
	Schema   string `json:"schema,omitempty" yaml:"schema,omitempty"`
	Table    string `json:"table" yaml:"table"`
}

func (t TableRef) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Database, t.Schema, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// ColumnMapping is one logical column correspondence between source and destination
type ColumnMapping struct {
	MappingID             int      `json:"mapping_id" yaml:"mapping_id"`
	SourceColumnName      string   `json:"source_column" yaml:"source_column"`
	SourceColumnType      string   `json:"source_type,omitempty" yaml:"source_type,omitempty"`
	DestinationColumnName string   `json:"destination_column" yaml:"destination_column"`
	DestinationColumnType string   `json:"destination_type,omitempty" yaml:"destination_type,omitempty"`
	IsIdentityColumn      bool     `json:"identity,omitempty" yaml:"identity,omitempty"`
	IsOrderByColumn       bool     `json:"order_by,omitempty" yaml:"order_by,omitempty"`
	DecommissionedValues  []string `json:"decommissioned_values,omitempty" yaml:"decommissioned_values,omitempty"`
}

// IdentityPair holds the source and destination names of one identity column
type IdentityPair struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
}

// TableMapping binds a source table to a destination table. It is built once by a
// loader and only read afterwards, so it is safe to share between workers.
type TableMapping struct {
	Source      TableRef        `json:"source" yaml:"source"`
	Destination TableRef        `json:"destination" yaml:"destination"`
	Columns     []ColumnMapping `json:"columns" yaml:"columns"`
}

// Name identifies the mapping in logs and reports
func (m *TableMapping) Name() string {
	return fmt.Sprintf("%s → %s", m.Source, m.Destination)
}

// IdentityPairs returns identity columns in declared column order
func (m *TableMapping) IdentityPairs() []IdentityPair {
	pairs := make([]IdentityPair, 0, len(m.Columns))
	for _, c := range m.Columns {
		if c.IsIdentityColumn {
			pairs = append(pairs, IdentityPair{Source: c.SourceColumnName, Destination: c.DestinationColumnName})
		}
	}
	return pairs
}

// OrderByColumn returns the column flagged as the sampling order key
func (m *TableMapping) OrderByColumn() (ColumnMapping, bool) {
	for _, c := range m.Columns {
		if c.IsOrderByColumn {
			return c, true
		}
	}
	return ColumnMapping{}, false
}

// Column finds a column mapping by its source name
func (m *TableMapping) Column(sourceName string) (ColumnMapping, bool) {
	for _, c := range m.Columns {
		if strings.EqualFold(c.SourceColumnName, sourceName) {
			return c, true
		}
	}
	return ColumnMapping{}, false
}

// Validate checks the preconditions the engine relies on
func (m *TableMapping) Validate() error {
	if m.Source.Table == "" {
		return fmt.Errorf("%w: source table is required", ErrInvalidMapping)
	}
	if m.Destination.Table == "" {
		return fmt.Errorf("%w: destination table is required for %s", ErrInvalidMapping, m.Source)
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("%w: %s has no mapped columns", ErrInvalidMapping, m.Name())
	}

	sources := make(map[string]bool, len(m.Columns))
	destinations := make(map[string]bool, len(m.Columns))
	identities, orderBys := 0, 0
	for _, c := range m.Columns {
		if c.SourceColumnName == "" || c.DestinationColumnName == "" {
			return fmt.Errorf("%w: %s has a column with an empty name", ErrInvalidMapping, m.Name())
		}
		src, dst := strings.ToLower(c.SourceColumnName), strings.ToLower(c.DestinationColumnName)
		if sources[src] {
			return fmt.Errorf("%w: %s maps source column %q twice", ErrInvalidMapping, m.Name(), c.SourceColumnName)
		}
		if destinations[dst] {
			return fmt.Errorf("%w: %s maps destination column %q twice", ErrInvalidMapping, m.Name(), c.DestinationColumnName)
		}
		sources[src], destinations[dst] = true, true
		if c.IsIdentityColumn {
			identities++
		}
		if c.IsOrderByColumn {
			orderBys++
		}
	}

	if identities == 0 {
		return fmt.Errorf("%w: %s has no identity column", ErrInvalidMapping, m.Name())
	}
	if orderBys != 1 {
		return fmt.Errorf("%w: %s must have exactly one order-by column, got %d", ErrInvalidMapping, m.Name(), orderBys)
	}
	return nil
}
