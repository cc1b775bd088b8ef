package formatters

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/parquet-go/parquet-go"
)

// ParquetStreamingFormatter writes a parquet file with a schema derived from the
// declared column kinds
type ParquetStreamingFormatter struct {
	compression string
}

// NewParquetStreamingFormatter uses compression for parquet pages (zstd, gzip,
// lz4, snappy or none). Anything else falls back to snappy.
func NewParquetStreamingFormatter(compression string) *ParquetStreamingFormatter {
	return &ParquetStreamingFormatter{compression: compression}
}

func (f *ParquetStreamingFormatter) NewWriter(w io.Writer, schema TableSchema) (StreamWriter, error) {
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("parquet output for %s needs at least one column", schema.Name)
	}
	writer := parquet.NewGenericWriter[map[string]any](w, buildSchema(schema), compressionOption(f.compression))
	return &parquetStreamWriter{writer: writer, schema: schema}, nil
}

func compressionOption(compression string) parquet.WriterOption {
	switch compression {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		// Snappy is the parquet default
		return parquet.Compression(&parquet.Snappy)
	}
}

// buildSchema maps every column kind to an optional parquet leaf. Times are
// stored as text so the files read the same as the text log.
func buildSchema(schema TableSchema) *parquet.Schema {
	fields := make(parquet.Group, len(schema.Columns))
	for _, col := range schema.Columns {
		var field parquet.Node
		switch col.Kind {
		case reconcile.KindBool:
			field = parquet.Optional(parquet.Leaf(parquet.BooleanType))
		case reconcile.KindInt:
			field = parquet.Optional(parquet.Leaf(parquet.Int64Type))
		case reconcile.KindFloat:
			field = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		case reconcile.KindBytes:
			field = parquet.Optional(parquet.Leaf(parquet.ByteArrayType))
		default:
			field = parquet.Optional(parquet.String())
		}
		fields[col.Name] = field
	}
	name := schema.Name
	if name == "" {
		name = "missing_records"
	}
	return parquet.NewSchema(name, fields)
}

func (f *ParquetStreamingFormatter) Extension() string {
	return ".parquet"
}

func (f *ParquetStreamingFormatter) MIMEType() string {
	return "application/vnd.apache.parquet"
}

type parquetStreamWriter struct {
	writer *parquet.GenericWriter[map[string]any]
	schema TableSchema
}

// WriteChunk normalizes values to the declared kinds before writing
func (w *parquetStreamWriter) WriteChunk(rows []map[string]any) error {
	normalized := make([]map[string]any, len(rows))
	for i, row := range rows {
		out := make(map[string]any, len(w.schema.Columns))
		for _, col := range w.schema.Columns {
			out[col.Name] = normalize(row[col.Name], col.Kind)
		}
		normalized[i] = out
	}
	if _, err := w.writer.Write(normalized); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	return nil
}

func normalize(v any, kind reconcile.Kind) any {
	if v == nil {
		return nil
	}
	switch kind {
	case reconcile.KindBool, reconcile.KindInt, reconcile.KindFloat, reconcile.KindBytes:
		if reconcile.ValueOf(v).Kind() == kind {
			return v
		}
		// a value of another kind cannot be stored in the typed leaf
		return nil
	default:
		if t, ok := v.(time.Time); ok {
			return t.Format(reconcile.TimeLayout)
		}
		return reconcile.ValueOf(v).String()
	}
}

// Close writes the parquet footer
func (w *parquetStreamWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// ParquetReader reads a parquet file row group by row group.
// Parquet needs io.ReaderAt, so the whole file is read into memory first.
type ParquetReader struct {
	file    *parquet.File
	closer  io.Closer
	columns []string

	group int
	rows  parquet.Rows
}

func NewParquetReader(r io.ReadCloser) (*ParquetReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to read parquet data: %w", err)
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	paths := file.Schema().Columns()
	columns := make([]string, len(paths))
	for i, path := range paths {
		if len(path) > 0 {
			columns[i] = path[len(path)-1]
		}
	}
	return &ParquetReader{file: file, closer: r, columns: columns}, nil
}

func (r *ParquetReader) ReadChunk(chunkSize int) ([]map[string]any, error) {
	var out []map[string]any
	groups := r.file.RowGroups()

	for len(out) < chunkSize {
		if r.rows == nil {
			if r.group >= len(groups) {
				break
			}
			r.rows = groups[r.group].Rows()
			r.group++
		}

		batch := make([]parquet.Row, chunkSize-len(out))
		n, err := r.rows.ReadRows(batch)
		for _, row := range batch[:n] {
			out = append(out, r.toMap(row))
		}
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			_ = r.rows.Close()
			r.rows = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}
	return out, nil
}

// toMap relies on the flat layout written above: one value per column, in schema order
func (r *ParquetReader) toMap(row parquet.Row) map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, val := range row {
		if i >= len(r.columns) {
			break
		}
		name := r.columns[i]
		if val.IsNull() {
			m[name] = nil
			continue
		}
		switch val.Kind() {
		case parquet.Boolean:
			m[name] = val.Boolean()
		case parquet.Int32:
			m[name] = int64(val.Int32())
		case parquet.Int64:
			m[name] = val.Int64()
		case parquet.Float:
			m[name] = float64(val.Float())
		case parquet.Double:
			m[name] = val.Double()
		default:
			m[name] = string(val.ByteArray())
		}
	}
	return m
}

func (r *ParquetReader) Close() error {
	if r.rows != nil {
		_ = r.rows.Close()
		r.rows = nil
	}
	return r.closer.Close()
}
