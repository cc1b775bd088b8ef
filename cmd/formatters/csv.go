package formatters

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/airframesio/data-checker/cmd/reconcile"
)

// CSVStreamingFormatter writes a header row followed by one record per row
type CSVStreamingFormatter struct{}

func NewCSVStreamingFormatter() *CSVStreamingFormatter {
	return &CSVStreamingFormatter{}
}

// NewWriter writes the header immediately, in schema order
func (f *CSVStreamingFormatter) NewWriter(w io.Writer, schema TableSchema) (StreamWriter, error) {
	columns := schema.Names()
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(columns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	return &csvStreamWriter{
		writer:  csvWriter,
		columns: columns,
	}, nil
}

func (f *CSVStreamingFormatter) Extension() string {
	return ".csv"
}

func (f *CSVStreamingFormatter) MIMEType() string {
	return "text/csv"
}

type csvStreamWriter struct {
	writer  *csv.Writer
	columns []string
}

func (w *csvStreamWriter) WriteChunk(rows []map[string]any) error {
	for _, row := range rows {
		record := make([]string, len(w.columns))
		for i, col := range w.columns {
			record[i] = cell(row[col])
		}
		if err := w.writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	return nil
}

// Close flushes buffered records
func (w *csvStreamWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format(reconcile.TimeLayout)
	case []byte:
		return fmt.Sprintf(`\x%x`, t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// CSVReader reads CSV written by CSVStreamingFormatter
type CSVReader struct {
	reader  *csv.Reader
	closer  io.Closer
	headers []string
}

func NewCSVReader(r io.ReadCloser) *CSVReader {
	return &CSVReader{reader: csv.NewReader(r), closer: r}
}

func (r *CSVReader) readHeaders() error {
	if r.headers != nil {
		return nil
	}
	headers, err := r.reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	r.headers = headers
	return nil
}

func (r *CSVReader) ReadChunk(chunkSize int) ([]map[string]any, error) {
	if err := r.readHeaders(); err != nil {
		return nil, err
	}

	var rows []map[string]any
	for len(rows) < chunkSize {
		record, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}

		row := make(map[string]any, len(r.headers))
		for i, value := range record {
			if i >= len(r.headers) {
				break // Skip extra columns
			}
			row[r.headers[i]] = convertValue(value)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// convertValue attempts to convert a string value to an appropriate type
func convertValue(value string) any {
	if value == "" {
		return nil
	}
	if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	if boolVal, err := strconv.ParseBool(value); err == nil {
		return boolVal
	}
	for _, layout := range []string{
		reconcile.TimeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return value
}

func (r *CSVReader) Close() error {
	return r.closer.Close()
}
