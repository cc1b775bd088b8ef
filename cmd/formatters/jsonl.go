package formatters

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// JSONLStreamingFormatter writes one JSON object per line
type JSONLStreamingFormatter struct{}

func NewJSONLStreamingFormatter() *JSONLStreamingFormatter {
	return &JSONLStreamingFormatter{}
}

func (f *JSONLStreamingFormatter) NewWriter(w io.Writer, _ TableSchema) (StreamWriter, error) {
	return &jsonlStreamWriter{encoder: json.NewEncoder(w)}, nil
}

func (f *JSONLStreamingFormatter) Extension() string {
	return ".jsonl"
}

func (f *JSONLStreamingFormatter) MIMEType() string {
	return "application/x-ndjson"
}

type jsonlStreamWriter struct {
	encoder *json.Encoder
}

// WriteChunk writes each row followed by a newline
func (w *jsonlStreamWriter) WriteChunk(rows []map[string]any) error {
	for _, row := range rows {
		if err := w.encoder.Encode(row); err != nil {
			return fmt.Errorf("failed to write JSON line: %w", err)
		}
	}
	return nil
}

// Close is a no-op, JSONL has no footer
func (w *jsonlStreamWriter) Close() error {
	return nil
}

// JSONLReader reads JSONL format (one JSON object per line)
type JSONLReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

func NewJSONLReader(r io.ReadCloser) *JSONLReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &JSONLReader{scanner: scanner, closer: r}
}

func (r *JSONLReader) ReadChunk(chunkSize int) ([]map[string]any, error) {
	var rows []map[string]any

	for len(rows) < chunkSize && r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to parse JSON line: %w", err)
		}
		rows = append(rows, row)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return rows, nil
}

func (r *JSONLReader) Close() error {
	return r.closer.Close()
}
