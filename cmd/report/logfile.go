package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/airframesio/data-checker/cmd/reconcile"
)

// Source is the source field written on every log line
const Source = "data-checker"

var lineBreaks = strings.NewReplacer("\t", "", "\n", "", "\r", "")

// LogFile appends one text line per missing record to <dir>/<schema>.<table>.txt,
// keyed by the source table. Lines look like
//
//	2024-05-01 08:30:00.000000|| ERROR|| data-checker || dbo.items || record missing from destination || id:= 2 ;
type LogFile struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	files   map[string]*os.File
	started map[*reconcile.TableMapping]bool
}

func NewLogFile(dir string) (*LogFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return &LogFile{
		dir:     dir,
		now:     time.Now,
		files:   make(map[string]*os.File),
		started: make(map[*reconcile.TableMapping]bool),
	}, nil
}

// TableName is the name a mapping's source table is logged under
func TableName(m *reconcile.TableMapping) string {
	if m.Source.Schema == "" {
		return m.Source.Table
	}
	return m.Source.Schema + "." + m.Source.Table
}

// Path returns the file a mapping is logged to
func (l *LogFile) Path(m *reconcile.TableMapping) string {
	return filepath.Join(l.dir, TableName(m)+".txt")
}

// Report writes a header line the first time a mapping reports, then the record
func (l *LogFile) Report(_ context.Context, m *reconcile.TableMapping, rec reconcile.MissingRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started[m] {
		l.started[m] = true
		if err := l.write(m, "ERROR", "Records were found to be MISSING from the destination", m.Name()); err != nil {
			return err
		}
	}
	return l.write(m, "ERROR", "record missing from destination", rec.Description)
}

// Info writes an INFO line for a mapping
func (l *LogFile) Info(m *reconcile.TableMapping, information string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(m, "INFO", information)
}

func (l *LogFile) write(m *reconcile.TableMapping, level string, fields ...string) error {
	f, err := l.file(m)
	if err != nil {
		return err
	}
	parts := append([]string{level + "|| " + Source, TableName(m)}, fields...)
	line := l.now().Format(reconcile.TimeLayout) + "|| " + lineBreaks.Replace(strings.Join(parts, " || ")) + "\n"
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to write to %s: %w", f.Name(), err)
	}
	return nil
}

func (l *LogFile) file(m *reconcile.TableMapping) (*os.File, error) {
	path := l.Path(m)
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	l.files[path] = f
	return f, nil
}

// Close closes every open log file
func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for path, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", path, err)
		}
		delete(l.files, path)
	}
	return firstErr
}
