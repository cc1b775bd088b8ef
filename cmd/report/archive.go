package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/airframesio/data-checker/cmd/compressors"
	"github.com/airframesio/data-checker/cmd/formatters"
	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// Extra columns added to every archived row
const (
	ColumnChunk      = "_chunk"
	ColumnDetectedAt = "_detected_at"
)

var ErrArchiveClosed = errors.New("archive is closed")

// ArchiveConfig controls where and how missing rows are archived
type ArchiveConfig struct {
	Dir              string
	Format           string
	Compression      string
	CompressionLevel int
	Bucket           string
	PathTemplate     string
	RunID            string
}

// Archive streams missing rows per mapping through a formatter and a compressor
// into a local file. On Close each file is uploaded to S3, or kept in Dir when no
// uploader is configured.
type Archive struct {
	cfg        ArchiveConfig
	uploader   s3manageriface.UploaderAPI
	formatter  formatters.StreamingFormatter
	compressor compressors.Compressor
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	closed  bool
	streams map[*reconcile.TableMapping]*archiveStream
	order   []*reconcile.TableMapping
}

type archiveStream struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	compressed io.WriteCloser
	writer     formatters.StreamWriter
	rows       int
}

func NewArchive(cfg ArchiveConfig, uploader s3manageriface.UploaderAPI, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	formatter, err := formatters.GetStreamingFormatter(cfg.Format, cfg.Compression)
	if err != nil {
		return nil, err
	}

	// parquet compresses its own pages
	compression := cfg.Compression
	if formatters.UsesInternalCompression(cfg.Format) {
		compression = "none"
	}
	compressor, err := compressors.GetCompressor(compression)
	if err != nil {
		return nil, err
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = compressor.DefaultLevel()
	}
	if uploader != nil && cfg.Bucket == "" {
		return nil, errors.New("an S3 bucket is required to upload archives")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", cfg.Dir, err)
	}

	return &Archive{
		cfg:        cfg,
		uploader:   uploader,
		formatter:  formatter,
		compressor: compressor,
		logger:     logger,
		now:        time.Now,
		streams:    make(map[*reconcile.TableMapping]*archiveStream),
	}, nil
}

// Schema describes the archived rows of one mapping. Kinds come from the declared
// source column types; undeclared columns take the kind of the given row's value.
func Schema(m *reconcile.TableMapping, row *reconcile.Row) formatters.TableSchema {
	declared := make(map[string]reconcile.Kind, len(m.Columns))
	for _, c := range m.Columns {
		if c.SourceColumnType != "" {
			declared[c.SourceColumnName] = reconcile.KindForType(c.SourceColumnType)
		}
	}

	schema := formatters.TableSchema{Name: TableName(m)}
	for i, name := range row.Schema().Columns {
		kind, ok := declared[name]
		if !ok && i < len(row.Values()) {
			kind = row.Values()[i].Kind()
		}
		schema.Columns = append(schema.Columns, formatters.Column{Name: name, Kind: kind})
	}
	schema.Columns = append(schema.Columns,
		formatters.Column{Name: ColumnChunk, Kind: reconcile.KindInt},
		formatters.Column{Name: ColumnDetectedAt, Kind: reconcile.KindTime},
	)
	return schema
}

// Report appends the missing row to its mapping's archive
func (a *Archive) Report(_ context.Context, m *reconcile.TableMapping, rec reconcile.MissingRecord) error {
	s, err := a.stream(m, rec.Row)
	if err != nil {
		return err
	}

	row := rec.Row.Map()
	row[ColumnChunk] = int64(rec.Chunk)
	row[ColumnDetectedAt] = a.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.WriteChunk([]map[string]any{row}); err != nil {
		return fmt.Errorf("failed to archive missing record of %s: %w", m.Name(), err)
	}
	s.rows++
	return nil
}

func (a *Archive) stream(m *reconcile.TableMapping, first *reconcile.Row) (*archiveStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrArchiveClosed
	}
	if s, ok := a.streams[m]; ok {
		return s, nil
	}

	name := GenerateFilename(TableName(m), a.now(), a.formatter.Extension(), a.compressor.Extension())
	p := filepath.Join(a.cfg.Dir, name)
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive %s: %w", p, err)
	}
	compressed, err := a.compressor.NewWriter(f, a.cfg.CompressionLevel)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	writer, err := a.formatter.NewWriter(compressed, Schema(m, first))
	if err != nil {
		_ = compressed.Close()
		_ = f.Close()
		return nil, err
	}

	s := &archiveStream{path: p, file: f, compressed: compressed, writer: writer}
	a.streams[m] = s
	a.order = append(a.order, m)
	return s, nil
}

// Close finishes every archive and uploads it. It returns the local paths or S3
// URLs of the finished archives.
func (a *Archive) Close(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	a.closed = true
	order := a.order
	a.mu.Unlock()

	var outputs []string
	var errs []error
	for _, m := range order {
		out, err := a.finish(ctx, m, a.streams[m])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outputs = append(outputs, out)
	}
	return outputs, errors.Join(errs...)
}

func (a *Archive) finish(ctx context.Context, m *reconcile.TableMapping, s *archiveStream) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Close(); err != nil {
		_ = s.file.Close()
		return "", err
	}
	if err := s.compressed.Close(); err != nil {
		_ = s.file.Close()
		return "", fmt.Errorf("failed to finish compression of %s: %w", s.path, err)
	}
	if err := s.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", s.path, err)
	}

	if a.uploader == nil {
		a.logger.Info(fmt.Sprintf("💾 %s: %d missing record(s) archived to %s", m.Name(), s.rows, s.path))
		return s.path, nil
	}

	key := path.Join(NewPathTemplate(a.cfg.PathTemplate).Generate(TableName(m), a.cfg.RunID, a.now()), filepath.Base(s.path))
	if err := a.upload(ctx, s.path, key); err != nil {
		return "", err
	}
	if err := os.Remove(s.path); err != nil {
		a.logger.Warn(fmt.Sprintf("⚠️  failed to remove %s after upload: %v", s.path, err))
	}

	url := fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key)
	a.logger.Info(fmt.Sprintf("☁️  %s: %d missing record(s) uploaded to %s", m.Name(), s.rows, url))
	return url, nil
}

func (a *Archive) upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s for upload: %w", localPath, err)
	}
	defer f.Close()

	a.logger.Debug(fmt.Sprintf("  ☁️  Uploading to s3://%s/%s", a.cfg.Bucket, key))
	_, err = a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(a.formatter.MIMEType()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", localPath, a.cfg.Bucket, key, err)
	}
	return nil
}
