package report

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airframesio/data-checker/cmd/compressors"
	"github.com/airframesio/data-checker/cmd/formatters"
	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

func itemsMapping() *reconcile.TableMapping {
	return &reconcile.TableMapping{
		Source:      reconcile.TableRef{Database: "legacy", Schema: "dbo", Table: "items"},
		Destination: reconcile.TableRef{Schema: "public", Table: "catalog_items"},
		Columns: []reconcile.ColumnMapping{
			{SourceColumnName: "id", SourceColumnType: "int", DestinationColumnName: "item_id", IsIdentityColumn: true, IsOrderByColumn: true},
			{SourceColumnName: "name", SourceColumnType: "nvarchar", DestinationColumnName: "label"},
		},
	}
}

func missing(m *reconcile.TableMapping, id int64, name string) reconcile.MissingRecord {
	schema := reconcile.NewSchema(reconcile.Source, []string{"id", "name"})
	row := reconcile.NewRow(schema, []reconcile.Value{reconcile.Int(id), reconcile.String(name)})
	cmp := reconcile.NewIdentityComparator(m.IdentityPairs())
	return reconcile.MissingRecord{
		Mapping:     m,
		Row:         row,
		Identity:    cmp.Identity(row),
		Description: cmp.Describe(row),
		Chunk:       1,
	}
}

func TestLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewLogFile(dir)
	require.NoError(t, err)
	l.now = func() time.Time { return fixed }

	m := itemsMapping()
	ctx := context.Background()
	require.NoError(t, l.Report(ctx, m, missing(m, 2, "b")))
	require.NoError(t, l.Report(ctx, m, missing(m, 5, "e\tf")))
	require.NoError(t, l.Info(m, "check complete\n2 missing"))
	require.NoError(t, l.Close())

	assert.Equal(t, filepath.Join(dir, "dbo.items.txt"), l.Path(m))
	data, err := os.ReadFile(l.Path(m))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "2024-05-01 08:30:00.000000|| ERROR|| data-checker || dbo.items || Records were found to be MISSING from the destination || legacy.dbo.items → public.catalog_items", lines[0])
	assert.Equal(t, "2024-05-01 08:30:00.000000|| ERROR|| data-checker || dbo.items || record missing from destination || id:= 2 ; ", lines[1])
	assert.Equal(t, "2024-05-01 08:30:00.000000|| ERROR|| data-checker || dbo.items || record missing from destination || id:= 5 ; ", lines[2])
	assert.Equal(t, "2024-05-01 08:30:00.000000|| INFO|| data-checker || dbo.items || check complete2 missing", lines[3])
}

func TestLogFileConcurrentWriters(t *testing.T) {
	l, err := NewLogFile(t.TempDir())
	require.NoError(t, err)
	m := itemsMapping()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, l.Report(context.Background(), m, missing(m, int64(i*100+j), "x")))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.Path(m))
	require.NoError(t, err)
	assert.Equal(t, 401, strings.Count(string(data), "\n"))
}

type fakeUploader struct {
	s3manageriface.UploaderAPI
	mu      sync.Mutex
	uploads map[string][]byte
	err     error
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = make(map[string][]byte)
	}
	f.uploads[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = body
	return &s3manager.UploadOutput{Location: aws.StringValue(in.Key)}, nil
}

func readArchive(t *testing.T, data []byte, format, compression string) []map[string]any {
	t.Helper()
	c, err := compressors.GetCompressor(compression)
	require.NoError(t, err)
	rc, err := c.NewReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	r, err := formatters.NewReader(format, rc)
	require.NoError(t, err)
	defer r.Close()
	rows, err := r.ReadChunk(100)
	require.NoError(t, err)
	return rows
}

func TestArchiveUploads(t *testing.T) {
	up := &fakeUploader{}
	a, err := NewArchive(ArchiveConfig{
		Dir:          t.TempDir(),
		Format:       formatters.FormatJSONL,
		Compression:  "zstd",
		Bucket:       "audit",
		PathTemplate: "checks/{run}/{table}/{YYYY}/{MM}",
		RunID:        "run-1",
	}, up, nil)
	require.NoError(t, err)
	a.now = func() time.Time { return fixed }

	m := itemsMapping()
	ctx := context.Background()
	require.NoError(t, a.Report(ctx, m, missing(m, 2, "b")))
	require.NoError(t, a.Report(ctx, m, missing(m, 9, "i")))

	outputs, err := a.Close(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s3://audit/checks/run-1/dbo.items/2024/05/dbo.items-2024-05-01-083000.jsonl.zst"}, outputs)

	body, ok := up.uploads["audit/checks/run-1/dbo.items/2024/05/dbo.items-2024-05-01-083000.jsonl.zst"]
	require.True(t, ok)
	rows := readArchive(t, body, formatters.FormatJSONL, "zstd")
	require.Len(t, rows, 2)
	assert.EqualValues(t, 2, rows[0]["id"])
	assert.Equal(t, "i", rows[1]["name"])
	assert.EqualValues(t, 1, rows[0][ColumnChunk])

	entries, err := os.ReadDir(a.cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "uploaded archives are removed locally")

	err = a.Report(ctx, m, missing(m, 10, "j"))
	assert.True(t, errors.Is(err, ErrArchiveClosed))
}

func TestArchiveLocal(t *testing.T) {
	dir := t.TempDir()
	a, err := NewArchive(ArchiveConfig{Dir: dir, Format: formatters.FormatCSV, Compression: "gzip"}, nil, nil)
	require.NoError(t, err)
	a.now = func() time.Time { return fixed }

	m := itemsMapping()
	require.NoError(t, a.Report(context.Background(), m, missing(m, 3, "c")))
	outputs, err := a.Close(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "dbo.items-2024-05-01-083000.csv.gz")}, outputs)

	data, err := os.ReadFile(outputs[0])
	require.NoError(t, err)
	rows := readArchive(t, data, formatters.FormatCSV, "gzip")
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0]["id"])
	assert.Equal(t, fixed, rows[0][ColumnDetectedAt])
}

func TestArchiveUploadFailure(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	a, err := NewArchive(ArchiveConfig{Dir: t.TempDir(), Format: formatters.FormatParquet, Compression: "zstd", Bucket: "audit"}, up, nil)
	require.NoError(t, err)

	m := itemsMapping()
	require.NoError(t, a.Report(context.Background(), m, missing(m, 3, "c")))
	_, err = a.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestArchiveConfigErrors(t *testing.T) {
	_, err := NewArchive(ArchiveConfig{Dir: t.TempDir(), Format: "xml"}, nil, nil)
	assert.True(t, errors.Is(err, formatters.ErrUnsupportedFormat))

	_, err = NewArchive(ArchiveConfig{Dir: t.TempDir(), Compression: "brotli"}, nil, nil)
	assert.True(t, errors.Is(err, compressors.ErrUnsupportedCompression))

	_, err = NewArchive(ArchiveConfig{Dir: t.TempDir()}, &fakeUploader{}, nil)
	assert.Error(t, err, "uploads need a bucket")
}

func TestArchiveSchema(t *testing.T) {
	m := itemsMapping()
	schema := reconcile.NewSchema(reconcile.Source, []string{"id", "name", "price"})
	row := reconcile.NewRow(schema, []reconcile.Value{reconcile.String("7"), reconcile.String("g"), reconcile.Float(1.5)})

	s := Schema(m, row)
	assert.Equal(t, "dbo.items", s.Name)
	assert.Equal(t, []string{"id", "name", "price", ColumnChunk, ColumnDetectedAt}, s.Names())
	assert.Equal(t, reconcile.KindInt, s.Columns[0].Kind, "declared types win")
	assert.Equal(t, reconcile.KindFloat, s.Columns[2].Kind)
}

func TestMultiAndCounter(t *testing.T) {
	m := itemsMapping()
	counter := &Counter{}
	boom := errors.New("boom")
	failing := Multi{counter, reporterFunc(func() error { return boom }), counter}

	err := failing.Report(context.Background(), m, missing(m, 1, "a"))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, int64(1), counter.Count(), "reporters after a failure are skipped")

	require.NoError(t, Multi{nil, counter}.Report(context.Background(), m, missing(m, 1, "a")))
	assert.Equal(t, int64(2), counter.Count())
}

type reporterFunc func() error

func (f reporterFunc) Report(context.Context, *reconcile.TableMapping, reconcile.MissingRecord) error {
	return f()
}

func TestPathTemplate(t *testing.T) {
	pt := NewPathTemplate("{run}/{table}/{YYYY}-{MM}-{DD}T{HH}")
	assert.Equal(t, "r1/dbo.items/2024-05-01T08", pt.Generate("dbo.items", "r1", fixed))
	assert.Equal(t, "t-2024-05-01-083000.parquet", GenerateFilename("t", fixed, ".parquet", ""))
}
