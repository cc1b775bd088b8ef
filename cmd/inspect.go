package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/airframesio/data-checker/cmd/compressors"
	"github.com/airframesio/data-checker/cmd/formatters"
)

// ErrUnknownArchive is returned for a file whose extension names no archive format
var ErrUnknownArchive = errors.New("unrecognized archive file extension")

const inspectChunkSize = 1000

// archiveFile is an open archive: the file plus the format reader stacked on it
type archiveFile struct {
	formatters.Reader
	file *os.File
}

func (a *archiveFile) Close() error {
	err := a.Reader.Close()
	if cerr := a.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// openArchiveFile detects format and compression from a name like
// dbo.items-2024-05-01-083000.jsonl.zst
func openArchiveFile(path string) (*archiveFile, error) {
	name := filepath.Base(path)
	compression := "none"
	if c, ok := compressors.ForExtension(filepath.Ext(name)); ok {
		compression = c
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	format, ok := formatters.ForExtension(filepath.Ext(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArchive, filepath.Base(path))
	}

	compressor, err := compressors.GetCompressor(compression)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	decompressed, err := compressor.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to decompress archive: %w", err)
	}
	reader, err := formatters.NewReader(format, decompressed)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &archiveFile{Reader: reader, file: file}, nil
}

// runInspect prints the records of an archive as JSON lines
func runInspect(w io.Writer, path string, limit int) error {
	archive, err := openArchiveFile(path)
	if err != nil {
		return err
	}
	defer archive.Close()

	encoder := json.NewEncoder(w)
	printed := 0
	for {
		rows, err := archive.ReadChunk(inspectChunkSize)
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if limit > 0 && printed >= limit {
				return nil
			}
			if err := encoder.Encode(row); err != nil {
				return err
			}
			printed++
		}
	}
}
