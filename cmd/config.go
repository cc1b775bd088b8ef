package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/airframesio/data-checker/cmd/compressors"
	"github.com/airframesio/data-checker/cmd/formatters"
	"github.com/airframesio/data-checker/cmd/sqlbuilder"
)

// Static errors for configuration validation
var (
	ErrDatabaseDriverInvalid   = errors.New("database driver must be one of: postgres, sqlserver")
	ErrDatabaseHostRequired    = errors.New("database host is required")
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrMaxRetriesInvalid       = errors.New("database max retries must be >= 0")
	ErrRetryDelayInvalid       = errors.New("database retry delay must be >= 0")
	ErrMappingsRequired        = errors.New("either a mapping file or a mapping table is required")
	ErrMappingsAmbiguous       = errors.New("mapping file and mapping table are mutually exclusive")
	ErrMappingTableInvalid     = errors.New("mapping table must be [database.]schema.table")
	ErrWorkersMinimum          = errors.New("workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 64")
	ErrPageSizeMinimum         = errors.New("page size must be at least 100")
	ErrPageSizeMaximum         = errors.New("page size must not exceed 1000000")
	ErrReportDirRequired       = errors.New("report directory is required")
	ErrOutputFormatInvalid     = errors.New("archive format must be one of: jsonl, csv, parquet")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrS3BucketRequired        = errors.New("S3 bucket is required when an S3 endpoint is set")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrPathTemplateInvalid     = errors.New("path template must contain {table} placeholder")
	ErrSummaryFormatInvalid    = errors.New("summary format must be one of: text, json")
	ErrLogFormatInvalid        = errors.New("log format must be one of: text, logfmt, json, color")
)

const (
	regionAuto = "auto"

	defaultPageSize         = 100000
	defaultStatementTimeout = 1200

	defaultMappingTable        = "DataChecker.Table_Mapping"
	defaultDecommissionedTable = "DataChecker.Decomissioned_Record_Classes"
	defaultArchivePathTemplate = "checks/{run}/{table}/{YYYY}/{MM}"
)

type Config struct {
	Debug        bool
	LogFormat    string
	DryRun       bool
	Workers      int
	PageSize     int
	SkipCount    bool
	Source       DatabaseConfig
	Destination  DatabaseConfig
	Mappings     MappingsConfig
	Report       ReportConfig
	OutputFormat string // summary format: text or json
	OutputFile   string // optional summary file, stdout when empty
}

type DatabaseConfig struct {
	Driver           string
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	StatementTimeout int // Statement timeout in seconds (0 = no timeout, default 1200)
	MaxRetries       int // Maximum number of retry attempts for failed queries (default 3)
	RetryDelay       int // Delay in seconds between retry attempts (default 5)
}

// MappingsConfig says where table mappings are loaded from. File is a YAML
// document; Table is a mapping table read over the source connection.
type MappingsConfig struct {
	File                string
	Table               string
	DecommissionedTable string
	Only                []string
}

type ReportConfig struct {
	Dir              string
	Archive          bool
	Format           string
	Compression      string
	CompressionLevel int
	S3               S3Config
}

type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
}

// Enabled reports whether archives are uploaded rather than kept locally
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

// isValidPathTemplate validates that a path template contains required placeholders
func isValidPathTemplate(template string) bool {
	return strings.Contains(template, "{table}")
}

// isValidCompressionLevel validates compression level based on compression type
func isValidCompressionLevel(compression string, level int) bool {
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	case "none":
		return level == 0 // no compression, level should be 0
	default:
		return false
	}
}

// isValidTableRef accepts schema.table or database.schema.table
func isValidTableRef(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

func (d DatabaseConfig) validate(side string) error {
	if _, err := sqlbuilder.ForDriver(d.Driver, d.Name); err != nil {
		return fmt.Errorf("%s: %w: '%s'", side, ErrDatabaseDriverInvalid, d.Driver)
	}
	if d.Host == "" {
		return fmt.Errorf("%s: %w", side, ErrDatabaseHostRequired)
	}
	if d.User == "" {
		return fmt.Errorf("%s: %w", side, ErrDatabaseUserRequired)
	}
	if d.Name == "" {
		return fmt.Errorf("%s: %w", side, ErrDatabaseNameRequired)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%s: %w, got %d", side, ErrDatabasePortInvalid, d.Port)
	}
	if d.StatementTimeout < 0 {
		return fmt.Errorf("%s: %w, got %d", side, ErrStatementTimeoutInvalid, d.StatementTimeout)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("%s: %w, got %d", side, ErrMaxRetriesInvalid, d.MaxRetries)
	}
	if d.RetryDelay < 0 {
		return fmt.Errorf("%s: %w, got %d", side, ErrRetryDelayInvalid, d.RetryDelay)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Destination.validate("destination"); err != nil {
		return err
	}
	return c.validateChecks()
}

func (m MappingsConfig) validate() error {
	switch {
	case m.File == "" && m.Table == "":
		return ErrMappingsRequired
	case m.File != "" && m.Table != "":
		return ErrMappingsAmbiguous
	case m.Table != "" && !isValidTableRef(m.Table):
		return fmt.Errorf("%w: '%s'", ErrMappingTableInvalid, m.Table)
	case m.DecommissionedTable != "" && !isValidTableRef(m.DecommissionedTable):
		return fmt.Errorf("%w: '%s'", ErrMappingTableInvalid, m.DecommissionedTable)
	}
	return nil
}

// validateChecks validates everything except the database connections
func (c *Config) validateChecks() error {
	if err := c.Mappings.validate(); err != nil {
		return err
	}

	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 64 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}
	if c.PageSize < 100 {
		return fmt.Errorf("%w, got %d", ErrPageSizeMinimum, c.PageSize)
	}
	if c.PageSize > 1000000 {
		return fmt.Errorf("%w, got %d", ErrPageSizeMaximum, c.PageSize)
	}

	switch c.LogFormat {
	case "", "text", "logfmt", "json", "color":
	default:
		return fmt.Errorf("%w: '%s'", ErrLogFormatInvalid, c.LogFormat)
	}
	switch c.OutputFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: '%s'", ErrSummaryFormatInvalid, c.OutputFormat)
	}

	return c.Report.validate()
}

func (r ReportConfig) validate() error {
	if r.Dir == "" {
		return ErrReportDirRequired
	}
	if !r.Archive {
		return nil
	}

	if _, err := formatters.GetStreamingFormatter(r.Format, r.Compression); err != nil || r.Format == "" {
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, r.Format)
	}
	if _, err := compressors.GetCompressor(r.Compression); err != nil || r.Compression == "" {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, r.Compression)
	}
	// 0 selects the compressor default; parquet compresses internally and ignores the level
	if r.CompressionLevel != 0 && !formatters.UsesInternalCompression(r.Format) && !isValidCompressionLevel(r.Compression, r.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, r.Compression, r.CompressionLevel)
	}

	if !r.S3.Enabled() {
		if r.S3.Endpoint != "" {
			return ErrS3BucketRequired
		}
		return nil
	}
	if r.S3.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if r.S3.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}
	if r.S3.Region != "" && r.S3.Region != regionAuto && !isValidRegion(r.S3.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, r.S3.Region)
	}
	if r.S3.PathTemplate != "" && !isValidPathTemplate(r.S3.PathTemplate) {
		return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, r.S3.PathTemplate)
	}
	return nil
}
