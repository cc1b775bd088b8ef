package cmd

import (
	"errors"
	"testing"
)

func validConfig() *Config {
	db := DatabaseConfig{
		Driver:           "sqlserver",
		Host:             "localhost",
		Port:             1433,
		User:             "checker",
		Password:         "secret",
		Name:             "Warehouse",
		StatementTimeout: 1200,
		MaxRetries:       3,
		RetryDelay:       5,
	}
	dest := db
	dest.Driver = "postgres"
	dest.Port = 5432
	dest.Name = "warehouse"

	return &Config{
		LogFormat:   "text",
		Workers:     8,
		PageSize:    defaultPageSize,
		Source:      db,
		Destination: dest,
		Mappings: MappingsConfig{
			Table:               defaultMappingTable,
			DecommissionedTable: defaultDecommissionedTable,
		},
		Report: ReportConfig{
			Dir:         "./logs",
			Format:      "jsonl",
			Compression: "zstd",
		},
		OutputFormat: "text",
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{name: "ValidConfig", mutate: func(*Config) {}},
		{name: "InvalidDriver", mutate: func(c *Config) { c.Source.Driver = "oracle" }, wantErr: ErrDatabaseDriverInvalid},
		{name: "MissingHost", mutate: func(c *Config) { c.Destination.Host = "" }, wantErr: ErrDatabaseHostRequired},
		{name: "MissingUser", mutate: func(c *Config) { c.Source.User = "" }, wantErr: ErrDatabaseUserRequired},
		{name: "MissingName", mutate: func(c *Config) { c.Destination.Name = "" }, wantErr: ErrDatabaseNameRequired},
		{name: "PortTooHigh", mutate: func(c *Config) { c.Source.Port = 70000 }, wantErr: ErrDatabasePortInvalid},
		{name: "NegativeStatementTimeout", mutate: func(c *Config) { c.Source.StatementTimeout = -1 }, wantErr: ErrStatementTimeoutInvalid},
		{name: "NegativeRetries", mutate: func(c *Config) { c.Destination.MaxRetries = -1 }, wantErr: ErrMaxRetriesInvalid},
		{name: "NegativeRetryDelay", mutate: func(c *Config) { c.Destination.RetryDelay = -1 }, wantErr: ErrRetryDelayInvalid},
		{name: "NoMappings", mutate: func(c *Config) { c.Mappings = MappingsConfig{} }, wantErr: ErrMappingsRequired},
		{name: "FileAndTable", mutate: func(c *Config) { c.Mappings.File = "mappings.yaml" }, wantErr: ErrMappingsAmbiguous},
		{name: "MappingFileOnly", mutate: func(c *Config) { c.Mappings = MappingsConfig{File: "mappings.yaml"} }},
		{name: "BadMappingTable", mutate: func(c *Config) { c.Mappings.Table = "Table_Mapping" }, wantErr: ErrMappingTableInvalid},
		{name: "BadDecommissionedTable", mutate: func(c *Config) { c.Mappings.DecommissionedTable = "a..b" }, wantErr: ErrMappingTableInvalid},
		{name: "ZeroWorkers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: ErrWorkersMinimum},
		{name: "TooManyWorkers", mutate: func(c *Config) { c.Workers = 65 }, wantErr: ErrWorkersMaximum},
		{name: "PageSizeTooSmall", mutate: func(c *Config) { c.PageSize = 10 }, wantErr: ErrPageSizeMinimum},
		{name: "PageSizeTooLarge", mutate: func(c *Config) { c.PageSize = 2000000 }, wantErr: ErrPageSizeMaximum},
		{name: "BadLogFormat", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: ErrLogFormatInvalid},
		{name: "ColorLogFormat", mutate: func(c *Config) { c.LogFormat = "color" }},
		{name: "BadSummaryFormat", mutate: func(c *Config) { c.OutputFormat = "yaml" }, wantErr: ErrSummaryFormatInvalid},
		{name: "MissingReportDir", mutate: func(c *Config) { c.Report.Dir = "" }, wantErr: ErrReportDirRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("valid config should not return error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReportConfigValidation(t *testing.T) {
	s3 := S3Config{
		Bucket:    "checks",
		AccessKey: "access",
		SecretKey: "secret",
		Region:    "us-east-1",
	}

	tests := []struct {
		name    string
		report  ReportConfig
		wantErr error
	}{
		{name: "LogFilesOnly", report: ReportConfig{Dir: "logs", Format: "bogus"}},
		{name: "LocalArchive", report: ReportConfig{Dir: "logs", Archive: true, Format: "csv", Compression: "gzip"}},
		{name: "BadFormat", report: ReportConfig{Dir: "logs", Archive: true, Format: "xml", Compression: "gzip"}, wantErr: ErrOutputFormatInvalid},
		{name: "BadCompression", report: ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "brotli"}, wantErr: ErrCompressionInvalid},
		{name: "DefaultLevel", report: ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "zstd", CompressionLevel: 0}},
		{name: "ZstdLevel", report: ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "zstd", CompressionLevel: 19}},
		{name: "GzipLevelTooHigh", report: ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "gzip", CompressionLevel: 12}, wantErr: ErrCompressionLevelInvalid},
		{name: "ParquetIgnoresLevel", report: ReportConfig{Dir: "logs", Archive: true, Format: "parquet", Compression: "gzip", CompressionLevel: 40}},
		{name: "EndpointWithoutBucket", report: ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "zstd", S3: S3Config{Endpoint: "http://minio:9000"}}, wantErr: ErrS3BucketRequired},
		{name: "S3Upload", report: ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "zstd", S3: s3}},
		{
			name:    "S3MissingAccessKey",
			report:  ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "zstd", S3: S3Config{Bucket: "checks", SecretKey: "secret"}},
			wantErr: ErrS3AccessKeyRequired,
		},
		{
			name:    "S3MissingSecretKey",
			report:  ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "zstd", S3: S3Config{Bucket: "checks", AccessKey: "access"}},
			wantErr: ErrS3SecretKeyRequired,
		},
		{
			name:    "S3BadRegion",
			report:  ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "zstd", S3: S3Config{Bucket: "checks", AccessKey: "a", SecretKey: "s", Region: "us east"}},
			wantErr: ErrS3RegionInvalid,
		},
		{
			name:    "S3BadPathTemplate",
			report:  ReportConfig{Dir: "logs", Archive: true, Format: "jsonl", Compression: "zstd", S3: S3Config{Bucket: "checks", AccessKey: "a", SecretKey: "s", PathTemplate: "checks/{run}"}},
			wantErr: ErrPathTemplateInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.report.validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTableRefValidation(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"DataChecker.Table_Mapping", true},
		{"Warehouse.DataChecker.Table_Mapping", true},
		{"Table_Mapping", false},
		{"a.b.c.d", false},
		{"schema.", false},
		{".table", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidTableRef(tt.name); got != tt.valid {
				t.Errorf("isValidTableRef(%q) = %v, want %v", tt.name, got, tt.valid)
			}
		})
	}
}

func TestRegionValidation(t *testing.T) {
	tests := []struct {
		region string
		valid  bool
	}{
		{"us-east-1", true},
		{"eu_central_1", true},
		{"", false},
		{"us east 1", false},
		{"region/../etc", false},
	}

	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			if got := isValidRegion(tt.region); got != tt.valid {
				t.Errorf("isValidRegion(%q) = %v, want %v", tt.region, got, tt.valid)
			}
		})
	}
}
