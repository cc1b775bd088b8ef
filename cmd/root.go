package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/data-checker/cmd.Version=1.2.3"
	Version = "dev"

	cfgFile string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger = slog.New(newTextOnlyHandler(os.Stdout, nil))
)

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// programLogHandler sends log records to the progress TUI instead of the
// terminal it occupies
type programLogHandler struct {
	program *tea.Program
	level   slog.Leveler
}

func newProgramLogHandler(program *tea.Program, level slog.Leveler) *programLogHandler {
	return &programLogHandler{program: program, level: level}
}

func (h *programLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *programLogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	if r.Level >= slog.LevelWarn {
		msg = fmt.Sprintf("%s %s", r.Level.String(), msg)
	}
	h.program.Send(messageMsg(msg))
	return nil
}

func (h *programLogHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *programLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogHandler builds the handler for a log format
func newLogHandler(w io.Writer, isDebug bool, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		return slog.NewTextHandler(w, opts)
	case "color":
		return tint.NewHandler(w, &tint.Options{
			Level:      opts.Level,
			TimeFormat: time.DateTime,
		})
	default:
		return newTextOnlyHandler(w, opts)
	}
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	logger = slog.New(newLogHandler(os.Stdout, isDebug, format))
}

var rootCmd = &cobra.Command{
	Use:     "data-checker",
	Version: Version,
	Short:   "🔍 Find source records missing from a destination database",
	Long: titleStyle.Render("Data Checker") + `

A CLI tool that reconciles a source database against a destination database.
Source tables are read in ordered chunks and compared with the destination rows
inside each chunk's key range, using the identity columns of a table mapping.
Records missing from the destination are written to per-mapping log files and
can be archived as JSONL/CSV/Parquet, compressed, and uploaded to S3.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that every source record exists in the destination",
	Long: `Check every table mapping and log the source records that have no identity
match in the destination. Exits with status 2 when records are missing.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCheck(cmd.Context(), loadConfig())
	},
}

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "List the table mappings a check would use",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMappings(cmd.Context(), loadConfig())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of a running check",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStatus(cmd.OutOrStdout())
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Print the records of a missing-record archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runInspect(cmd.OutOrStdout(), args[0], limit)
	},
}

// ExecuteContext runs the root command. ctx is cancelled on interrupt.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func addDatabaseFlags(cmd *cobra.Command, side, prefix, defaultDriver string) {
	flags := cmd.Flags()
	flags.String(prefix+"-driver", defaultDriver, side+" database driver (sqlserver, postgres)")
	flags.String(prefix+"-host", "localhost", side+" database host")
	flags.Int(prefix+"-port", 0, side+" database port (0 = driver default)")
	flags.String(prefix+"-user", "", side+" database user")
	flags.String(prefix+"-password", "", side+" database password")
	flags.String(prefix+"-name", "", side+" database name")
	flags.String(prefix+"-sslmode", "disable", side+" SSL mode (disable, require, verify-ca, verify-full)")
	flags.Int(prefix+"-statement-timeout", defaultStatementTimeout, side+" statement timeout in seconds (0 = no timeout)")
	flags.Int(prefix+"-max-retries", 3, "maximum number of retry attempts for failed "+side+" queries")
	flags.Int(prefix+"-retry-delay", 5, "delay in seconds between "+side+" retry attempts")
}

func bindDatabaseFlags(cmd *cobra.Command, key, prefix string) {
	for _, name := range []string{"driver", "host", "port", "user", "password", "name", "sslmode", "statement-timeout", "max-retries", "retry-delay"} {
		_ = viper.BindPFlag(key+"."+strings.ReplaceAll(name, "-", "_"), cmd.Flags().Lookup(prefix+"-"+name))
	}
}

func addMappingFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("mappings-file", "", "YAML file with table mappings (instead of the mapping table)")
	flags.String("mappings-table", "", "source table holding the column mappings (default "+defaultMappingTable+")")
	flags.String("decommissioned-table", "", "source table holding decommissioned values (default "+defaultDecommissionedTable+")")
	flags.StringSlice("only", nil, "check only these tables (table, schema.table or database.schema.table)")
}

func bindMappingFlags(cmd *cobra.Command) {
	_ = viper.BindPFlag("mappings.file", cmd.Flags().Lookup("mappings-file"))
	_ = viper.BindPFlag("mappings.table", cmd.Flags().Lookup("mappings-table"))
	_ = viper.BindPFlag("mappings.decommissioned_table", cmd.Flags().Lookup("decommissioned-table"))
	_ = viper.BindPFlag("mappings.only", cmd.Flags().Lookup("only"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(mappingsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(inspectCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.data-checker.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, color, logfmt, json)")
	rootCmd.PersistentFlags().Bool("dry-run", false, "connect and load mappings without reading any data")
	rootCmd.PersistentFlags().String("output-format", "text", "summary format: text, json")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))
	_ = viper.BindPFlag("output_format", rootCmd.PersistentFlags().Lookup("output-format"))

	addDatabaseFlags(checkCmd, "source", "source", "sqlserver")
	addDatabaseFlags(checkCmd, "destination", "dest", "sqlserver")
	addMappingFlags(checkCmd)
	checkCmd.Flags().Int("workers", 8, "number of mappings checked in parallel")
	checkCmd.Flags().Int("page-size", defaultPageSize, "number of source rows per chunk")
	checkCmd.Flags().Bool("skip-count", false, "skip counting source rows (faster startup, no progress bars)")
	checkCmd.Flags().String("report-dir", "./logs", "directory for missing-record log files")
	checkCmd.Flags().Bool("archive", false, "also write missing records to archive files")
	checkCmd.Flags().String("archive-format", "jsonl", "archive format: jsonl, csv, parquet")
	checkCmd.Flags().String("compression", "zstd", "archive compression: zstd, lz4, gzip, none")
	checkCmd.Flags().Int("compression-level", 0, "compression level (0 = compressor default)")
	checkCmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint URL")
	checkCmd.Flags().String("s3-bucket", "", "S3 bucket for archives (archives stay local when empty)")
	checkCmd.Flags().String("s3-access-key", "", "S3 access key")
	checkCmd.Flags().String("s3-secret-key", "", "S3 secret key")
	checkCmd.Flags().String("s3-region", regionAuto, "S3 region")
	checkCmd.Flags().String("path-template", defaultArchivePathTemplate, "S3 key template with placeholders: {run}, {table}, {YYYY}, {MM}, {DD}, {HH}")
	checkCmd.Flags().String("summary-file", "", "write the summary to this file instead of stdout")

	bindDatabaseFlags(checkCmd, "source", "source")
	bindDatabaseFlags(checkCmd, "destination", "dest")
	bindMappingFlags(checkCmd)
	_ = viper.BindPFlag("workers", checkCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("page_size", checkCmd.Flags().Lookup("page-size"))
	_ = viper.BindPFlag("skip_count", checkCmd.Flags().Lookup("skip-count"))
	_ = viper.BindPFlag("report.dir", checkCmd.Flags().Lookup("report-dir"))
	_ = viper.BindPFlag("report.archive", checkCmd.Flags().Lookup("archive"))
	_ = viper.BindPFlag("report.format", checkCmd.Flags().Lookup("archive-format"))
	_ = viper.BindPFlag("report.compression", checkCmd.Flags().Lookup("compression"))
	_ = viper.BindPFlag("report.compression_level", checkCmd.Flags().Lookup("compression-level"))
	_ = viper.BindPFlag("report.s3.endpoint", checkCmd.Flags().Lookup("s3-endpoint"))
	_ = viper.BindPFlag("report.s3.bucket", checkCmd.Flags().Lookup("s3-bucket"))
	_ = viper.BindPFlag("report.s3.access_key", checkCmd.Flags().Lookup("s3-access-key"))
	_ = viper.BindPFlag("report.s3.secret_key", checkCmd.Flags().Lookup("s3-secret-key"))
	_ = viper.BindPFlag("report.s3.region", checkCmd.Flags().Lookup("s3-region"))
	_ = viper.BindPFlag("report.s3.path_template", checkCmd.Flags().Lookup("path-template"))
	_ = viper.BindPFlag("output_file", checkCmd.Flags().Lookup("summary-file"))

	// mappings shares viper keys with check and the last binding wins, so it
	// rebinds once it is the command being run
	addDatabaseFlags(mappingsCmd, "source", "source", "sqlserver")
	addMappingFlags(mappingsCmd)
	mappingsCmd.PreRun = func(cmd *cobra.Command, _ []string) {
		bindDatabaseFlags(cmd, "source", "source")
		bindMappingFlags(cmd)
	}

	inspectCmd.Flags().Int("limit", 0, "print at most this many records (0 = all)")
}

func initConfig() {
	// .env values never override variables already set
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".data-checker")
	}

	viper.SetEnvPrefix("CHECKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && viper.GetBool("debug") {
		initLogger(true, viper.GetString("log_format"))
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

func loadDatabaseConfig(key string) DatabaseConfig {
	driver := viper.GetString(key + ".driver")
	port := viper.GetInt(key + ".port")
	if port == 0 {
		port = defaultPort(driver)
	}
	return DatabaseConfig{
		Driver:           driver,
		Host:             viper.GetString(key + ".host"),
		Port:             port,
		User:             viper.GetString(key + ".user"),
		Password:         viper.GetString(key + ".password"),
		Name:             viper.GetString(key + ".name"),
		SSLMode:          viper.GetString(key + ".sslmode"),
		StatementTimeout: viper.GetInt(key + ".statement_timeout"),
		MaxRetries:       viper.GetInt(key + ".max_retries"),
		RetryDelay:       viper.GetInt(key + ".retry_delay"),
	}
}

func loadMappingsConfig() MappingsConfig {
	cfg := MappingsConfig{
		File:                viper.GetString("mappings.file"),
		Table:               viper.GetString("mappings.table"),
		DecommissionedTable: viper.GetString("mappings.decommissioned_table"),
		Only:                viper.GetStringSlice("mappings.only"),
	}
	if cfg.File == "" {
		if cfg.Table == "" {
			cfg.Table = defaultMappingTable
		}
		if cfg.DecommissionedTable == "" {
			cfg.DecommissionedTable = defaultDecommissionedTable
		}
	}
	return cfg
}

// loadConfig assembles a Config from flags, environment and the config file
func loadConfig() *Config {
	return &Config{
		Debug:       viper.GetBool("debug"),
		LogFormat:   viper.GetString("log_format"),
		DryRun:      viper.GetBool("dry_run"),
		Workers:     viper.GetInt("workers"),
		PageSize:    viper.GetInt("page_size"),
		SkipCount:   viper.GetBool("skip_count"),
		Source:      loadDatabaseConfig("source"),
		Destination: loadDatabaseConfig("destination"),
		Mappings:    loadMappingsConfig(),
		Report: ReportConfig{
			Dir:              viper.GetString("report.dir"),
			Archive:          viper.GetBool("report.archive"),
			Format:           viper.GetString("report.format"),
			Compression:      viper.GetString("report.compression"),
			CompressionLevel: viper.GetInt("report.compression_level"),
			S3: S3Config{
				Endpoint:     viper.GetString("report.s3.endpoint"),
				Bucket:       viper.GetString("report.s3.bucket"),
				AccessKey:    viper.GetString("report.s3.access_key"),
				SecretKey:    viper.GetString("report.s3.secret_key"),
				Region:       viper.GetString("report.s3.region"),
				PathTemplate: viper.GetString("report.s3.path_template"),
			},
		},
		OutputFormat: viper.GetString("output_format"),
		OutputFile:   viper.GetString("output_file"),
	}
}
