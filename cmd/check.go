package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/airframesio/data-checker/cmd/report"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/cespare/xxhash/v2"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrMissingRecords means the check ran to completion and found source rows
	// without a destination counterpart
	ErrMissingRecords = errors.New("records are missing from the destination")

	// ErrCheckFailed means at least one mapping could not be checked
	ErrCheckFailed = errors.New("one or more mappings could not be checked")
)

func runCheck(ctx context.Context, config *Config) error {
	initLogger(config.Debug, config.LogFormat)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Data Checker v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	logger.Debug("Configuration validated successfully")

	announceUpdate(ctx, 2*time.Second)

	if err := acquirePIDFile(); err != nil {
		return err
	}
	defer func() {
		_ = RemovePIDFile()
		_ = RemoveTaskFile()
	}()

	runID := uuid.NewString()
	started := time.Now()
	taskInfo := &TaskInfo{
		PID:         os.Getpid(),
		RunID:       runID,
		StartTime:   started,
		CurrentTask: "Connecting to databases",
	}
	_ = WriteTaskInfo(taskInfo)
	logger.Debug(fmt.Sprintf("Run %s", runID))

	poolSize := config.Workers + 2
	sourceDB, err := openDatabase(ctx, "source", config.Source, poolSize, logger)
	if err != nil {
		return err
	}
	defer sourceDB.Close()

	destinationDB, err := openDatabase(ctx, "destination", config.Destination, poolSize, logger)
	if err != nil {
		return err
	}
	defer destinationDB.Close()

	taskInfo.CurrentTask = "Loading mappings"
	_ = WriteTaskInfo(taskInfo)
	mappings, err := loadMappings(ctx, config.Mappings, sourceDB, config.Source, logger)
	if err != nil {
		return err
	}

	if config.DryRun {
		logger.Info("🔍 Dry run: connections and mappings verified, no data was read")
		return printMappings(os.Stdout, mappings, config.OutputFormat)
	}

	source, err := newConnector(sourceDB, reconcile.Source, config.Source, logger)
	if err != nil {
		return err
	}
	destination, err := newConnector(destinationDB, reconcile.Destination, config.Destination, logger)
	if err != nil {
		return err
	}

	var totals map[*reconcile.TableMapping]int64
	if !config.SkipCount {
		taskInfo.CurrentTask = "Counting source rows"
		_ = WriteTaskInfo(taskInfo)
		totals = countSourceRows(ctx, source.Counter(), mappings, config.Workers, logger)
	}

	logFile, err := report.NewLogFile(config.Report.Dir)
	if err != nil {
		return err
	}
	defer logFile.Close()

	counter := &report.Counter{}
	reporters := report.Multi{logFile, counter}

	var archive *report.Archive
	if config.Report.Archive {
		archive, err = openArchive(config, runID)
		if err != nil {
			return err
		}
		reporters = append(reporters, archive)
	}

	runner := &reconcile.Runner{
		Source:      source,
		Destination: destination,
		Reporter:    reporters,
		Workers:     config.Workers,
		Logger:      logger,
		Options: reconcile.Options{
			PageSize:   config.PageSize,
			MaxRetries: uint(max(config.Source.MaxRetries, config.Destination.MaxRetries)),
			RetryDelay: time.Duration(max(config.Source.RetryDelay, config.Destination.RetryDelay)) * time.Second,
		},
	}

	logger.Info(fmt.Sprintf("🔍 Checking %d mapping(s) with %d worker(s), %d rows per chunk", len(mappings), config.Workers, config.PageSize))
	interactive := !config.Debug && (config.LogFormat == "" || config.LogFormat == "text" || config.LogFormat == "color") &&
		isatty.IsTerminal(os.Stdout.Fd())
	var summary *reconcile.Summary
	if interactive {
		summary = runWithProgress(ctx, runner, mappings, totals, taskInfo)
	} else {
		summary = runWithLogs(ctx, runner, mappings, taskInfo)
	}

	for _, r := range summary.Results {
		if r.Failed() || r.HasProblems() {
			_ = logFile.Info(r.Mapping, describeResult(r))
		}
	}

	var archives []string
	if archive != nil {
		// uploads still finish after an interrupt
		archives, err = archive.Close(context.WithoutCancel(ctx))
		if err != nil {
			logger.Error(fmt.Sprintf("❌ Failed to finish archives: %v", err))
		}
	}

	if err := emitSummary(config, buildSummary(runID, started, summary, archives)); err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to write summary: %v", err))
	}

	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("check interrupted: %w", ctx.Err())
	case summary.Failed > 0:
		return fmt.Errorf("%w: %d of %d", ErrCheckFailed, summary.Failed, len(summary.Results))
	case summary.Problems > 0:
		logger.Info(fmt.Sprintf("⚠️  %d missing record(s) logged to %s", counter.Count(), config.Report.Dir))
		return fmt.Errorf("%w: %d record(s)", ErrMissingRecords, summary.Problems)
	}

	logger.Info("")
	logger.Info("✅ Check completed, no missing records")
	return nil
}

func openArchive(config *Config, runID string) (*report.Archive, error) {
	var uploader s3manageriface.UploaderAPI
	if config.Report.S3.Enabled() {
		u, err := newUploader(config.Report.S3)
		if err != nil {
			return nil, err
		}
		uploader = u
	}
	return report.NewArchive(report.ArchiveConfig{
		Dir:              filepath.Join(config.Report.Dir, "archive"),
		Format:           config.Report.Format,
		Compression:      config.Report.Compression,
		CompressionLevel: config.Report.CompressionLevel,
		Bucket:           config.Report.S3.Bucket,
		PathTemplate:     config.Report.S3.PathTemplate,
		RunID:            runID,
	}, uploader, logger)
}

func describeResult(r reconcile.Result) string {
	if r.Failed() {
		return fmt.Sprintf("check failed after %d chunk(s): %v", r.Stats.Chunks, r.Err)
	}
	return fmt.Sprintf("%d of %d source record(s) missing from destination", r.Stats.Missing, r.Stats.SourceRows)
}

func emitSummary(config *Config, s CheckSummary) error {
	if config.OutputFile == "" {
		return writeSummary(os.Stdout, config.OutputFormat, s)
	}
	f, err := os.Create(config.OutputFile)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	if err := writeSummary(f, config.OutputFormat, s); err != nil {
		f.Close()
		return err
	}
	logger.Info(fmt.Sprintf("📄 Summary written to %s", config.OutputFile))
	return f.Close()
}

// rowCountKey identifies a filtered source table in the row count cache
func rowCountKey(m *reconcile.TableMapping) string {
	conditions := reconcile.DecommissionedConditions(m)
	if len(conditions) == 0 {
		return m.Source.String()
	}
	parts := make([]string, len(conditions))
	for i, c := range conditions {
		parts[i] = c.String()
	}
	return fmt.Sprintf("%s#%016x", m.Source.String(), xxhash.Sum64String(strings.Join(parts, ";")))
}

// countSourceRows fetches progress totals, cached for a day. Count failures
// only cost the progress bar.
func countSourceRows(ctx context.Context, counter reconcile.Counter, mappings []*reconcile.TableMapping, workers int, logger *slog.Logger) map[*reconcile.TableMapping]int64 {
	cache, err := loadRowCountCache()
	if err != nil {
		logger.Debug(fmt.Sprintf("Row count cache unavailable: %v", err))
		cache = &RowCountCache{Counts: make(map[string]RowCountEntry)}
	}

	totals := make(map[*reconcile.TableMapping]int64, len(mappings))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, m := range mappings {
		key := rowCountKey(m)
		if n, ok := cache.getCount(key); ok {
			totals[m] = n
			logger.Debug(fmt.Sprintf("%s: %d rows (cached)", m.Source, n))
			continue
		}
		g.Go(func() error {
			n, err := counter.Count(gctx, m.Source, reconcile.DecommissionedConditions(m))
			if err != nil {
				logger.Warn(fmt.Sprintf("⚠️  Failed to count rows of %s: %v", m.Source, err))
				return nil
			}
			cache.setCount(key, n)
			mu.Lock()
			totals[m] = n
			mu.Unlock()
			logger.Debug(fmt.Sprintf("%s: %d rows", m.Source, n))
			return nil
		})
	}
	_ = g.Wait()

	if err := cache.save(); err != nil {
		logger.Debug(fmt.Sprintf("Failed to save row count cache: %v", err))
	}
	return totals
}

// runWithLogs runs the check with plain log output
func runWithLogs(ctx context.Context, runner *reconcile.Runner, mappings []*reconcile.TableMapping, taskInfo *TaskInfo) *reconcile.Summary {
	var mu sync.Mutex
	running := make(map[string]bool)
	update := func() {
		names := make([]string, 0, len(running))
		for n := range running {
			names = append(names, n)
		}
		taskInfo.CurrentMapping = strings.Join(names, ", ")
		taskInfo.TotalMappings = len(mappings)
		if len(mappings) > 0 {
			taskInfo.Progress = float64(taskInfo.CompletedMappings) / float64(len(mappings))
		}
		taskInfo.CurrentTask = fmt.Sprintf("Checking %d/%d mappings", taskInfo.CompletedMappings, len(mappings))
		_ = WriteTaskInfo(taskInfo)
	}

	runner.OnStart = func(m *reconcile.TableMapping) {
		logger.Info(fmt.Sprintf("▶️  Checking %s", m.Name()))
		mu.Lock()
		defer mu.Unlock()
		running[m.Name()] = true
		update()
	}
	runner.OnResult = func(r reconcile.Result) {
		switch {
		case r.Failed():
			// the runner already logged the failure
		case r.HasProblems():
			logger.Warn(fmt.Sprintf("⚠️  %s: %d missing of %d rows", r.Mapping.Name(), r.Stats.Missing, r.Stats.SourceRows))
		default:
			logger.Info(fmt.Sprintf("✅ %s: %d rows verified in %s", r.Mapping.Name(), r.Stats.SourceRows, r.Duration.Round(time.Millisecond)))
		}
		mu.Lock()
		defer mu.Unlock()
		delete(running, r.Mapping.Name())
		taskInfo.CompletedMappings++
		taskInfo.Problems += r.Stats.Missing
		update()
	}
	runner.Options.OnChunk = func(m *reconcile.TableMapping, stats reconcile.Stats) {
		logger.Debug(fmt.Sprintf("  %s: chunk %d, %d source rows, %d destination rows, %d missing",
			m.Name(), stats.Chunks, stats.SourceRows, stats.DestinationRows, stats.Missing))
	}
	return runner.Run(ctx, mappings)
}

// runWithProgress runs the check behind the progress TUI. Engine log records are
// shown in the TUI's log pane instead of the terminal.
func runWithProgress(ctx context.Context, runner *reconcile.Runner, mappings []*reconcile.TableMapping, totals map[*reconcile.TableMapping]int64, taskInfo *TaskInfo) *reconcile.Summary {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(newProgressModel(mappings, totals, cancel, taskInfo), tea.WithoutSignalHandler())
	runner.OnStart, runner.OnResult, runner.Options.OnChunk = progressHooks(program)
	runner.Logger = slog.New(newProgramLogHandler(program, slog.LevelInfo))

	done := make(chan *reconcile.Summary, 1)
	go func() {
		summary := runner.Run(ctx, mappings)
		program.Send(checkDoneMsg{})
		done <- summary
	}()

	if _, err := program.Run(); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Progress display failed: %v", err))
	}
	return <-done
}

// printMappings writes loaded mappings as a table or JSON
func printMappings(w io.Writer, mappings []*reconcile.TableMapping, format string) error {
	if format == "json" {
		return writeJSON(w, mappings)
	}
	for _, m := range mappings {
		fmt.Fprintln(w, titleStyle.Render(m.Name()))
		for _, c := range m.Columns {
			var flags []string
			if c.IsIdentityColumn {
				flags = append(flags, "identity")
			}
			if c.IsOrderByColumn {
				flags = append(flags, "order by")
			}
			if len(c.DecommissionedValues) > 0 {
				flags = append(flags, "decommissioned: "+strings.Join(c.DecommissionedValues, ", "))
			}
			line := fmt.Sprintf("  %s (%s) → %s (%s)", c.SourceColumnName, c.SourceColumnType, c.DestinationColumnName, c.DestinationColumnType)
			if len(flags) > 0 {
				line += "  " + infoStyle.Render("["+strings.Join(flags, "; ")+"]")
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w)
	}
	return nil
}
