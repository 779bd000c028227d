package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eargollo/sift/internal/config"
	"github.com/eargollo/sift/internal/db"
	"github.com/eargollo/sift/internal/report"
	"github.com/eargollo/sift/internal/scan"
)

// exitIncomplete is returned when a scan was interrupted, like a shell's
// status for SIGINT.
const exitIncomplete = 130

type scanFlags struct {
	configPath string

	exclude         []string
	followSymlinks  bool
	skipHidden      bool
	maxDepth        int
	maxFiles        int
	minSize         int64
	extensions      []string
	workers         int
	queueSize       int
	digest          string
	sampleThreshold int64
	errorSamples    int
	patterns        []string
	classify        bool

	format     string
	output     string
	noProgress bool
	dbPath     string
	omitFiles  bool
	maxGroups  int
	samples    bool
}

func newScanCommand() *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan [path...]",
		Short: "Scan directory trees once and print a report",
		Long: `Scan walks the given paths (or scan_paths from the config file),
digests every regular file and prints duplicate groups, error tallies and
pattern tag counts. Interrupting the scan prints the partial report and
exits with status 130.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args, &f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "path to config file (flags override its values)")
	fl.StringSliceVarP(&f.exclude, "exclude", "x", nil, "glob patterns to exclude (repeatable)")
	fl.BoolVarP(&f.followSymlinks, "follow-symlinks", "L", false, "follow symbolic links")
	fl.BoolVar(&f.skipHidden, "skip-hidden", false, "skip dot files and directories")
	fl.IntVar(&f.maxDepth, "max-depth", 0, "maximum depth below each root (0 = unlimited)")
	fl.IntVar(&f.maxFiles, "max-files", 0, "stop after this many files (0 = unlimited)")
	fl.Int64Var(&f.minSize, "min-size", 0, "ignore files smaller than this many bytes")
	fl.StringSliceVarP(&f.extensions, "ext", "e", nil, "only scan files with these extensions")
	fl.IntVarP(&f.workers, "workers", "w", 0, "worker pool size (default: number of CPUs)")
	fl.IntVar(&f.queueSize, "queue", 0, "task queue depth (default: 4x workers)")
	fl.StringVarP(&f.digest, "digest", "d", "", "digest algorithm (sha256, sha512, sha1, blake2b-256)")
	fl.Int64Var(&f.sampleThreshold, "sample-threshold", 0, "hash only head, middle and tail of files larger than this")
	fl.IntVar(&f.errorSamples, "error-samples", 0, "error messages kept per kind (default 5)")
	fl.StringArrayVarP(&f.patterns, "pattern", "p", nil, "content regex to tag files with (repeatable)")
	fl.BoolVar(&f.classify, "classify", false, "add type:<category> tags from file extensions")

	fl.StringVarP(&f.format, "format", "f", "text", "report format: text or json")
	fl.StringVarP(&f.output, "output", "o", "", "write the report to this file instead of stdout")
	fl.BoolVar(&f.noProgress, "no-progress", false, "disable the progress line")
	fl.StringVar(&f.dbPath, "db", "", "also store the report in this history database")
	fl.BoolVar(&f.omitFiles, "omit-files", false, "leave per-file records out of the JSON report")
	fl.IntVar(&f.maxGroups, "groups", report.DefaultMaxGroups, "duplicate groups listed in the text report (-1 = all)")
	fl.BoolVar(&f.samples, "samples", false, "list sample error messages in the text report")
	return cmd
}

// scanOptions merges config file values with the flags that were set.
func scanOptions(cmd *cobra.Command, args []string, f *scanFlags) (scan.Options, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return scan.Options{}, err
		}
	}
	if len(args) > 0 {
		cfg.ScanPaths = args
	}
	if len(cfg.ScanPaths) == 0 {
		cfg.ScanPaths = []string{"."}
	}

	changed := cmd.Flags().Changed
	if changed("exclude") {
		cfg.ExcludePatterns = f.exclude
	}
	if changed("follow-symlinks") {
		cfg.FollowSymlinks = f.followSymlinks
	}
	if changed("skip-hidden") {
		cfg.SkipHidden = f.skipHidden
	}
	if changed("max-depth") {
		cfg.MaxDepth = f.maxDepth
	}
	if changed("max-files") {
		cfg.MaxFiles = f.maxFiles
	}
	if changed("min-size") {
		cfg.MinSize = f.minSize
	}
	if changed("ext") {
		cfg.Extensions = f.extensions
	}
	if changed("workers") {
		cfg.Workers = f.workers
		if !changed("queue") {
			cfg.QueueSize = 4 * f.workers
		}
	}
	if changed("queue") {
		cfg.QueueSize = f.queueSize
	}
	if changed("digest") {
		cfg.Digest = f.digest
	}
	if changed("sample-threshold") {
		cfg.SampleThreshold = f.sampleThreshold
	}
	if changed("error-samples") {
		cfg.ErrorSamples = f.errorSamples
	}
	if changed("pattern") {
		cfg.Patterns = append(cfg.Patterns, scan.PatternsFromStrings(f.patterns)...)
	}
	if changed("classify") {
		cfg.ClassifyTypes = f.classify
	}

	opts := cfg.ScanOptions()
	opts.OmitFiles = f.omitFiles
	return opts, nil
}

func runScan(cmd *cobra.Command, args []string, f *scanFlags) error {
	if f.format != "text" && f.format != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", f.format)
	}
	opts, err := scanOptions(cmd, args, f)
	if err != nil {
		return err
	}

	// Take the history lock before scanning so a busy database fails fast.
	if f.dbPath != "" {
		unlock, err := db.Lock(f.dbPath)
		if err != nil {
			return err
		}
		defer unlock()
	}

	var printer *report.Printer
	if !f.noProgress && report.IsTerminal(os.Stderr) {
		printer = report.NewPrinter(cmd.ErrOrStderr())
		opts.Progress = printer
	}

	scanner, err := scan.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rep, err := scanner.Run(ctx)
	if printer != nil {
		printer.Done()
	}
	if err != nil {
		return err
	}

	if err := writeReport(cmd, rep, f); err != nil {
		return err
	}

	if f.dbPath != "" {
		if err := storeReport(f.dbPath, rep); err != nil {
			return err
		}
	}

	if rep.Incomplete {
		return &exitCodeError{code: exitIncomplete}
	}
	return nil
}

func writeReport(cmd *cobra.Command, rep *scan.Report, f *scanFlags) error {
	render := func(w io.Writer) error {
		if f.format == "json" {
			return report.JSON(w, rep, true)
		}
		return report.Text(w, rep, report.TextOptions{
			Color:     f.output == "" && report.IsTerminal(os.Stdout),
			MaxGroups: f.maxGroups,
			Samples:   f.samples,
		})
	}
	if f.output != "" {
		if err := report.WriteFile(f.output, render); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		slog.Info("report written", "path", f.output)
		return nil
	}
	return render(cmd.OutOrStdout())
}

func storeReport(path string, rep *scan.Report) error {
	database, err := db.OpenMigrated(path)
	if err != nil {
		return err
	}
	defer database.Close()

	// Background so an interrupted scan still stores its partial report.
	id, err := scan.Record(context.Background(), database, "cli", rep)
	if err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	slog.Info("report stored", "db", path, "id", id, "status", rep.Status())
	return nil
}
