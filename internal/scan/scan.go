package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRoot is returned by New when a root is missing or unusable.
var ErrInvalidRoot = errors.New("invalid scan root")

// Options configures a single run.
type Options struct {
	Roots []string
	Walk  WalkOptions

	// Workers is the pool size; zero means runtime.NumCPU().
	Workers int
	// QueueSize is the depth of the walker-to-pool task buffer.
	QueueSize int

	Patterns      []Pattern
	ClassifyTypes bool
	Digest        DigestOptions

	// ErrorSamples caps sample messages per error kind. Zero means
	// DefaultErrorSamples; negative keeps none.
	ErrorSamples int
	// OmitFiles drops the per-file records from the report.
	OmitFiles bool

	ProgressInterval time.Duration
	Progress         ProgressSink
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	n := runtime.NumCPU()
	return Options{
		Workers:          n,
		QueueSize:        4 * n,
		Digest:           DigestOptions{Algorithm: SHA256},
		ErrorSamples:     DefaultErrorSamples,
		ProgressInterval: DefaultProgressInterval,
	}
}

// Scanner runs the walk, hash, match and aggregate pipeline. A Scanner holds
// only immutable, validated configuration; each Run builds fresh stages.
type Scanner struct {
	opts     Options
	roots    []string
	patterns *PatternSet
	hasher   *Hasher
}

// New validates opts, compiles the pattern set and returns a Scanner. Pattern
// and root problems are reported here, before any traversal.
func New(opts Options) (*Scanner, error) {
	if len(opts.Roots) == 0 {
		return nil, fmt.Errorf("%w: no roots given", ErrInvalidRoot)
	}
	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidRoot, r, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidRoot, r, err)
		}
		roots = append(roots, abs)
	}
	if err := opts.Walk.Validate(); err != nil {
		return nil, err
	}

	patterns, err := CompilePatterns(opts.Patterns, opts.ClassifyTypes)
	if err != nil {
		return nil, err
	}
	hasher, err := NewHasher(opts.Digest)
	if err != nil {
		return nil, fmt.Errorf("digest engine: %w", err)
	}

	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4 * opts.Workers
	}
	switch {
	case opts.ErrorSamples == 0:
		opts.ErrorSamples = DefaultErrorSamples
	case opts.ErrorSamples < 0:
		opts.ErrorSamples = 0
	}

	return &Scanner{opts: opts, roots: roots, patterns: patterns, hasher: hasher}, nil
}

// Run executes one scan. Cancelling ctx stops the walk, lets in-flight files
// finish and returns an incomplete report; it is not an error.
func (s *Scanner) Run(ctx context.Context) (*Report, error) {
	startedAt := time.Now()
	runID := uuid.NewString()
	slog.Info("scan started", "run_id", runID, "roots", s.roots,
		"workers", s.opts.Workers, "algorithm", s.hasher.Algorithm())

	reporter := NewReporter(s.opts.Progress, s.opts.ProgressInterval, startedAt)
	go reporter.Run()

	agg := NewAggregator(s.opts.ErrorSamples, !s.opts.OmitFiles, reporter.Observations())
	tasks := make(chan FileTask, s.opts.QueueSize)

	// The walker only fails on cancellation; the pool never fails.
	var g errgroup.Group
	g.Go(func() error {
		return NewWalker(s.roots, s.opts.Walk).Walk(ctx, tasks, agg.Merge)
	})
	g.Go(func() error {
		NewPool(s.opts.Workers, s.process, agg.Merge).Run(ctx, tasks)
		return nil
	})
	walkErr := g.Wait()

	report := agg.Finalize(RunMeta{
		RunID:      runID,
		Roots:      s.roots,
		Algorithm:  s.hasher.Algorithm(),
		StartedAt:  startedAt,
		Incomplete: walkErr != nil,
	})
	reporter.Close(Update{
		FilesDone: report.TotalFiles + report.Skipped,
		BytesDone: report.TotalBytes,
		Elapsed:   report.Duration,
	})

	slog.Info("scan finished", "run_id", runID, "status", report.Status(),
		"files", report.TotalFiles, "failed", report.Failed,
		"skipped", report.Skipped, "cancelled", report.Cancelled,
		"groups", len(report.Groups), "duration", report.Duration)
	return report, nil
}

// process is the per-file worker step: one read pass feeds the digest and
// the content matcher together.
func (s *Scanner) process(task FileTask) FileResult {
	tags := make(map[string]struct{})
	s.patterns.MatchPath(task.Entry.Path, tags)

	var cm *ContentMatcher
	var sum Sum
	var err error
	if s.patterns.HasContent() {
		cm = s.patterns.NewContentMatcher()
		sum, err = s.hasher.Sum(task.Entry.Path, task.Entry.Size, cm)
	} else {
		sum, err = s.hasher.Sum(task.Entry.Path, task.Entry.Size, nil)
	}
	if err != nil {
		slog.Debug("file failed", "path", task.Entry.Path, "error", err)
		return failureResult(task, KindIO, err)
	}

	var partial bool
	if cm != nil {
		cm.Close()
		cm.Collect(tags)
		partial = cm.Binary() || sum.Sampled
	}
	return FileResult{
		TaskID:      task.ID,
		Path:        task.Entry.Path,
		Size:        task.Entry.Size,
		Outcome:     OutcomeSuccess,
		Digest:      sum.Digest,
		Tags:        sortedTags(tags),
		TagsPartial: partial,
		Sampled:     sum.Sampled,
		BytesRead:   sum.BytesRead,
	}
}
