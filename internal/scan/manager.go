package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyRunning is returned when a scan is started while one is in progress.
var ErrAlreadyRunning = errors.New("a scan is already in progress")

// ErrNoActiveScan is returned when cancel is called with no scan running.
var ErrNoActiveScan = errors.New("no scan is currently running")

// Recorder observes scans run by a Manager, e.g. to export metrics.
type Recorder interface {
	ScanStarted()
	// ScanFinished receives the report, or nil and the error when the run
	// could not produce one.
	ScanFinished(*Report, error)
}

// managerProgressInterval throttles scan_history progress writes.
const managerProgressInterval = time.Second

// ActiveScan holds live information about the running scan.
type ActiveScan struct {
	ID          int64
	StartedAt   time.Time
	TriggeredBy string

	progress *atomic.Pointer[Update]
	done     chan struct{}
}

// Progress returns the latest throttled progress update.
func (a *ActiveScan) Progress() Update {
	if u := a.progress.Load(); u != nil {
		return *u
	}
	return Update{}
}

// Done is closed once the scan's report was saved or its failure recorded.
func (a *ActiveScan) Done() <-chan struct{} {
	return a.done
}

// Manager enforces a single-active-scan invariant and exposes start/cancel.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	db       *sql.DB
	opts     Options
	recorder Recorder

	active   *ActiveScan
	cancelFn context.CancelFunc
}

// NewManager creates a Manager that runs scans with opts and stores their
// reports in db. recorder may be nil.
func NewManager(db *sql.DB, opts Options, recorder Recorder) *Manager {
	return &Manager{db: db, opts: opts, recorder: recorder}
}

// UpdateOptions replaces the options used for future scans.
// It does NOT affect a currently running scan.
func (m *Manager) UpdateOptions(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = opts
}

// Start launches an asynchronous scan. Returns an ActiveScan snapshot or
// ErrAlreadyRunning if a scan is already in progress. Invalid options are
// reported here and no history row is created for them.
func (m *Manager) Start(parentCtx context.Context, triggeredBy string) (*ActiveScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}

	var scanID int64
	live := &atomic.Pointer[Update]{}
	opts := m.opts
	opts.ProgressInterval = managerProgressInterval
	opts.Progress = ProgressFunc(func(u Update) {
		live.Store(&u)
		if err := updateScanProgress(context.Background(), m.db, scanID, u); err != nil {
			slog.Warn("progress update failed", "id", scanID, "error", err)
		}
	})
	scanner, err := New(opts)
	if err != nil {
		return nil, err
	}

	// Create the scan_history record NOW so the ID is available immediately
	// in the HTTP response, before the goroutine begins executing.
	startedAt := time.Now()
	scanID, err = insertScanRecord(parentCtx, m.db, startedAt, triggeredBy, scanner.roots)
	if err != nil {
		return nil, fmt.Errorf("create scan record: %w", err)
	}

	scanCtx, cancel := context.WithCancel(parentCtx)
	active := &ActiveScan{
		ID:          scanID,
		StartedAt:   startedAt,
		TriggeredBy: triggeredBy,
		progress:    live,
		done:        make(chan struct{}),
	}
	m.active = active
	m.cancelFn = cancel

	if m.recorder != nil {
		m.recorder.ScanStarted()
	}

	go func() {
		defer close(active.done)
		defer cancel()

		report, err := scanner.Run(scanCtx)
		if err == nil {
			// Background so a cancelled scan still stores its partial report.
			err = SaveReport(context.Background(), m.db, scanID, report)
			if err != nil {
				err = fmt.Errorf("save report: %w", err)
			}
		}
		if err != nil {
			slog.Error("scan run error", "id", scanID, "error", err)
			if ferr := failScanRecord(context.Background(), m.db, scanID, err); ferr != nil {
				slog.Error("record scan failure", "id", scanID, "error", ferr)
			}
			report = nil
		}
		if m.recorder != nil {
			m.recorder.ScanFinished(report, err)
		}

		m.mu.Lock()
		m.active = nil
		m.cancelFn = nil
		m.mu.Unlock()
	}()

	snap := *active
	return &snap, nil
}

// Cancel stops the currently running scan. Returns ErrNoActiveScan if idle.
func (m *Manager) Cancel() (*ActiveScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveScan
	}

	snap := *m.active
	m.cancelFn()
	return &snap, nil
}

// ActiveScan returns a snapshot of the running scan, or nil when idle.
func (m *Manager) ActiveScan() *ActiveScan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := *m.active
	return &snap
}

// MarkStaleScansFailed marks any scan_history rows still in 'running' state
// as 'failed'. This should be called once at startup in case a previous
// server process crashed mid-scan.
func MarkStaleScansFailed(db *sql.DB) error {
	res, err := db.Exec(`
		UPDATE scan_history
		SET status = ?, finished_at = ?, error_message = 'interrupted by restart'
		WHERE status = ?`,
		StatusFailed, time.Now().Unix(), StatusRunning)
	if err != nil {
		return fmt.Errorf("mark stale scans failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale scans as failed", "count", n)
	}
	return nil
}
