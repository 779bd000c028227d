package scan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrScanNotFound is returned when a scan id has no history row.
	ErrScanNotFound = errors.New("scan not found")
	// ErrScanRunning is returned when loading the report of an unfinished scan.
	ErrScanRunning = errors.New("scan is still running")
)

// groupBatchSize is the number of digest groups written per SQLite transaction.
const groupBatchSize = 100

// Scan statuses stored in scan_history.
const (
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusIncomplete = "incomplete"
	StatusFailed     = "failed"
)

// ScanSummary is one scan_history row.
type ScanSummary struct {
	ID               int64      `json:"id"`
	RunID            string     `json:"run_id,omitempty"`
	Status           string     `json:"status"`
	TriggeredBy      string     `json:"triggered_by"`
	Roots            []string   `json:"roots"`
	Algorithm        string     `json:"algorithm,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	DurationMS       int64      `json:"duration_ms"`
	FilesDone        int64      `json:"files_done"`
	BytesDone        int64      `json:"bytes_done"`
	TotalFiles       int64      `json:"total_files"`
	Succeeded        int64      `json:"succeeded"`
	Failed           int64      `json:"failed"`
	Skipped          int64      `json:"skipped"`
	Cancelled        int64      `json:"cancelled"`
	TotalBytes       int64      `json:"total_bytes"`
	DuplicateGroups  int64      `json:"duplicate_groups"`
	DuplicateFiles   int64      `json:"duplicate_files"`
	ReclaimableBytes int64      `json:"reclaimable_bytes"`
	Error            string     `json:"error,omitempty"`
}

func insertScanRecord(ctx context.Context, db *sql.DB, startedAt time.Time, triggeredBy string, roots []string) (int64, error) {
	rootsJSON, err := json.Marshal(roots)
	if err != nil {
		return 0, fmt.Errorf("encode roots: %w", err)
	}
	now := startedAt.Unix()
	res, err := db.ExecContext(ctx, `
		INSERT INTO scan_history
			(started_at, status, triggered_by, roots, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		now, StatusRunning, triggeredBy, string(rootsJSON), now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func updateScanProgress(ctx context.Context, db *sql.DB, scanID int64, u Update) error {
	_, err := db.ExecContext(ctx, `
		UPDATE scan_history
		SET files_done = ?, bytes_done = ?
		WHERE id = ?`,
		u.FilesDone, u.BytesDone, scanID)
	return err
}

func failScanRecord(ctx context.Context, db *sql.DB, scanID int64, cause error) error {
	_, err := db.ExecContext(ctx, `
		UPDATE scan_history
		SET status = ?, finished_at = ?, error_message = ?
		WHERE id = ?`,
		StatusFailed, time.Now().Unix(), cause.Error(), scanID)
	return err
}

// Record inserts a history row for a report produced outside the Manager
// (e.g. a one-shot CLI scan) and saves the report under it.
func Record(ctx context.Context, db *sql.DB, triggeredBy string, r *Report) (int64, error) {
	scanID, err := insertScanRecord(ctx, db, r.StartedAt, triggeredBy, r.Roots)
	if err != nil {
		return 0, fmt.Errorf("create scan record: %w", err)
	}
	if err := SaveReport(ctx, db, scanID, r); err != nil {
		// Not ctx: the row must leave the running status even after cancellation.
		if ferr := failScanRecord(context.Background(), db, scanID, err); ferr != nil {
			slog.Error("failed to mark scan as failed", "scan_id", scanID, "error", ferr)
		}
		return scanID, err
	}
	return scanID, nil
}

// SaveReport stores r under an existing scan_history row. Groups go first so
// the row only leaves the running status once everything is readable.
// Per-file records are not persisted.
func SaveReport(ctx context.Context, db *sql.DB, scanID int64, r *Report) error {
	for i := 0; i < len(r.Groups); i += groupBatchSize {
		end := min(i+groupBatchSize, len(r.Groups))
		if err := writeGroupBatch(ctx, db, scanID, i, r.Groups[i:end]); err != nil {
			return err
		}
	}
	return saveSummary(ctx, db, scanID, r)
}

// saveSummary writes totals, error tallies and tag counts in one transaction.
func saveSummary(ctx context.Context, db *sql.DB, scanID int64, r *Report) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rootsJSON, err := json.Marshal(r.Roots)
	if err != nil {
		return fmt.Errorf("encode roots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE scan_history
		SET run_id            = ?,
		    status            = ?,
		    roots             = ?,
		    algorithm         = ?,
		    finished_at       = ?,
		    duration_ms       = ?,
		    files_done        = ?,
		    bytes_done        = ?,
		    total_files       = ?,
		    succeeded         = ?,
		    failed            = ?,
		    skipped           = ?,
		    cancelled         = ?,
		    total_bytes       = ?,
		    sampled_files     = ?,
		    partial_tag_files = ?,
		    duplicate_groups  = ?,
		    duplicate_files   = ?,
		    reclaimable_bytes = ?
		WHERE id = ?`,
		r.RunID, r.Status(), string(rootsJSON), string(r.Algorithm),
		r.FinishedAt.Unix(), r.Duration.Milliseconds(),
		r.TotalFiles+r.Skipped, r.TotalBytes,
		r.TotalFiles, r.Succeeded, r.Failed, r.Skipped, r.Cancelled,
		r.TotalBytes, r.SampledFiles, r.PartialTagFiles,
		len(r.Groups), r.DuplicateFiles(), r.ReclaimableBytes(),
		scanID); err != nil {
		return fmt.Errorf("update scan %d: %w", scanID, err)
	}

	stmtTally, err := tx.PrepareContext(ctx, `
		INSERT INTO scan_errors (scan_id, outcome, kind, count) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert_tally: %w", err)
	}
	defer stmtTally.Close()

	stmtSample, err := tx.PrepareContext(ctx, `
		INSERT INTO error_samples (scan_id, outcome, kind, task_id, path, message)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert_sample: %w", err)
	}
	defer stmtSample.Close()

	for _, set := range []struct {
		outcome Outcome
		tallies map[ErrorKind]ErrorTally
	}{{OutcomeFailure, r.Errors}, {OutcomeSkipped, r.Skips}} {
		for kind, t := range set.tallies {
			if _, err := stmtTally.ExecContext(ctx, scanID, set.outcome.String(), string(kind), t.Count); err != nil {
				return fmt.Errorf("insert tally %s: %w", kind, err)
			}
			for _, s := range t.Samples {
				if _, err := stmtSample.ExecContext(ctx,
					scanID, set.outcome.String(), string(kind), s.TaskID, s.Path, s.Message,
				); err != nil {
					return fmt.Errorf("insert sample %s: %w", s.Path, err)
				}
			}
		}
	}

	stmtTag, err := tx.PrepareContext(ctx, `
		INSERT INTO tag_counts (scan_id, tag, file_count) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert_tag: %w", err)
	}
	defer stmtTag.Close()
	for tag, n := range r.Tags {
		if _, err := stmtTag.ExecContext(ctx, scanID, tag, n); err != nil {
			return fmt.Errorf("insert tag %s: %w", tag, err)
		}
	}

	return tx.Commit()
}

// writeGroupBatch writes a slice of digest groups within a single transaction,
// reusing prepared statements across all groups in the batch. offset is the
// position of batch[0] in the report.
func writeGroupBatch(ctx context.Context, db *sql.DB, scanID int64, offset int, batch []DigestGroup) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmtGroup, err := tx.PrepareContext(ctx, `
		INSERT INTO digest_groups
			(scan_id, position, digest, file_size, file_count, reclaimable_bytes)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert_group: %w", err)
	}
	defer stmtGroup.Close()

	stmtFile, err := tx.PrepareContext(ctx, `
		INSERT INTO group_files (group_id, position, path) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert_file: %w", err)
	}
	defer stmtFile.Close()

	for i, g := range batch {
		res, err := stmtGroup.ExecContext(ctx,
			scanID, offset+i, g.Digest.String(), g.Size, len(g.Paths), g.Reclaimable())
		if err != nil {
			return fmt.Errorf("insert group %s: %w", g.Digest.String()[:8], err)
		}
		groupID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("group id: %w", err)
		}
		for j, p := range g.Paths {
			if _, err := stmtFile.ExecContext(ctx, groupID, j, p); err != nil {
				return fmt.Errorf("insert file %s: %w", p, err)
			}
		}
	}
	return tx.Commit()
}

const summaryColumns = `
	id, COALESCE(run_id, ''), status, triggered_by, roots, algorithm,
	started_at, finished_at, duration_ms, files_done, bytes_done,
	total_files, succeeded, failed, skipped, cancelled, total_bytes,
	duplicate_groups, duplicate_files, reclaimable_bytes,
	COALESCE(error_message, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (ScanSummary, error) {
	var (
		s        ScanSummary
		roots    string
		started  int64
		finished sql.NullInt64
	)
	err := row.Scan(
		&s.ID, &s.RunID, &s.Status, &s.TriggeredBy, &roots, &s.Algorithm,
		&started, &finished, &s.DurationMS, &s.FilesDone, &s.BytesDone,
		&s.TotalFiles, &s.Succeeded, &s.Failed, &s.Skipped, &s.Cancelled, &s.TotalBytes,
		&s.DuplicateGroups, &s.DuplicateFiles, &s.ReclaimableBytes,
		&s.Error,
	)
	if err != nil {
		return ScanSummary{}, err
	}
	if err := json.Unmarshal([]byte(roots), &s.Roots); err != nil {
		return ScanSummary{}, fmt.Errorf("decode roots of scan %d: %w", s.ID, err)
	}
	s.StartedAt = time.Unix(started, 0)
	if finished.Valid {
		t := time.Unix(finished.Int64, 0)
		s.FinishedAt = &t
	}
	return s, nil
}

// GetScan returns one scan_history row.
func GetScan(ctx context.Context, db *sql.DB, scanID int64) (ScanSummary, error) {
	s, err := scanSummary(db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM scan_history WHERE id = ?`, scanID))
	if errors.Is(err, sql.ErrNoRows) {
		return ScanSummary{}, fmt.Errorf("%w: %d", ErrScanNotFound, scanID)
	}
	return s, err
}

// ListScans returns a page of scans, most recent first.
func ListScans(ctx context.Context, db *sql.DB, limit, offset int) ([]ScanSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM scan_history ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	scans := []ScanSummary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// CountScans returns the number of scan_history rows.
func CountScans(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return n, nil
}

// LastFinishedScan returns the most recent scan that is no longer running,
// or ErrScanNotFound when there is none.
func LastFinishedScan(ctx context.Context, db *sql.DB) (ScanSummary, error) {
	s, err := scanSummary(db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM scan_history
		WHERE status IN (?, ?) ORDER BY id DESC LIMIT 1`, StatusCompleted, StatusIncomplete))
	if errors.Is(err, sql.ErrNoRows) {
		return ScanSummary{}, ErrScanNotFound
	}
	return s, err
}

// LoadReport rebuilds the stored report of a finished scan. The result has
// no per-file records.
func LoadReport(ctx context.Context, db *sql.DB, scanID int64) (*Report, error) {
	s, err := GetScan(ctx, db, scanID)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusRunning {
		return nil, fmt.Errorf("%w: %d", ErrScanRunning, scanID)
	}

	r := &Report{
		RunID:      s.RunID,
		Roots:      s.Roots,
		Algorithm:  Algorithm(s.Algorithm),
		StartedAt:  s.StartedAt,
		Duration:   time.Duration(s.DurationMS) * time.Millisecond,
		Incomplete: s.Status == StatusIncomplete,
		TotalFiles: s.TotalFiles,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		Cancelled:  s.Cancelled,
		TotalBytes: s.TotalBytes,
		Errors:     map[ErrorKind]ErrorTally{},
		Skips:      map[ErrorKind]ErrorTally{},
		Tags:       map[string]int64{},
	}
	if s.FinishedAt != nil {
		r.FinishedAt = *s.FinishedAt
	}
	if err := db.QueryRowContext(ctx,
		`SELECT sampled_files, partial_tag_files FROM scan_history WHERE id = ?`, scanID,
	).Scan(&r.SampledFiles, &r.PartialTagFiles); err != nil {
		return nil, fmt.Errorf("load counters of scan %d: %w", scanID, err)
	}

	if r.Groups, err = loadGroups(ctx, db, scanID); err != nil {
		return nil, err
	}
	if err := loadTallies(ctx, db, scanID, r); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT tag, file_count FROM tag_counts WHERE scan_id = ?`, scanID)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		r.Tags[tag] = n
	}
	return r, rows.Err()
}

func loadGroups(ctx context.Context, db *sql.DB, scanID int64) ([]DigestGroup, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT g.id, g.digest, g.file_size, f.path
		FROM digest_groups g
		JOIN group_files f ON f.group_id = g.id
		WHERE g.scan_id = ?
		ORDER BY g.position, f.position`, scanID)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	defer rows.Close()

	groups := []DigestGroup{}
	lastID := int64(-1)
	for rows.Next() {
		var (
			id     int64
			hexSum string
			size   int64
			path   string
		)
		if err := rows.Scan(&id, &hexSum, &size, &path); err != nil {
			return nil, err
		}
		if id != lastID {
			var d Digest
			if err := d.UnmarshalText([]byte(hexSum)); err != nil {
				return nil, err
			}
			groups = append(groups, DigestGroup{Digest: d, Size: size})
			lastID = id
		}
		g := &groups[len(groups)-1]
		g.Paths = append(g.Paths, path)
	}
	return groups, rows.Err()
}

func loadTallies(ctx context.Context, db *sql.DB, scanID int64, r *Report) error {
	rows, err := db.QueryContext(ctx,
		`SELECT outcome, kind, count FROM scan_errors WHERE scan_id = ?`, scanID)
	if err != nil {
		return fmt.Errorf("load tallies: %w", err)
	}
	for rows.Next() {
		var outcome, kind string
		var n int64
		if err := rows.Scan(&outcome, &kind, &n); err != nil {
			rows.Close()
			return err
		}
		target := r.Errors
		if outcome == OutcomeSkipped.String() {
			target = r.Skips
		}
		target[ErrorKind(kind)] = ErrorTally{Count: n}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = db.QueryContext(ctx, `
		SELECT outcome, kind, task_id, path, message
		FROM error_samples WHERE scan_id = ?
		ORDER BY task_id`, scanID)
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome, kind string
		var s ErrorSample
		if err := rows.Scan(&outcome, &kind, &s.TaskID, &s.Path, &s.Message); err != nil {
			return err
		}
		target := r.Errors
		if outcome == OutcomeSkipped.String() {
			target = r.Skips
		}
		t := target[ErrorKind(kind)]
		t.Samples = append(t.Samples, s)
		target[ErrorKind(kind)] = t
	}
	return rows.Err()
}

// PruneHistory deletes finished scans that started before cutoff, together
// with their groups, tallies and tags. Running scans are kept.
func PruneHistory(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM scan_history
		WHERE started_at < ? AND status != ?`,
		cutoff.Unix(), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
