package scan

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func sampleReport() *Report {
	started := time.Unix(1_700_000_000, 0)
	return &Report{
		RunID:      "run-1",
		Roots:      []string{"/vol1", "/vol2"},
		Algorithm:  SHA256,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Duration:   1500 * time.Millisecond,
		TotalFiles: 12,
		Succeeded:  10,
		Failed:     2,
		Skipped:    1,
		TotalBytes: 4096,
		Groups: []DigestGroup{
			{Digest: Digest("\x01\x02\x03\x04\x05\x06\x07\x08"), Size: 100, Paths: []string{"/vol1/a", "/vol2/a"}},
			{Digest: Digest("\x09\x09\x09\x09\x09\x09\x09\x09"), Size: 50, Paths: []string{"/vol1/x", "/vol1/y", "/vol1/z"}},
		},
		Errors: map[ErrorKind]ErrorTally{
			KindIO: {Count: 2, Samples: []ErrorSample{
				{TaskID: 3, Path: "/vol1/locked", Message: "permission denied"},
				{TaskID: 8, Path: "/vol2/locked", Message: "permission denied"},
			}},
		},
		Skips: map[ErrorKind]ErrorTally{
			KindSymlinkCycle: {Count: 1, Samples: []ErrorSample{{TaskID: 5, Path: "/vol1/loop", Message: "directory already visited"}}},
		},
		Tags: map[string]int64{"TODO": 4, "type:source": 9},
	}
}

// TestRecordAndLoadReport writes a report and reads it back by id.
func TestRecordAndLoadReport(t *testing.T) {
	db := mustOpenDB(t)
	ctx := context.Background()
	want := sampleReport()

	id, err := Record(ctx, db, "cli", want)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := LoadReport(ctx, db, id)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}

	if got.RunID != want.RunID || got.Algorithm != want.Algorithm {
		t.Errorf("identity: got %q/%q, want %q/%q", got.RunID, got.Algorithm, want.RunID, want.Algorithm)
	}
	if got.Duration != want.Duration {
		t.Errorf("Duration: got %v, want %v", got.Duration, want.Duration)
	}
	if got.TotalFiles != 12 || got.Succeeded != 10 || got.Failed != 2 || got.Skipped != 1 {
		t.Errorf("totals: got %d/%d/%d/%d", got.TotalFiles, got.Succeeded, got.Failed, got.Skipped)
	}
	if len(got.Groups) != 2 {
		t.Fatalf("Groups: got %d, want 2", len(got.Groups))
	}
	for i := range want.Groups {
		if got.Groups[i].Digest != want.Groups[i].Digest {
			t.Errorf("group %d digest: got %s, want %s", i, got.Groups[i].Digest, want.Groups[i].Digest)
		}
		if fmt.Sprint(got.Groups[i].Paths) != fmt.Sprint(want.Groups[i].Paths) {
			t.Errorf("group %d paths: got %v, want %v", i, got.Groups[i].Paths, want.Groups[i].Paths)
		}
	}
	if io := got.Errors[KindIO]; io.Count != 2 || len(io.Samples) != 2 || io.Samples[0].TaskID != 3 {
		t.Errorf("IoError tally: got %+v", io)
	}
	if cyc := got.Skips[KindSymlinkCycle]; cyc.Count != 1 || len(cyc.Samples) != 1 {
		t.Errorf("SymlinkCycle tally: got %+v", cyc)
	}
	if got.Tags["TODO"] != 4 || got.Tags["type:source"] != 9 {
		t.Errorf("Tags: got %v", got.Tags)
	}

	s, err := GetScan(ctx, db, id)
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if s.Status != StatusCompleted || s.DuplicateGroups != 2 || s.DuplicateFiles != 5 {
		t.Errorf("summary: got status=%s groups=%d files=%d", s.Status, s.DuplicateGroups, s.DuplicateFiles)
	}
	if s.ReclaimableBytes != 100+2*50 {
		t.Errorf("ReclaimableBytes: got %d, want 200", s.ReclaimableBytes)
	}
	if fmt.Sprint(s.Roots) != "[/vol1 /vol2]" {
		t.Errorf("Roots: got %v", s.Roots)
	}
}

// TestSaveReportBatchesGroups writes more groups than fit in one batch and
// verifies order survives the round trip.
func TestSaveReportBatchesGroups(t *testing.T) {
	db := mustOpenDB(t)
	ctx := context.Background()

	r := sampleReport()
	r.Groups = nil
	const numGroups = groupBatchSize*2 + 7
	for i := 0; i < numGroups; i++ {
		r.Groups = append(r.Groups, DigestGroup{
			Digest: Digest(fmt.Sprintf("digest%04d", i)),
			Size:   int64(i + 1),
			Paths:  []string{fmt.Sprintf("/a/%d", i), fmt.Sprintf("/b/%d", i)},
		})
	}

	id, err := Record(ctx, db, "cli", r)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := LoadReport(ctx, db, id)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if len(got.Groups) != numGroups {
		t.Fatalf("Groups: got %d, want %d", len(got.Groups), numGroups)
	}
	for i, g := range got.Groups {
		if g.Size != int64(i+1) {
			t.Fatalf("group %d out of order: size %d", i, g.Size)
		}
	}
}

// TestRecordSaveFailureMarksScanFailed breaks the tag_counts table so the
// summary write fails; the history row must not stay in running status.
func TestRecordSaveFailureMarksScanFailed(t *testing.T) {
	db := mustOpenDB(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `DROP TABLE tag_counts`); err != nil {
		t.Fatalf("drop tag_counts: %v", err)
	}

	id, err := Record(ctx, db, "cli", sampleReport())
	if err == nil {
		t.Fatal("Record: expected error")
	}
	got, err := GetScan(ctx, db, id)
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status: got %q, want %q", got.Status, StatusFailed)
	}
	if got.Error == "" {
		t.Error("Error: want the save failure message")
	}
}

func TestIncompleteReportStatus(t *testing.T) {
	db := mustOpenDB(t)
	r := sampleReport()
	r.Incomplete = true
	r.Cancelled = 3

	id, err := Record(context.Background(), db, "cli", r)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := LoadReport(context.Background(), db, id)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if !got.Incomplete || got.Cancelled != 3 {
		t.Errorf("got incomplete=%v cancelled=%d", got.Incomplete, got.Cancelled)
	}
}

func TestLoadReportErrors(t *testing.T) {
	db := mustOpenDB(t)
	ctx := context.Background()

	if _, err := LoadReport(ctx, db, 42); !errors.Is(err, ErrScanNotFound) {
		t.Errorf("missing scan: got %v, want ErrScanNotFound", err)
	}

	id, err := insertScanRecord(ctx, db, time.Now(), "manual", []string{"/x"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := LoadReport(ctx, db, id); !errors.Is(err, ErrScanRunning) {
		t.Errorf("running scan: got %v, want ErrScanRunning", err)
	}
	if _, err := LastFinishedScan(ctx, db); !errors.Is(err, ErrScanNotFound) {
		t.Errorf("LastFinishedScan: got %v, want ErrScanNotFound", err)
	}
}

func TestListScansNewestFirst(t *testing.T) {
	db := mustOpenDB(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := Record(ctx, db, fmt.Sprintf("t%d", i), sampleReport()); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	scans, err := ListScans(ctx, db, 2, 0)
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(scans) != 2 {
		t.Fatalf("got %d scans, want 2", len(scans))
	}
	if scans[0].TriggeredBy != "t2" || scans[1].TriggeredBy != "t1" {
		t.Errorf("order: got %s, %s", scans[0].TriggeredBy, scans[1].TriggeredBy)
	}
	if scans[0].FinishedAt == nil {
		t.Error("FinishedAt not set for a saved report")
	}

	page, err := ListScans(ctx, db, 2, 2)
	if err != nil {
		t.Fatalf("ListScans page 2: %v", err)
	}
	if len(page) != 1 || page[0].TriggeredBy != "t0" {
		t.Errorf("page 2: got %+v", page)
	}
	if n, err := CountScans(ctx, db); err != nil || n != 3 {
		t.Errorf("CountScans: got %d, %v", n, err)
	}
	last, err := LastFinishedScan(ctx, db)
	if err != nil {
		t.Fatalf("LastFinishedScan: %v", err)
	}
	if last.TriggeredBy != "t2" {
		t.Errorf("LastFinishedScan: got %s", last.TriggeredBy)
	}
}

// TestPruneHistoryCascades deletes an old scan and checks its dependent rows
// go with it while a newer scan is untouched.
func TestPruneHistoryCascades(t *testing.T) {
	db := mustOpenDB(t)
	ctx := context.Background()

	old := sampleReport()
	oldID, err := Record(ctx, db, "cron", old)
	if err != nil {
		t.Fatalf("Record old: %v", err)
	}
	fresh := sampleReport()
	fresh.StartedAt = time.Now()
	if _, err := Record(ctx, db, "cron", fresh); err != nil {
		t.Fatalf("Record fresh: %v", err)
	}

	n, err := PruneHistory(ctx, db, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d scans, want 1", n)
	}

	for _, q := range []string{
		`SELECT COUNT(*) FROM digest_groups WHERE scan_id = ?`,
		`SELECT COUNT(*) FROM scan_errors WHERE scan_id = ?`,
		`SELECT COUNT(*) FROM error_samples WHERE scan_id = ?`,
		`SELECT COUNT(*) FROM tag_counts WHERE scan_id = ?`,
	} {
		var c int
		if err := db.QueryRow(q, oldID).Scan(&c); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		if c != 0 {
			t.Errorf("%s: got %d rows after prune", q, c)
		}
	}
	var files int
	if err := db.QueryRow(`SELECT COUNT(*) FROM group_files`).Scan(&files); err != nil {
		t.Fatal(err)
	}
	if files != 5 {
		t.Errorf("group_files: got %d, want 5 (fresh scan only)", files)
	}
}

// TestRecordRealScan stores the output of an actual run.
func TestRecordRealScan(t *testing.T) {
	db := mustOpenDB(t)
	root := t.TempDir()
	createSyntheticTree(t, root, 50)

	opts := DefaultOptions()
	opts.Roots = []string{root}
	rep := runScan(t, opts)

	id, err := Record(context.Background(), db, "manual", rep)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := LoadReport(context.Background(), db, id)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if len(got.Groups) != len(rep.Groups) {
		t.Errorf("Groups: got %d, want %d", len(got.Groups), len(rep.Groups))
	}
	if got.TotalFiles != 50 {
		t.Errorf("TotalFiles: got %d, want 50", got.TotalFiles)
	}
}
