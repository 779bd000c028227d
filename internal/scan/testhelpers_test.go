package scan

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	internaldb "github.com/eargollo/sift/internal/db"
)

// mustOpenDB opens a temp file SQLite database with the full schema applied.
func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	dbPath := filepath.Join(tb.TempDir(), "test.db")
	db, err := internaldb.Open(dbPath)
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	if err := internaldb.RunMigrations(db); err != nil {
		db.Close()
		tb.Fatalf("run migrations: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

// writeFile creates path (and its parents) with content.
func writeFile(tb testing.TB, path, content string) {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir %q: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %q: %v", path, err)
	}
}

// skipIfRoot skips permission-based tests; root can read anything.
func skipIfRoot(tb testing.TB) {
	tb.Helper()
	if os.Geteuid() == 0 {
		tb.Skip("running as root: permission bits are not enforced")
	}
}

// runScan builds a Scanner over root with opts and runs it to completion.
func runScan(tb testing.TB, opts Options) *Report {
	tb.Helper()
	s, err := New(opts)
	if err != nil {
		tb.Fatalf("New: %v", err)
	}
	r, err := s.Run(context.Background())
	if err != nil {
		tb.Fatalf("Run: %v", err)
	}
	return r
}

// collectWalk runs a Walker to completion and returns the yielded tasks and
// the results it reported directly.
func collectWalk(tb testing.TB, roots []string, opts WalkOptions) ([]FileTask, []FileResult) {
	tb.Helper()
	out := make(chan FileTask, 16)
	var reported []FileResult
	errc := make(chan error, 1)
	go func() {
		errc <- NewWalker(roots, opts).Walk(context.Background(), out, func(r FileResult) {
			reported = append(reported, r)
		})
	}()
	var tasks []FileTask
	for task := range out {
		tasks = append(tasks, task)
	}
	if err := <-errc; err != nil {
		tb.Fatalf("Walk: %v", err)
	}
	return tasks, reported
}

// createSyntheticTree builds a flat-ish directory tree with numFiles files.
// Every 10th file shares identical content (1 KB), creating a ~10% duplicate
// rate. Returns numFiles.
func createSyntheticTree(tb testing.TB, root string, numFiles int) int {
	tb.Helper()
	for i := 0; i < numFiles; i++ {
		subdir := filepath.Join(root, fmt.Sprintf("dir%03d", i/50))
		if err := os.MkdirAll(subdir, 0o755); err != nil {
			tb.Fatalf("mkdir %q: %v", subdir, err)
		}
		p := filepath.Join(subdir, fmt.Sprintf("file%04d.bin", i))
		// 1 KB content; every 10 files share the same content → duplicates.
		content := fmt.Sprintf("%-1024d", i%10)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			tb.Fatalf("write %q: %v", p, err)
		}
	}
	return numFiles
}
