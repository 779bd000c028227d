package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// TestDirQueueNeverLosesItems pushes 5 000 items, pops all, and verifies the
// exact sequence is returned (compaction must not drop or reorder entries).
func TestDirQueueNeverLosesItems(t *testing.T) {
	const n = 5000
	var q dirQueue

	for i := 0; i < n; i++ {
		q.Push(dirItem{path: fmt.Sprintf("dir%04d", i)})
	}

	var got []string
	for {
		item, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, item.path)
	}

	if len(got) != n {
		t.Fatalf("got %d items, want %d", len(got), n)
	}
	for i, v := range got {
		if want := fmt.Sprintf("dir%04d", i); v != want {
			t.Errorf("item %d: got %q, want %q", i, v, want)
		}
	}
}

// TestDirQueueCompactionBoundsMemory interleaves push/pop batches and verifies
// the backing slice doesn't grow to the total number of historical pushes.
func TestDirQueueCompactionBoundsMemory(t *testing.T) {
	const batchSize = 2000
	const batches = 5 // total pushes = 10 000
	var q dirQueue

	for b := 0; b < batches; b++ {
		for i := 0; i < batchSize; i++ {
			q.Push(dirItem{path: fmt.Sprintf("d%d_%04d", b, i)})
		}
		for i := 0; i < batchSize; i++ {
			if _, ok := q.Pop(); !ok {
				t.Fatal("queue empty unexpectedly during drain")
			}
		}
	}

	if q.Len() != 0 {
		t.Errorf("expected empty queue after full drain, got %d remaining items", q.Len())
	}
	totalPushes := batchSize * batches
	if c := cap(q.items); c >= totalPushes {
		t.Errorf("backing array capacity %d >= total pushes %d: compaction not releasing memory", c, totalPushes)
	}
}

// TestWalkFindsAllFiles creates a tree of 15 files across 3 subdirs and
// verifies Walk returns all of them.
func TestWalkFindsAllFiles(t *testing.T) {
	root := t.TempDir()
	want := map[string]struct{}{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 5; j++ {
			p := filepath.Join(root, fmt.Sprintf("sub%d", i), fmt.Sprintf("file%d.txt", j))
			writeFile(t, p, "hello")
			want[p] = struct{}{}
		}
	}

	tasks, reported := collectWalk(t, []string{root}, WalkOptions{})
	if len(reported) != 0 {
		t.Errorf("unexpected walker outcomes: %+v", reported)
	}

	got := map[string]struct{}{}
	for _, task := range tasks {
		got[task.Entry.Path] = struct{}{}
		if task.Entry.Size != 5 {
			t.Errorf("%s: size %d, want 5", task.Entry.Path, task.Entry.Size)
		}
	}
	for p := range want {
		if _, ok := got[p]; !ok {
			t.Errorf("missing expected file %q", p)
		}
	}
	if len(got) != len(want) {
		t.Errorf("found %d files, want %d", len(got), len(want))
	}
}

// TestWalkTaskIDsAreStable verifies ids increase in send order and that two
// walks over the same tree assign the same id to the same path.
func TestWalkTaskIDsAreStable(t *testing.T) {
	root := t.TempDir()
	createSyntheticTree(t, root, 120)

	first, _ := collectWalk(t, []string{root}, WalkOptions{})
	second, _ := collectWalk(t, []string{root}, WalkOptions{})

	if len(first) != 120 || len(second) != 120 {
		t.Fatalf("got %d and %d tasks, want 120", len(first), len(second))
	}
	for i := range first {
		if i > 0 && first[i].ID <= first[i-1].ID {
			t.Errorf("task ids not increasing at %d: %d after %d", i, first[i].ID, first[i-1].ID)
		}
		if first[i].ID != second[i].ID || first[i].Entry.Path != second[i].Entry.Path {
			t.Errorf("run mismatch at %d: %d %s vs %d %s", i,
				first[i].ID, first[i].Entry.Path, second[i].ID, second[i].Entry.Path)
		}
	}
}

// TestWalkExcludesPatterns checks base-name and relative-path globs.
func TestWalkExcludesPatterns(t *testing.T) {
	root := t.TempDir()
	keep := filepath.Join(root, "keep.txt")
	writeFile(t, keep, "a")
	writeFile(t, filepath.Join(root, "debug.log"), "b")
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "index.js"), "c")
	writeFile(t, filepath.Join(root, "build", "out.txt"), "d")

	tasks, _ := collectWalk(t, []string{root}, WalkOptions{
		ExcludePatterns: []string{"*.log", "node_modules", "build/*"},
	})

	if len(tasks) != 1 || tasks[0].Entry.Path != keep {
		var paths []string
		for _, task := range tasks {
			paths = append(paths, task.Entry.Path)
		}
		t.Errorf("got %v, want only %s", paths, keep)
	}
}

func TestWalkSkipHidden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "visible.txt"), "a")
	writeFile(t, filepath.Join(root, ".hidden.txt"), "b")
	writeFile(t, filepath.Join(root, ".git", "config"), "c")

	all, _ := collectWalk(t, []string{root}, WalkOptions{})
	if len(all) != 3 {
		t.Errorf("without SkipHidden: got %d files, want 3", len(all))
	}
	visible, _ := collectWalk(t, []string{root}, WalkOptions{SkipHidden: true})
	if len(visible) != 1 || filepath.Base(visible[0].Entry.Path) != "visible.txt" {
		t.Errorf("with SkipHidden: got %+v, want only visible.txt", visible)
	}
}

func TestWalkMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "1")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "2")
	writeFile(t, filepath.Join(root, "sub", "deeper", "c.txt"), "3")

	for depth, want := range map[int]int{0: 3, 1: 1, 2: 2, 3: 3} {
		tasks, _ := collectWalk(t, []string{root}, WalkOptions{MaxDepth: depth})
		if len(tasks) != want {
			t.Errorf("MaxDepth %d: got %d files, want %d", depth, len(tasks), want)
		}
	}
}

func TestWalkFilters(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.go"), "package main\n")
	writeFile(t, filepath.Join(root, "README.MD"), "# readme, long enough\n")
	writeFile(t, filepath.Join(root, "tiny.go"), "x")
	writeFile(t, filepath.Join(root, "image.png"), "not really a png but long")

	tasks, _ := collectWalk(t, []string{root}, WalkOptions{
		Extensions: []string{"go", ".md"},
		MinSize:    5,
	})

	var names []string
	for _, task := range tasks {
		names = append(names, filepath.Base(task.Entry.Path))
	}
	sort.Strings(names)
	if fmt.Sprint(names) != "[README.MD main.go]" {
		t.Errorf("got %v, want [README.MD main.go]", names)
	}
}

func TestWalkMaxFiles(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 10; i++ {
		writeFile(t, filepath.Join(root, fmt.Sprintf("f%02d.txt", i)), "x")
	}
	tasks, _ := collectWalk(t, []string{root}, WalkOptions{MaxFiles: 4})
	if len(tasks) != 4 {
		t.Errorf("got %d files, want 4", len(tasks))
	}
}

func TestWalkRootIsFile(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "single.txt")
	writeFile(t, p, "only me")

	tasks, _ := collectWalk(t, []string{p}, WalkOptions{})
	if len(tasks) != 1 || tasks[0].Entry.Path != p {
		t.Errorf("got %+v, want exactly %s", tasks, p)
	}
}

func TestWalkIgnoresSymlinksByDefault(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target.txt")
	writeFile(t, target, "data")
	if err := os.Symlink(target, filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	tasks, _ := collectWalk(t, []string{root}, WalkOptions{})
	if len(tasks) != 1 || tasks[0].Entry.Path != target {
		t.Errorf("got %+v, want only %s", tasks, target)
	}
}

// TestWalkSymlinkCycleTerminates links a subdirectory back to the root. The
// walk must end, visit each file once, and count the loop as a skip.
func TestWalkSymlinkCycleTerminates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "b")
	if err := os.Symlink(root, filepath.Join(root, "sub", "loop")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	done := make(chan struct{})
	var tasks []FileTask
	var reported []FileResult
	go func() {
		defer close(done)
		tasks, reported = collectWalk(t, []string{root}, WalkOptions{FollowSymlinks: true})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("walk did not terminate on a symlink cycle")
	}

	if len(tasks) != 2 {
		t.Errorf("got %d files, want 2", len(tasks))
	}
	if len(reported) != 1 {
		t.Fatalf("got %d walker outcomes, want 1: %+v", len(reported), reported)
	}
	if r := reported[0]; r.Outcome != OutcomeSkipped || r.Kind != KindSymlinkCycle {
		t.Errorf("got outcome %v kind %s, want skipped SymlinkCycle", r.Outcome, r.Kind)
	}
}

// TestWalkHardlinkVisitedOnce checks that a second name for an already
// yielded inode is skipped when identities are tracked.
func TestWalkHardlinkVisitedOnce(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	if err := os.Link(filepath.Join(root, "a.txt"), filepath.Join(root, "b.txt")); err != nil {
		t.Skipf("hardlinks unsupported: %v", err)
	}

	tasks, reported := collectWalk(t, []string{root}, WalkOptions{FollowSymlinks: true})
	if len(tasks) != 1 {
		t.Errorf("got %d files, want 1", len(tasks))
	}
	if len(reported) != 1 {
		t.Fatalf("got %d walker outcomes, want 1: %+v", len(reported), reported)
	}
	r := reported[0]
	if r.Outcome != OutcomeSkipped || r.Kind != KindSymlinkCycle {
		t.Errorf("got outcome %v kind %s, want skipped SymlinkCycle", r.Outcome, r.Kind)
	}
	if r.Message != "file identity already visited" {
		t.Errorf("Message: got %q", r.Message)
	}
}

// TestWalkUnreadableDirectory verifies a listing failure is reported for the
// directory and that siblings are still walked.
func TestWalkUnreadableDirectory(t *testing.T) {
	skipIfRoot(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok", "a.txt"), "a")
	locked := filepath.Join(root, "locked")
	writeFile(t, filepath.Join(locked, "hidden.txt"), "b")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	tasks, reported := collectWalk(t, []string{root}, WalkOptions{})
	if len(tasks) != 1 {
		t.Errorf("got %d files, want 1", len(tasks))
	}
	if len(reported) != 1 {
		t.Fatalf("got %d walker outcomes, want 1: %+v", len(reported), reported)
	}
	if r := reported[0]; r.Outcome != OutcomeFailure || r.Kind != KindTraversal || r.Path != locked {
		t.Errorf("got %+v, want TraversalError failure for %s", r, locked)
	}
}

// TestWalkCancellation verifies Walk stops after ctx is cancelled and hands
// back exactly one abandoned task.
func TestWalkCancellation(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 200; i++ {
		writeFile(t, filepath.Join(root, fmt.Sprintf("f%03d.txt", i)), "data")
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan FileTask)
	var reported []FileResult
	errc := make(chan error, 1)
	go func() {
		errc <- NewWalker([]string{root}, WalkOptions{}).Walk(ctx, out, func(r FileResult) {
			reported = append(reported, r)
		})
	}()

	for i := 0; i < 3; i++ {
		<-out
	}
	cancel()
	received := 3
	for range out {
		received++
	}

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Walk returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Walk did not return after context cancel")
	}
	if received >= 200 {
		t.Errorf("received all %d files despite cancellation", received)
	}
	if len(reported) != 1 || reported[0].Outcome != OutcomeCancelled {
		t.Errorf("got walker outcomes %+v, want one cancelled task", reported)
	}
}

func TestWalkOptionsValidate(t *testing.T) {
	if err := (WalkOptions{ExcludePatterns: []string{"*.tmp"}}).Validate(); err != nil {
		t.Errorf("valid pattern rejected: %v", err)
	}
	err := (WalkOptions{ExcludePatterns: []string{"[unterminated"}}).Validate()
	if !errors.Is(err, ErrBadExclude) {
		t.Errorf("got %v, want ErrBadExclude", err)
	}
	if err := (WalkOptions{MaxDepth: -1}).Validate(); err == nil {
		t.Error("negative depth accepted")
	}
}
