package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrBadExclude is returned when an exclude glob is malformed.
var ErrBadExclude = errors.New("invalid exclude pattern")

// WalkOptions is the traversal policy.
type WalkOptions struct {
	FollowSymlinks bool
	SkipHidden     bool

	// MaxDepth limits how deep the walk descends. Files directly under a root
	// are at depth 1. Zero means unlimited.
	MaxDepth int

	// ExcludePatterns are globs matched against an entry's base name, its
	// slash-separated path relative to the root, and its absolute path.
	ExcludePatterns []string

	// Extensions, when set, restricts yielded files to these extensions
	// (case-insensitive, with or without the leading dot).
	Extensions []string

	// MinSize drops files smaller than this many bytes.
	MinSize int64

	// MaxFiles stops the walk after this many files were yielded. Zero means
	// unlimited.
	MaxFiles int
}

// Validate reports malformed exclude globs before any traversal begins.
func (o WalkOptions) Validate() error {
	for _, p := range o.ExcludePatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("%w %q: %v", ErrBadExclude, p, err)
		}
	}
	if o.MaxDepth < 0 {
		return fmt.Errorf("max depth must not be negative, got %d", o.MaxDepth)
	}
	return nil
}

// dirItem is a directory waiting to be listed.
type dirItem struct {
	path  string
	root  string
	depth int
}

// dirQueue is the FIFO of directories still to be listed. The walker drains
// it from a single goroutine, so discovery order (and with it every task id)
// is the same on every run over an unchanged tree.
type dirQueue struct {
	items []dirItem
	head  int // index of the next item to pop; avoids O(n) re-slicing
}

func (q *dirQueue) Push(d dirItem) {
	q.items = append(q.items, d)
}

// Pop returns the oldest pending directory, or false when none remain.
func (q *dirQueue) Pop() (dirItem, bool) {
	if q.head >= len(q.items) {
		return dirItem{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = dirItem{} // release string references so GC can collect them
	q.head++
	// Compact when we've consumed at least 1 000 items and head has passed
	// the midpoint, keeping the backing array from growing without bound.
	if q.head >= 1000 && q.head >= len(q.items)/2 {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

func (q *dirQueue) Len() int {
	return len(q.items) - q.head
}

// Walker enumerates regular files under a set of roots. A Walker is
// single-use; restart a scan by building a new one over the same roots.
type Walker struct {
	roots      []string
	opts       WalkOptions
	extensions map[string]struct{}

	nextID  uint64
	yielded int
	visited map[fileID]struct{}
}

// NewWalker creates a Walker. Roots should be absolute; relative roots are
// resolved against the working directory.
func NewWalker(roots []string, opts WalkOptions) *Walker {
	w := &Walker{roots: roots, opts: opts}
	if len(opts.Extensions) > 0 {
		w.extensions = make(map[string]struct{}, len(opts.Extensions))
		for _, ext := range opts.Extensions {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			w.extensions[ext] = struct{}{}
		}
	}
	if opts.FollowSymlinks {
		w.visited = make(map[fileID]struct{})
	}
	return w
}

// Walk sends one FileTask per eligible regular file to out and closes out
// when done. Sends block while out is full, which is what bounds memory on
// trees with very many small files. Directory failures, cycle skips and a
// task abandoned on cancellation go to report instead of out.
//
// Walk returns ctx.Err() when it stopped early because of cancellation.
func (w *Walker) Walk(ctx context.Context, out chan<- FileTask, report OutcomeReporter) error {
	defer close(out)

	var q dirQueue
	for _, root := range w.roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.seed(ctx, &q, root, out, report) {
			return ctx.Err()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir, ok := q.Pop()
		if !ok {
			return nil
		}
		if !w.listDir(ctx, &q, dir, out, report) {
			return ctx.Err()
		}
	}
}

// seed queues a root directory, or yields the root itself when it is a file.
// It returns false when the walk must stop.
func (w *Walker) seed(ctx context.Context, q *dirQueue, root string, out chan<- FileTask, report OutcomeReporter) bool {
	abs, err := filepath.Abs(root)
	if err != nil {
		report(w.outcome(root, OutcomeFailure, KindTraversal, err.Error()))
		return true
	}
	info, err := os.Stat(abs)
	if err != nil {
		report(w.outcome(abs, OutcomeFailure, KindTraversal, err.Error()))
		return true
	}
	if w.seen(abs, info) {
		report(w.outcome(abs, OutcomeSkipped, KindSymlinkCycle, "root already visited"))
		return true
	}
	if info.IsDir() {
		q.Push(dirItem{path: abs, root: abs, depth: 0})
		return true
	}
	if !info.Mode().IsRegular() {
		return true
	}
	return w.yield(ctx, out, report, FileEntry{
		Path:  abs,
		Size:  info.Size(),
		MTime: info.ModTime(),
		Type:  EntryRegular,
	})
}

// listDir reads one directory, queues its sub-directories and yields its
// files. It returns false when the walk must stop.
func (w *Walker) listDir(ctx context.Context, q *dirQueue, dir dirItem, out chan<- FileTask, report OutcomeReporter) bool {
	entries, err := os.ReadDir(dir.path)
	if err != nil {
		report(w.outcome(dir.path, OutcomeFailure, KindTraversal, err.Error()))
		return true
	}

	depth := dir.depth + 1
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir.path, name)

		if w.opts.SkipHidden && strings.HasPrefix(name, ".") {
			continue
		}
		if w.excluded(dir.root, path, name) {
			continue
		}

		typ := entry.Type()
		switch {
		case typ.IsDir():
			if !w.descend(depth) {
				continue
			}
			if w.visited != nil {
				info, err := entry.Info()
				if err != nil {
					report(w.outcome(path, OutcomeFailure, KindTraversal, err.Error()))
					continue
				}
				if w.seen(path, info) {
					report(w.outcome(path, OutcomeSkipped, KindSymlinkCycle, "directory already visited"))
					continue
				}
			}
			q.Push(dirItem{path: path, root: dir.root, depth: depth})

		case typ&fs.ModeSymlink != 0:
			if !w.opts.FollowSymlinks {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				report(w.outcome(path, OutcomeFailure, KindIO, err.Error()))
				continue
			}
			if info.IsDir() && !w.descend(depth) {
				continue
			}
			if !info.IsDir() && !info.Mode().IsRegular() {
				continue
			}
			if w.seen(path, info) {
				report(w.outcome(path, OutcomeSkipped, KindSymlinkCycle, "symlink target already visited"))
				continue
			}
			if info.IsDir() {
				q.Push(dirItem{path: path, root: dir.root, depth: depth})
				continue
			}
			if !w.eligible(path, info.Size()) {
				continue
			}
			if !w.yield(ctx, out, report, FileEntry{Path: path, Size: info.Size(), MTime: info.ModTime(), Type: EntrySymlink}) {
				return false
			}

		case typ.IsRegular():
			info, err := entry.Info()
			if err != nil {
				report(w.outcome(path, OutcomeFailure, KindIO, err.Error()))
				continue
			}
			if !w.eligible(path, info.Size()) {
				continue
			}
			if w.seen(path, info) {
				report(w.outcome(path, OutcomeSkipped, KindSymlinkCycle, "file identity already visited"))
				continue
			}
			if !w.yield(ctx, out, report, FileEntry{Path: path, Size: info.Size(), MTime: info.ModTime(), Type: EntryRegular}) {
				return false
			}
		}
	}
	return true
}

// descend reports whether a directory at depth may be listed: its files would
// sit at depth+1.
func (w *Walker) descend(depth int) bool {
	return w.opts.MaxDepth == 0 || depth < w.opts.MaxDepth
}

func (w *Walker) excluded(root, path, name string) bool {
	if len(w.opts.ExcludePatterns) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = name
	}
	rel = filepath.ToSlash(rel)
	for _, p := range w.opts.ExcludePatterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
	}
	return false
}

func (w *Walker) eligible(path string, size int64) bool {
	if size < w.opts.MinSize {
		return false
	}
	if w.extensions != nil {
		if _, ok := w.extensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return false
		}
	}
	return true
}

// seen records the resolved identity of info and reports whether it was
// already recorded. Identities are only tracked when following symlinks.
func (w *Walker) seen(path string, info fs.FileInfo) bool {
	if w.visited == nil {
		return false
	}
	id := identityOf(path, info)
	if _, ok := w.visited[id]; ok {
		return true
	}
	w.visited[id] = struct{}{}
	return false
}

// yield assigns the next task id and hands the task to the pool. It returns
// false when the walk must stop: cancellation or the MaxFiles cap.
func (w *Walker) yield(ctx context.Context, out chan<- FileTask, report OutcomeReporter, entry FileEntry) bool {
	w.nextID++
	task := FileTask{ID: w.nextID, Entry: entry}
	if ctx.Err() != nil {
		report(cancelledResult(task))
		return false
	}
	select {
	case out <- task:
	case <-ctx.Done():
		report(cancelledResult(task))
		return false
	}
	w.yielded++
	return w.opts.MaxFiles == 0 || w.yielded < w.opts.MaxFiles
}

// outcome builds a walker-level result. It consumes a task id so that every
// outcome in the report has a stable position.
func (w *Walker) outcome(path string, o Outcome, kind ErrorKind, msg string) FileResult {
	w.nextID++
	return FileResult{
		TaskID:  w.nextID,
		Path:    path,
		Outcome: o,
		Kind:    kind,
		Message: msg,
	}
}
