package scan

import (
	"encoding/hex"
	"fmt"
	"time"
)

// EntryType records how the walker reached a file.
type EntryType uint8

const (
	EntryRegular EntryType = iota
	EntrySymlink
)

func (t EntryType) String() string {
	if t == EntrySymlink {
		return "symlink"
	}
	return "regular"
}

// FileEntry is a regular file discovered by the walker. It is never mutated
// after creation.
type FileEntry struct {
	Path  string
	Size  int64
	MTime time.Time
	Type  EntryType
}

// FileTask is one unit of scan work. IDs increase monotonically in discovery
// order and are the stable key used to order the final report.
type FileTask struct {
	ID    uint64
	Entry FileEntry
}

// ErrorKind buckets non-successful outcomes.
type ErrorKind string

const (
	KindIO             ErrorKind = "IoError"
	KindTraversal      ErrorKind = "TraversalError"
	KindPatternCompile ErrorKind = "PatternCompileError"
	KindSymlinkCycle   ErrorKind = "SymlinkCycle"
	KindCancelled      ErrorKind = "Cancelled"
	KindPanic          ErrorKind = "WorkerPanic"
)

// Outcome is the report bucket a task lands in. Every task lands in exactly one.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeSkipped
	OutcomeCancelled
)

var outcomeNames = [...]string{"success", "failure", "skipped", "cancelled"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// MarshalText renders the outcome by name in JSON reports.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for i, name := range outcomeNames {
		if name == string(b) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}

// Digest is the raw bytes of a content fingerprint. It is a string so it can
// key maps directly; use String for the hex form.
type Digest string

func (d Digest) String() string {
	return hex.EncodeToString([]byte(d))
}

// MarshalText renders the digest as lower-case hex.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a hex digest.
func (d *Digest) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("decode digest: %w", err)
	}
	*d = Digest(raw)
	return nil
}

// FileResult is the outcome of one task. Digest, Tags and BytesRead are only
// meaningful for OutcomeSuccess; Kind and Message for everything else.
type FileResult struct {
	TaskID      uint64    `json:"task_id"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Outcome     Outcome   `json:"outcome"`
	Digest      Digest    `json:"digest,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	TagsPartial bool      `json:"tags_partial,omitempty"`
	Sampled     bool      `json:"sampled,omitempty"`
	BytesRead   int64     `json:"bytes_read"`
	Kind        ErrorKind `json:"kind,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// OutcomeReporter receives results produced outside the worker pool: walker
// failures, cycle skips and tasks abandoned on cancellation.
type OutcomeReporter func(FileResult)

func failureResult(task FileTask, kind ErrorKind, err error) FileResult {
	return FileResult{
		TaskID:  task.ID,
		Path:    task.Entry.Path,
		Size:    task.Entry.Size,
		Outcome: OutcomeFailure,
		Kind:    kind,
		Message: err.Error(),
	}
}

func cancelledResult(task FileTask) FileResult {
	return FileResult{
		TaskID:  task.ID,
		Path:    task.Entry.Path,
		Size:    task.Entry.Size,
		Outcome: OutcomeCancelled,
		Kind:    KindCancelled,
		Message: "scan cancelled before the file was processed",
	}
}
