package scan

import "time"

// Report is the terminal artifact of a run. It is created once by the
// Aggregator and read-only afterwards. JSON field names are a stable contract
// for renderers and the HTTP API.
type Report struct {
	RunID      string        `json:"run_id"`
	Roots      []string      `json:"roots"`
	Algorithm  Algorithm     `json:"algorithm"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`

	// Incomplete is set when the run was cancelled. Totals then cover only
	// the tasks that reached a worker.
	Incomplete bool `json:"incomplete"`

	// TotalFiles is always Succeeded + Failed.
	TotalFiles int64 `json:"total_files"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Cancelled  int64 `json:"cancelled"`

	// TotalBytes is the sum of bytes read by successful tasks.
	TotalBytes      int64 `json:"total_bytes"`
	SampledFiles    int64 `json:"sampled_files"`
	PartialTagFiles int64 `json:"partial_tag_files"`

	// Groups holds every digest shared by two or more files, ordered by the
	// task id of each group's first member.
	Groups []DigestGroup `json:"groups"`

	// Errors counts failures by kind; Skips counts skipped entries by kind.
	Errors map[ErrorKind]ErrorTally `json:"errors"`
	Skips  map[ErrorKind]ErrorTally `json:"skips"`

	// Tags counts successful files per tag.
	Tags map[string]int64 `json:"tags"`

	// Files lists every outcome ordered by task id, unless the run was
	// configured to omit them.
	Files []FileResult `json:"files,omitempty"`
}

// DigestGroup is a set of files with bit-identical digests. Paths are ordered
// by discovery.
type DigestGroup struct {
	Digest Digest   `json:"digest"`
	Size   int64    `json:"size"`
	Paths  []string `json:"paths"`
}

// Reclaimable is the space held by all but one copy.
func (g DigestGroup) Reclaimable() int64 {
	if len(g.Paths) < 2 {
		return 0
	}
	return g.Size * int64(len(g.Paths)-1)
}

// ErrorTally counts every occurrence of a kind but keeps only the samples with
// the lowest task ids.
type ErrorTally struct {
	Count   int64         `json:"count"`
	Samples []ErrorSample `json:"samples"`
}

type ErrorSample struct {
	TaskID  uint64 `json:"task_id"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Status is "incomplete" for a cancelled run and "completed" otherwise.
func (r *Report) Status() string {
	if r.Incomplete {
		return "incomplete"
	}
	return "completed"
}

// SuccessRate is the percentage of files that were read successfully.
func (r *Report) SuccessRate() float64 {
	if r.TotalFiles == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(r.TotalFiles) * 100
}

// DuplicateFiles counts the files that belong to a duplicate group.
func (r *Report) DuplicateFiles() int64 {
	var n int64
	for _, g := range r.Groups {
		n += int64(len(g.Paths))
	}
	return n
}

// ReclaimableBytes sums Reclaimable over all groups.
func (r *Report) ReclaimableBytes() int64 {
	var n int64
	for _, g := range r.Groups {
		n += g.Reclaimable()
	}
	return n
}
