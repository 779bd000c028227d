package scan

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultErrorSamples is how many sample messages are kept per error kind.
const DefaultErrorSamples = 5

// Observation is a cumulative progress snapshot posted by the Aggregator.
type Observation struct {
	FilesDone int64
	BytesDone int64
}

type groupMember struct {
	id   uint64
	path string
}

type digestEntry struct {
	size    int64
	members []groupMember
}

type tally struct {
	count   int64
	samples []ErrorSample
}

// RunMeta describes the run a report is finalized for.
type RunMeta struct {
	RunID      string
	Roots      []string
	Algorithm  Algorithm
	StartedAt  time.Time
	Incomplete bool
}

// Aggregator is the single owner of a run's results. Merge may be called from
// any goroutine; each call holds the lock for one result only.
type Aggregator struct {
	samples   int
	keepFiles bool
	observe   chan<- Observation

	mu        sync.Mutex
	finalized bool
	digests   map[Digest]*digestEntry
	errors    map[ErrorKind]*tally
	skips     map[ErrorKind]*tally
	tags      map[string]int64
	files     []FileResult

	succeeded, failed, skipped, cancelled int64
	bytes, sampled, partial               int64
}

// NewAggregator creates an Aggregator keeping at most samples messages per
// error kind. Observations are posted to observe without blocking; a nil
// channel disables them.
func NewAggregator(samples int, keepFiles bool, observe chan<- Observation) *Aggregator {
	if samples < 0 {
		samples = 0
	}
	return &Aggregator{
		samples:   samples,
		keepFiles: keepFiles,
		observe:   observe,
		digests:   make(map[Digest]*digestEntry),
		errors:    make(map[ErrorKind]*tally),
		skips:     make(map[ErrorKind]*tally),
		tags:      make(map[string]int64),
	}
}

// Merge records one result. It has the OutcomeReporter signature so it can
// be handed directly to the walker and the pool.
func (a *Aggregator) Merge(r FileResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		slog.Warn("result dropped after report was finalized", "task_id", r.TaskID, "path", r.Path)
		return
	}

	switch r.Outcome {
	case OutcomeSuccess:
		a.succeeded++
		a.bytes += r.BytesRead
		if r.Sampled {
			a.sampled++
		}
		if r.TagsPartial {
			a.partial++
		}
		for _, t := range r.Tags {
			a.tags[t]++
		}
		e, ok := a.digests[r.Digest]
		if !ok {
			e = &digestEntry{size: r.Size}
			a.digests[r.Digest] = e
		}
		e.members = append(e.members, groupMember{id: r.TaskID, path: r.Path})
	case OutcomeFailure:
		a.failed++
		a.record(a.errors, r)
	case OutcomeSkipped:
		a.skipped++
		a.record(a.skips, r)
	case OutcomeCancelled:
		a.cancelled++
	}

	if a.keepFiles {
		a.files = append(a.files, r)
	}

	if a.observe != nil && r.Outcome != OutcomeCancelled {
		obs := Observation{FilesDone: a.succeeded + a.failed + a.skipped, BytesDone: a.bytes}
		select {
		case a.observe <- obs:
		default:
		}
	}
}

// record counts r under its kind and keeps it as a sample if its task id is
// among the lowest seen so far, so samples do not depend on completion order.
func (a *Aggregator) record(m map[ErrorKind]*tally, r FileResult) {
	t, ok := m[r.Kind]
	if !ok {
		t = &tally{}
		m[r.Kind] = t
	}
	t.count++
	if a.samples == 0 {
		return
	}
	s := ErrorSample{TaskID: r.TaskID, Path: r.Path, Message: r.Message}
	i, _ := slices.BinarySearchFunc(t.samples, s.TaskID, func(e ErrorSample, id uint64) int {
		return cmp.Compare(e.TaskID, id)
	})
	if i >= a.samples {
		return
	}
	t.samples = slices.Insert(t.samples, i, s)
	if len(t.samples) > a.samples {
		t.samples = t.samples[:a.samples]
	}
}

// Snapshot returns the cumulative counters without finalizing.
func (a *Aggregator) Snapshot() Observation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Observation{FilesDone: a.succeeded + a.failed + a.skipped, BytesDone: a.bytes}
}

// Finalize builds the report. A report with cancelled tasks is always
// incomplete. Results merged afterwards are dropped.
func (a *Aggregator) Finalize(meta RunMeta) *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = true

	finished := time.Now()
	r := &Report{
		RunID:           meta.RunID,
		Roots:           meta.Roots,
		Algorithm:       meta.Algorithm,
		StartedAt:       meta.StartedAt,
		FinishedAt:      finished,
		Duration:        finished.Sub(meta.StartedAt),
		Incomplete:      meta.Incomplete || a.cancelled > 0,
		TotalFiles:      a.succeeded + a.failed,
		Succeeded:       a.succeeded,
		Failed:          a.failed,
		Skipped:         a.skipped,
		Cancelled:       a.cancelled,
		TotalBytes:      a.bytes,
		SampledFiles:    a.sampled,
		PartialTagFiles: a.partial,
		Groups:          a.groups(),
		Errors:          flatten(a.errors),
		Skips:           flatten(a.skips),
		Tags:            a.tags,
	}
	if a.keepFiles {
		slices.SortFunc(a.files, func(x, y FileResult) int {
			return cmp.Compare(x.TaskID, y.TaskID)
		})
		r.Files = a.files
	}
	return r
}

func (a *Aggregator) groups() []DigestGroup {
	type ordered struct {
		first uint64
		group DigestGroup
	}
	var tmp []ordered
	for d, e := range a.digests {
		if len(e.members) < 2 {
			continue
		}
		slices.SortFunc(e.members, func(x, y groupMember) int {
			return cmp.Compare(x.id, y.id)
		})
		paths := make([]string, len(e.members))
		for i, m := range e.members {
			paths[i] = m.path
		}
		tmp = append(tmp, ordered{
			first: e.members[0].id,
			group: DigestGroup{Digest: d, Size: e.size, Paths: paths},
		})
	}
	slices.SortFunc(tmp, func(x, y ordered) int {
		return cmp.Compare(x.first, y.first)
	})
	groups := make([]DigestGroup, len(tmp))
	for i, o := range tmp {
		groups[i] = o.group
	}
	return groups
}

func flatten(m map[ErrorKind]*tally) map[ErrorKind]ErrorTally {
	out := make(map[ErrorKind]ErrorTally, len(m))
	for k, t := range m {
		out[k] = ErrorTally{Count: t.count, Samples: t.samples}
	}
	return out
}
