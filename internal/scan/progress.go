package scan

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultProgressInterval bounds how often a sink is called.
const DefaultProgressInterval = 200 * time.Millisecond

// observationBuffer is the depth of the channel between the Aggregator and
// the Reporter. When it is full, posts are dropped; the next one carries the
// newer cumulative totals anyway.
const observationBuffer = 64

// Update is what a progress sink receives.
type Update struct {
	FilesDone int64         `json:"files_done"`
	BytesDone int64         `json:"bytes_done"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// ProgressSink renders progress. It is called from a single goroutine that is
// never a worker, so a slow sink cannot stall the scan.
type ProgressSink interface {
	Progress(Update)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(Update)

func (f ProgressFunc) Progress(u Update) { f(u) }

// Reporter turns the Aggregator's observations into rate-limited sink calls.
type Reporter struct {
	in      chan Observation
	sink    ProgressSink
	start   time.Time
	limiter rate.Sometimes
	latest  atomic.Pointer[Update]
	done    chan struct{}
	once    sync.Once
}

// NewReporter creates a Reporter; call Run on its own goroutine and Close
// once no more observations will be posted. A nil sink only tracks Latest.
func NewReporter(sink ProgressSink, interval time.Duration, start time.Time) *Reporter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	r := &Reporter{
		in:      make(chan Observation, observationBuffer),
		sink:    sink,
		start:   start,
		limiter: rate.Sometimes{Interval: interval},
		done:    make(chan struct{}),
	}
	r.latest.Store(&Update{})
	return r
}

// Observations is where the Aggregator posts cumulative totals.
func (r *Reporter) Observations() chan<- Observation {
	return r.in
}

// Run forwards observations until Close.
func (r *Reporter) Run() {
	defer close(r.done)
	for obs := range r.in {
		u := Update{FilesDone: obs.FilesDone, BytesDone: obs.BytesDone, Elapsed: time.Since(r.start)}
		r.latest.Store(&u)
		if r.sink != nil {
			r.limiter.Do(func() { r.sink.Progress(u) })
		}
	}
}

// Latest returns the most recent update, rate limit aside.
func (r *Reporter) Latest() Update {
	return *r.latest.Load()
}

// Close stops Run and emits final to the sink exactly once, whether the scan
// completed or was interrupted.
func (r *Reporter) Close(final Update) {
	r.once.Do(func() {
		close(r.in)
		<-r.done
		r.latest.Store(&final)
		if r.sink != nil {
			r.sink.Progress(final)
		}
	})
}
