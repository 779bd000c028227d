package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names used by the server.
const (
	JobScan  = "scan"
	JobPrune = "prune"
)

type job struct {
	id   cron.EntryID
	expr string
}

// Scheduler wraps robfig/cron and keeps one entry per named job so a job's
// schedule can be replaced without touching the others.
type Scheduler struct {
	mu   sync.RWMutex
	c    *cron.Cron
	jobs map[string]job
}

// New creates a stopped Scheduler. Call Start to activate it.
func New() *Scheduler {
	return &Scheduler{
		c:    cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
		jobs: make(map[string]job),
	}
}

// Set installs fn under name on the given cron expression, replacing any job
// previously registered under that name. An empty expression removes the job.
// If the scheduler is already running, the change takes effect immediately.
func (s *Scheduler) Set(name, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expr == "" {
		s.removeLocked(name)
		slog.Info("scheduler: job removed", "job", name)
		return nil
	}

	// Parse before removing so a bad expression leaves the old job in place.
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.removeLocked(name)
	id := s.c.Schedule(sched, cron.FuncJob(fn))
	s.jobs[name] = job{id: id, expr: expr}
	slog.Info("scheduler: job set", "job", name, "cron", expr)
	return nil
}

func (s *Scheduler) removeLocked(name string) {
	if j, ok := s.jobs[name]; ok {
		s.c.Remove(j.id)
		delete(s.jobs, name)
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// Next returns the next run time of the named job, or nil when the job is not
// set or the scheduler has not been started.
func (s *Scheduler) Next(name string) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[name]
	if !ok {
		return nil
	}
	entry := s.c.Entry(j.id)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// Expr returns the cron expression of the named job.
func (s *Scheduler) Expr(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[name].expr
}
