// Package scheduler runs CoachPipe's recurring maintenance jobs.
//
// Jobs are named so they can be replaced or removed; the daily token reset
// and stale-session pruning are the two jobs registered at startup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Well-known job expressions.
const (
	// Midnight fires once a day at 00:00.
	Midnight = "0 0 * * *"
	// Nightly fires once a day at 03:30, away from the midnight reset.
	Nightly = "30 3 * * *"
)

// Scheduler provides named cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	loc *time.Location
}

// WithLocation evaluates cron expressions in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	o := options{loc: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}
	// Standard 5-field parser (min, hour, dom, month, dow); a panicking job must not kill the scheduler
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(o.loc),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c, jobs: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name, replacing any job with the same name.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wrapped := func() {
		start := time.Now()
		slog.Debug("Scheduler: running job", "job", name)
		task()
		slog.Debug("Scheduler: job finished", "job", name, "elapsed", time.Since(start))
	}
	id, err := s.cron.AddFunc(expr, wrapped)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: invalid expression %q: %w", name, expr, err)
	}
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old)
	}
	s.jobs[name] = id
	slog.Info("Scheduler: job registered", "job", name, "expr", expr)
	return nil
}

// RemoveJob unschedules name. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Next returns the next activation time of name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Stop stops the scheduler and waits for running jobs, or until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler: stop timed out waiting for running jobs")
	}
}
