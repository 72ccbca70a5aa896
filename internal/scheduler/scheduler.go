// Package scheduler runs GateCoach's periodic maintenance jobs.
//
// Jobs use standard 5-field cron expressions or descriptors such as
// "@every 10m". A panicking job is recovered and logged; the schedule keeps
// running.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule drops idle rate-limit records every ten minutes.
const DefaultPruneSchedule = "*/10 * * * *"

// Pruner drops in-memory records that no longer matter and reports how many.
type Pruner interface {
	PruneIdle() int
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(cron.WithParser(parser), cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task under name. It returns an error if expr is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		task()
		slog.Debug("Scheduler.job: finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("scheduling %s with %q: %w", name, expr, err)
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr, "next", s.cron.Entry(id).Next)
	return nil
}

// SchedulePrune runs p.PruneIdle on expr.
func (s *Scheduler) SchedulePrune(expr string, p Pruner) error {
	return s.AddJob("prune-rate-records", expr, func() {
		if n := p.PruneIdle(); n > 0 {
			slog.Info("Scheduler.prune: idle rate records dropped", "count", n)
		}
	})
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// slogLogger routes cron's own logging to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
