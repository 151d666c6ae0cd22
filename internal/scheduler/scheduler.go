// Package scheduler runs the periodic jobs of the CoachPipe worker.
//
// Jobs are driven by a cron instance: a panicking job is recovered and logged,
// and a job still running when its next tick fires is skipped rather than
// stacked.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one periodic unit of work. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context)

// Scheduler provides interval-based job scheduling on top of cron.
type Scheduler struct {
	cron   *cron.Cron
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New() *Scheduler {
	logger := slogLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel}
}

// Every schedules job to run each interval. Intervals under a second are
// rounded up to one second.
func (s *Scheduler) Every(interval time.Duration, name string, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %q: interval must be positive", name)
	}
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		job(ctx)
		slog.Debug("Scheduler: job finished", "job", name, "elapsed", time.Since(start))
	}))
	slog.Debug("Scheduler.Every: job scheduled", "job", name, "interval", interval)
	return nil
}

// Start runs the scheduler until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// slogLogger adapts cron's logger interface to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler: "+msg, append(keysAndValues, "error", err)...)
}
