// Package scheduler triggers sensor updates on their cadence: at the top of
// every hour for hourly sensors and at local midnight for daily ones, plus
// once at start-up.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dayofmonth/dayofmonth/agent/internal/compute"
)

// Job is one scheduled update. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context, ref time.Time)

// Scheduler runs Jobs with robfig/cron. A job that is still running when its
// next tick fires is skipped, and a panicking job is logged and recovered.
type Scheduler struct {
	cron  *cron.Cron
	chain cron.Chain
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	jobs    map[string]cron.Job
	started bool
	wg      sync.WaitGroup
}

// New returns a Scheduler whose cadences are evaluated in loc.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := slogLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(logger)),
		chain:   cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		now:     func() time.Time { return time.Now().In(loc) },
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]cron.Job),
	}
}

// Spec returns the cron descriptor for freq.
func Spec(freq compute.UpdateFrequency) (string, error) {
	switch freq {
	case compute.FrequencyHourly:
		return "@hourly", nil
	case compute.FrequencyDaily:
		return "@daily", nil
	}
	return "", fmt.Errorf("scheduler: unknown update frequency %q", freq)
}

// Add registers fn under id. It must be called before Start.
func (s *Scheduler) Add(id string, freq compute.UpdateFrequency, fn Job) error {
	spec, err := Spec(freq)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: add %q: already started", id)
	}
	if _, ok := s.entries[id]; ok {
		return fmt.Errorf("scheduler: duplicate job %q", id)
	}

	job := s.chain.Then(cron.FuncJob(func() {
		fn(s.ctx, s.now())
	}))
	entryID, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("scheduler: add %q: %w", id, err)
	}
	s.entries[id] = entryID
	s.jobs[id] = job
	return nil
}

// Start begins the cron loop and runs every job once immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()

	for id, job := range s.jobs {
		id, job := id, job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			slog.Info("scheduler: initial run", "job", id)
			job.Run()
		}()
	}
	slog.Info("scheduler: started", "jobs", len(s.jobs))
}

// Next returns the next scheduled run of job id. The second result is false
// for unknown ids and before Start.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(entryID)
	if !e.Valid() || e.Next.IsZero() {
		return time.Time{}, false
	}
	return e.Next, true
}

// Stop cancels the context handed to running jobs and waits for them to
// return, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("scheduler: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("scheduler: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("scheduler: "+msg, append(keysAndValues, "err", err)...)
}
