package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

// Job is one run of a scheduled task. ctx is cancelled when the scheduler
// stops.
type Job func(ctx context.Context)

// Scheduler runs a single job periodically, starting immediately. A run that
// overlaps the next tick makes that tick skip.
type Scheduler struct {
	scheduler *gocron.Scheduler
	name      string
	interval  time.Duration
	job       Job
	logger    *slog.Logger

	cancel context.CancelFunc

	// mu guards stopped so no run can join running once Stop waits on it.
	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup
}

// New creates a new Scheduler.
func New(name string, interval time.Duration, job Job, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		name:      name,
		interval:  interval,
		job:       job,
		logger:    logger.With("component", "scheduler", "job", name),
	}
}

// Start schedules the periodic job and starts the underlying scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.job == nil {
		return errors.New("scheduler: no job configured")
	}

	interval := s.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	runCtx, cancel := context.WithCancel(ctx)
	_, err := s.scheduler.Every(interval).Do(func() {
		s.mu.Lock()
		if s.stopped || runCtx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.running.Add(1)
		s.mu.Unlock()
		defer s.running.Done()

		start := time.Now()
		s.logger.Debug("running job")
		s.job(runCtx)
		s.logger.Debug("completed job", "took", time.Since(start))
	})
	if err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.scheduler.StartAsync()
	return nil
}

// Stop cancels the running job, if any, cancels all future runs and waits
// for the running job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.running.Wait()
}
