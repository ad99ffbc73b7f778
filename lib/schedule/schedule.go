// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/olmstore/lib/clock"
)

// Job is one recurring task.
type Job struct {
	// Name identifies the job in logs. Must be unique per Scheduler.
	Name string

	// Interval between runs. The first run happens one Interval after
	// Run starts.
	Interval time.Duration

	// Run does the work.
	Run func(ctx context.Context) error
}

// Scheduler owns a set of jobs. Add every job before calling Run.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	running bool
}

// New returns an empty scheduler. A nil logger discards.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{clock: clk, logger: logger}
}

// Add registers a job.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return errors.New("schedule: job name is required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("schedule: job %q: interval must be positive, got %s", job.Name, job.Interval)
	}
	if job.Run == nil {
		return fmt.Errorf("schedule: job %q: Run is nil", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("schedule: job %q added after Run", job.Name)
	}
	for _, existing := range s.jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("schedule: duplicate job %q", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Len reports how many jobs are registered.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Run starts every job and blocks until ctx is cancelled and all
// in-flight runs have returned, even when no jobs are registered. Run
// may be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("schedule: already running")
	}
	s.running = true
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := s.clock.NewTicker(job.Interval)
	defer ticker.Stop()

	logger := s.logger.With("job", job.Name)
	logger.Debug("job scheduled", "interval", job.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// A tick and a cancellation can be ready together.
		if ctx.Err() != nil {
			return
		}

		started := s.clock.Now()
		err := job.Run(ctx)
		elapsed := s.clock.Now().Sub(started)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return
			}
			logger.Error("scheduled job failed", "error", err, "elapsed", elapsed)
			continue
		}
		logger.Debug("scheduled job finished", "elapsed", elapsed)
	}
}
