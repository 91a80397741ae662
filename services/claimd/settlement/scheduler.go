package settlement

import (
	"context"
	"log/slog"
	"time"
)

// Runner executes one settlement pass.
type Runner interface {
	Run(ctx context.Context) (RunResult, error)
}

// SchedulerConfig configures the in-process settlement scheduler.
type SchedulerConfig struct {
	Runner   Runner
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler invokes the engine on a fixed cadence.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: cfg.Runner, interval: interval, logger: logger}
}

// Start runs the engine every interval until the context is cancelled. A run
// that overlaps the next tick delays it rather than running concurrently.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	for {
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.runner.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled settlement run failed", slog.Any("error", err))
			}
		}
	}
}
