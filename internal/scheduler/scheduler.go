// Package scheduler triggers a job on a fixed period without overlapping runs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Scheduler runs a job immediately and then every interval. A tick that
// arrives while the previous run is still going is skipped.
type Scheduler struct {
	interval time.Duration
	job      func(ctx context.Context)
}

func New(interval time.Duration, job func(ctx context.Context)) *Scheduler {
	return &Scheduler{interval: interval, job: job}
}

// Run blocks until ctx is done, then waits for an in-flight job to return.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval < time.Second {
		return fmt.Errorf("schedule interval must be at least 1s, got %s", s.interval)
	}

	log := cronLogger{}
	guarded := cron.NewChain(cron.SkipIfStillRunning(log)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		s.job(ctx)
	}))

	c := cron.New(cron.WithLogger(log))
	c.Schedule(cron.Every(s.interval), guarded)
	c.Start()

	logger.Get().Info().
		Dur("interval", s.interval).
		Msg("scheduler started")

	// First run happens now; ticks that fire meanwhile are skipped.
	guarded.Run()

	<-ctx.Done()
	logger.Info("Stopping scheduler, waiting for running job")
	<-c.Stop().Done()
	logger.Info("Scheduler stopped")
	return nil
}

// cronLogger routes cron's own messages to the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
