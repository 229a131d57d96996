// Package scheduler wraps the cron runner for the background loops (news
// ingest, news impact, mark-to-market, daily rollup).
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/pkg/logger"
)

// Job is one background loop iteration. Run must respect ctx cancellation;
// the scheduler passes its base context so shutdown reaches running jobs.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler manages the background jobs.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	log  zerolog.Logger
}

// New creates a scheduler. Jobs run under ctx; cancelling it makes running
// iterations return early.
func New(ctx context.Context, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		ctx:  ctx,
		log:  logger.Component(log, "scheduler"),
	}
}

// Add registers a job on a cron schedule ("@every 2m", "0 30 4 * * MON-FRI", ...).
func (s *Scheduler) Add(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if s.ctx.Err() != nil {
			return
		}
		if err := job.Run(s.ctx); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("Job completed")
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("Job registered")
	return nil
}

// Start launches the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}
