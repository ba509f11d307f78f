// Package scheduler runs the trading core's periodic maintenance jobs, the
// hourly expired-session sweep chief among them, on robfig/cron schedules.
package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is the small capability interface every scheduled job implements:
// a name for logging and a Run that reports its own failure.
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New constructs a Scheduler with second-resolution cron expressions.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop halts the scheduler and blocks until every in-flight job has
// finished, bounding the orchestrator's shutdown window.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers job on schedule. Schedule accepts any robfig/cron
// expression or descriptor ("@hourly", "@every 30s", a 6-field cron string).
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("running scheduled job")
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("scheduled job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("scheduled job completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}

// FuncJob adapts a plain function into a Job, for jobs too small to warrant
// their own named type.
type FuncJob struct {
	JobName string
	Fn      func() error
}

func (j FuncJob) Name() string { return j.JobName }
func (j FuncJob) Run() error   { return j.Fn() }
