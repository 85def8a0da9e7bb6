// Package scheduler runs the periodic sweeps: due settlements and
// violation escalation.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one sweep. It reports how many items it handled.
type Job func(ctx context.Context) (int, error)

type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	baseCtx context.Context
}

// New builds a scheduler whose jobs run with baseCtx. Specs accept an
// optional seconds field and descriptors such as "@every 5s". A run is
// skipped while the previous run of the same job is still going.
func New(baseCtx context.Context, logger zerolog.Logger) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers job under name on spec.
func (s *Scheduler) Add(name, spec string, job Job) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		s.run(name, job)
	})
}

func (s *Scheduler) run(name string, job Job) {
	if s.baseCtx.Err() != nil {
		return
	}
	start := time.Now()
	n, err := job(s.baseCtx)
	if err != nil {
		s.logger.Error().Err(err).Str("job", name).Msg("sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Str("job", name).Int("handled", n).Dur("took", time.Since(start)).Msg("sweep done")
	}
}

func (s *Scheduler) Start() {
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
	s.cron.Start()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}
