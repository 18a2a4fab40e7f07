package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog/log"
)

// DefaultSchedule runs the sweep every minute.
const DefaultSchedule = "* * * * *"

const sweepTimeout = 2 * time.Minute

// Flusher is implemented by *Relay.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Sweeper re-runs the relay on a cron schedule so rows left behind by a
// failed post-commit flush are eventually published.
type Sweeper struct {
	ctab     *crontab.Crontab
	flusher  Flusher
	schedule string
}

// NewSweeper schedules flusher on a five-field cron expression.
func NewSweeper(flusher Flusher, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Sweeper{ctab: crontab.New(), flusher: flusher, schedule: schedule}
}

// Run sweeps once immediately, then on schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)
	if err := s.ctab.AddJob(s.schedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		s.sweep(jobCtx)
	}); err != nil {
		s.ctab.Shutdown()
		return fmt.Errorf("schedule outbox sweep %q: %w", s.schedule, err)
	}
	log.Info().Str("schedule", s.schedule).Msg("outbox sweeper scheduled")

	<-ctx.Done()
	s.ctab.Shutdown()
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.flusher.Flush(ctx)
	if err != nil {
		log.Warn().Err(err).Int("dispatched", n).Msg("outbox sweep incomplete")
		return
	}
	if n > 0 {
		log.Info().Int("dispatched", n).Msg("outbox sweep dispatched jobs")
	}
}
