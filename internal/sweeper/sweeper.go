// Package sweeper periodically scans for claims that have been held past a
// staleness threshold and reports them. It never force-releases a claim: a
// stuck claim is a signal for an operator (a worker subprocess that hung,
// a supervisor that crashed mid-spawn) and surfacing it loudly is safer
// than guessing it is abandoned.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/store"
)

// Sweeper runs the stuck-claim scan on a fixed interval.
type Sweeper struct {
	store        *store.Store
	emitter      *events.Emitter
	interval     time.Duration
	staleSeconds int
	logger       *slog.Logger
}

// ValidateCadence parses a cron expression the way the project config
// accepts one for the sweep cadence, without running a cron-style
// scheduler: ticketd uses a plain time.Ticker for the sweep loop itself and
// only reuses the cron parser to validate and describe operator-supplied
// cadences consistently with the rest of the config surface.
func ValidateCadence(expr string) error {
	_, err := robfigcron.ParseStandard(expr)
	return err
}

// New builds a Sweeper that scans every interval for claims held longer
// than staleAfter.
func New(st *store.Store, emitter *events.Emitter, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:        st,
		emitter:      emitter,
		interval:     interval,
		staleSeconds: int(staleAfter.Seconds()),
		logger:       logger,
	}
}

// Run blocks, sweeping on each tick, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	stuck, err := s.store.ListStuckClaims(ctx, s.staleSeconds)
	if err != nil {
		s.logger.Error("sweep_query_failed", slog.Any("error", err))
		return
	}
	for _, t := range stuck {
		workerID := ""
		if t.ClaimWorkerID != nil {
			workerID = *t.ClaimWorkerID
		}
		s.logger.Warn("claim_stuck",
			slog.String("ticket_id", t.ID),
			slog.String("project_id", t.ProjectID),
			slog.String("stage", t.CurrentStage),
			slog.String("worker_id", workerID),
		)
		s.emitter.ClaimStuck(ctx, t.ID, t.ProjectID, t.CurrentStage, workerID)
	}
}
