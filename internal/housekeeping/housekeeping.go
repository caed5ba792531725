package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"metalwatch/internal/metrics"
)

// DefaultRetention keeps thirty days of price history.
const DefaultRetention = 720 * time.Hour

// Pruner deletes price history observed before a cutoff.
type Pruner interface {
	PruneHistory(ctx context.Context, olderThan time.Time) (int64, error)
}

// Options configure the housekeeping job.
type Options struct {
	// Schedule is a standard cron spec or descriptor such as "@daily".
	Schedule  string
	Retention time.Duration
	Now       func() time.Time
}

// Housekeeper prunes price history on a cron schedule.
type Housekeeper struct {
	cron   *cron.Cron
	pruner Pruner
	opts   Options
	logger zerolog.Logger
	ctx    context.Context
}

// New registers the prune job. The job does not run until Start.
func New(opts Options, pruner Pruner, logger zerolog.Logger) (*Housekeeper, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Housekeeper{
		cron:   cron.New(),
		pruner: pruner,
		opts:   opts,
		logger: logger.With().Str("component", "housekeeping").Logger(),
		ctx:    context.Background(),
	}
	if _, err := h.cron.AddFunc(opts.Schedule, h.pruneJob); err != nil {
		return nil, fmt.Errorf("register prune job %q: %w", opts.Schedule, err)
	}
	return h, nil
}

// Start runs the cron scheduler in the background. Jobs use ctx.
func (h *Housekeeper) Start(ctx context.Context) {
	h.ctx = ctx
	h.cron.Start()
	h.logger.Info().Str("schedule", h.opts.Schedule).Dur("retention", h.opts.Retention).Msg("housekeeping started")
}

// Stop halts the scheduler and waits for a running job to finish.
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
	h.logger.Info().Msg("housekeeping stopped")
}

// RunOnce prunes history older than the retention window.
func (h *Housekeeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := h.opts.Now().Add(-h.opts.Retention)
	n, err := h.pruner.PruneHistory(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	metrics.RecordPruned(n)
	return n, nil
}

func (h *Housekeeper) pruneJob() {
	n, err := h.RunOnce(h.ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("history prune failed")
		return
	}
	h.logger.Info().Int64("deleted", n).Msg("history pruned")
}
