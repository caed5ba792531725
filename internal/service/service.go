package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metalwatch/internal/alerting"
	"metalwatch/internal/breaker"
	"metalwatch/internal/fetcher"
	"metalwatch/internal/metrics"
	"metalwatch/internal/pricebook"
	"metalwatch/internal/quote"
	"metalwatch/internal/scheduler"
	"metalwatch/internal/storage"
)

var (
	// ErrNotFound means the requested price, signal or trade does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedSymbol is returned for symbols outside the tracked set.
	ErrUnsupportedSymbol = fetcher.ErrUnsupportedSymbol
	// ErrInvalidInput marks a rejected request payload.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict means the signal is not in a state that allows the operation.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable means no price could be produced from the source or the snapshot.
	ErrUnavailable = errors.New("prices unavailable")
)

// DefaultStaleAfter is how long a confirmed snapshot entry is served without a live fetch.
const DefaultStaleAfter = 2 * time.Minute

// Invalidator drops cached responses by key prefix.
type Invalidator interface {
	InvalidatePrefix(prefix string) int
}

// Options tune the refresh pipeline and query surface.
type Options struct {
	Symbols []quote.Symbol
	// FetchTimeout bounds one symbol's guarded fetch, retries included.
	FetchTimeout       time.Duration
	Concurrency        int
	StaleAfter         time.Duration
	InvalidatePrefixes []string
	Now                func() time.Time
}

// Deps are the collaborators of a Service. Only Fetcher and Book are required.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Fetcher   fetcher.QuoteFetcher
	Breaker   *breaker.Breaker
	Book      *pricebook.Book
	History   storage.HistoryStore
	Signals   storage.SignalStore
	Trades    storage.TradeStore
	Notifier  alerting.Notifier
	Cache     Invalidator
}

// TickReport describes the most recent refresh pass.
type TickReport struct {
	At       time.Time         `json:"at"`
	Duration time.Duration     `json:"-"`
	Outcome  scheduler.Outcome `json:"outcome"`
	Error    string            `json:"error,omitempty"`
}

// Service orchestrates fetching, change-aware persistence and the query surface.
type Service struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	seenMu sync.RWMutex
	seen   map[quote.Symbol]time.Time

	lastTick atomic.Pointer[TickReport]
}

// New constructs the service and registers the signal evaluation hook on the book.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if len(opts.Symbols) == 0 {
		opts.Symbols = append([]quote.Symbol(nil), quote.Supported...)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 20 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = len(opts.Symbols)
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
		seen:   make(map[quote.Symbol]time.Time),
	}
	if deps.Book != nil {
		deps.Book.OnWrite(s.evaluateSignals)
	}
	return s
}

// LoadSnapshot hydrates the in-memory snapshot from the store.
func (s *Service) LoadSnapshot(ctx context.Context) error {
	if err := s.deps.Book.Load(ctx); err != nil {
		return err
	}
	s.logger.Info().Int("symbols", s.deps.Book.Len()).Msg("price snapshot loaded")
	return nil
}

// Run drives Tick from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.Tick)
}

// Tick refreshes every tracked symbol once. Per-symbol failures are logged and
// counted; they never abort the pass. An error is returned only when the pass
// was cancelled or every symbol failed.
func (s *Service) Tick(ctx context.Context, at time.Time) (scheduler.Outcome, error) {
	start := time.Now()

	var updated, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, sym := range s.opts.Symbols {
		sym := sym
		g.Go(func() error {
			_, written, err := s.refreshSymbol(ctx, sym)
			switch {
			case err != nil:
				failed.Add(1)
				s.logger.Warn().Err(err).
					Str("symbol", sym.String()).
					Str("kind", fetcher.Kind(err)).
					Msg("symbol refresh failed")
			case written:
				updated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	outcome := scheduler.Outcome{
		Total:   len(s.opts.Symbols),
		Updated: int(updated.Load()),
		Failed:  int(failed.Load()),
	}
	elapsed := time.Since(start)
	metrics.RecordTick(elapsed, outcome.Updated, outcome.Total-outcome.Updated-outcome.Failed, outcome.Failed)

	for _, prefix := range s.opts.InvalidatePrefixes {
		if s.deps.Cache != nil {
			s.deps.Cache.InvalidatePrefix(prefix)
		}
	}

	var err error
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case outcome.FullFailure():
		err = fmt.Errorf("all %d symbols failed", outcome.Total)
	}

	report := &TickReport{At: at.UTC(), Duration: elapsed, Outcome: outcome}
	if err != nil {
		report.Error = err.Error()
	}
	s.lastTick.Store(report)

	s.logger.Debug().
		Int("updated", outcome.Updated).
		Int("failed", outcome.Failed).
		Dur("duration", elapsed).
		Msg("refresh pass finished")
	return outcome, err
}

// ForceRefresh runs one pass immediately and returns the number of symbols written.
func (s *Service) ForceRefresh(ctx context.Context) (int, error) {
	outcome, err := s.Tick(ctx, s.opts.Now())
	return outcome.Updated, err
}

// refreshSymbol fetches one symbol through the guarded path and offers it to the book.
// The fetched quote is returned even when the write was skipped.
func (s *Service) refreshSymbol(ctx context.Context, sym quote.Symbol) (quote.Quote, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	q, err := s.deps.Fetcher.FetchQuote(fetchCtx, sym)
	metrics.RecordFetch(sym.String(), fetcher.Kind(err), time.Since(start))
	if err != nil {
		return quote.Quote{}, false, fmt.Errorf("fetch %s: %w", sym, err)
	}
	s.markSeen(sym, s.opts.Now())

	written, err := s.deps.Book.WriteIfChanged(ctx, q)
	if err != nil {
		return q, false, err
	}
	return q, written, nil
}

func (s *Service) markSeen(sym quote.Symbol, at time.Time) {
	s.seenMu.Lock()
	s.seen[sym] = at
	s.seenMu.Unlock()
}

// fresh reports whether sym was confirmed by the source within StaleAfter. A snapshot
// loaded from the store counts from its observation time.
func (s *Service) fresh(q quote.Quote) bool {
	s.seenMu.RLock()
	at, ok := s.seen[q.Symbol]
	s.seenMu.RUnlock()
	if !ok || at.Before(q.ObservedAt) {
		at = q.ObservedAt
	}
	return s.opts.Now().Sub(at) <= s.opts.StaleAfter
}

func (s *Service) tracks(sym quote.Symbol) bool {
	for _, known := range s.opts.Symbols {
		if known == sym {
			return true
		}
	}
	return false
}

// Status is the operational view exposed by the API.
type Status struct {
	Symbols         []quote.Symbol    `json:"symbols"`
	SnapshotSize    int               `json:"snapshot_size"`
	Breaker         *breaker.Snapshot `json:"breaker,omitempty"`
	IntervalSeconds float64           `json:"interval_seconds,omitempty"`
	Adaptive        bool              `json:"adaptive"`
	LastTick        *TickReport       `json:"last_tick,omitempty"`
}

// Status reports the breaker, scheduler and last pass.
func (s *Service) Status() Status {
	st := Status{
		Symbols:      s.opts.Symbols,
		SnapshotSize: s.deps.Book.Len(),
		LastTick:     s.lastTick.Load(),
	}
	if s.deps.Breaker != nil {
		snap := s.deps.Breaker.Snapshot()
		st.Breaker = &snap
	}
	if s.deps.Scheduler != nil {
		st.IntervalSeconds = s.deps.Scheduler.CurrentInterval().Seconds()
		st.Adaptive = s.deps.Scheduler.Adaptive()
	}
	return st
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}
