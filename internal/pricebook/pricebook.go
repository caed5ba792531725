package pricebook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metalwatch/internal/quote"
	"metalwatch/internal/storage"
)

// DefaultChangeThreshold is the smallest mid move, in quote currency, that is persisted.
var DefaultChangeThreshold = decimal.RequireFromString("0.01")

// Write decisions reported to Options.Observe.
const (
	DecisionWritten    = "written"
	DecisionUnchanged  = "unchanged"
	DecisionOutOfOrder = "out_of_order"
	DecisionStoreError = "store_error"
)

// WriteHook runs after a quote has been durably written.
type WriteHook func(ctx context.Context, q quote.Quote)

// Options tune a Book.
type Options struct {
	ChangeThreshold decimal.Decimal
	// Observe receives one decision per WriteIfChanged call.
	Observe func(symbol quote.Symbol, decision string)
	Now     func() time.Time
}

// Book is the in-memory snapshot of the latest quote per symbol, backed by a PriceStore.
type Book struct {
	store     storage.PriceStore
	logger    zerolog.Logger
	threshold decimal.Decimal
	observe   func(quote.Symbol, string)
	now       func() time.Time

	mu       sync.RWMutex
	snapshot map[quote.Symbol]quote.Quote

	locksMu sync.Mutex
	locks   map[quote.Symbol]*sync.Mutex

	hooksMu sync.RWMutex
	hooks   []WriteHook
}

// New builds an empty Book.
func New(store storage.PriceStore, opts Options, logger zerolog.Logger) *Book {
	threshold := opts.ChangeThreshold
	if threshold.IsZero() {
		threshold = DefaultChangeThreshold
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Book{
		store:     store,
		logger:    logger.With().Str("component", "pricebook").Logger(),
		threshold: threshold,
		observe:   opts.Observe,
		now:       now,
		snapshot:  make(map[quote.Symbol]quote.Quote),
		locks:     make(map[quote.Symbol]*sync.Mutex),
	}
}

// OnWrite registers a hook run after every successful durable write.
func (b *Book) OnWrite(h WriteHook) {
	b.hooksMu.Lock()
	b.hooks = append(b.hooks, h)
	b.hooksMu.Unlock()
}

// Load hydrates the snapshot from the store. Entries already in memory win if newer.
func (b *Book) Load(ctx context.Context) error {
	quotes, err := b.store.LoadQuotes(ctx)
	if err != nil {
		return fmt.Errorf("load quotes: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range quotes {
		if cur, ok := b.snapshot[q.Symbol]; ok && !cur.ObservedAt.Before(q.ObservedAt) {
			continue
		}
		b.snapshot[q.Symbol] = q
	}
	b.logger.Debug().Int("count", len(quotes)).Msg("snapshot loaded")
	return nil
}

// WriteIfChanged persists q unless its mid is within the change threshold of the
// current snapshot or it was observed before the current snapshot entry.
//
// The snapshot is updated before the durable write. A store error is returned with
// written=true and the snapshot is not rolled back.
func (b *Book) WriteIfChanged(ctx context.Context, q quote.Quote) (bool, error) {
	lock := b.symbolLock(q.Symbol)
	lock.Lock()

	prior, ok := b.Get(q.Symbol)
	if ok {
		if q.ObservedAt.Before(prior.ObservedAt) {
			lock.Unlock()
			b.record(q.Symbol, DecisionOutOfOrder)
			b.logger.Debug().Str("symbol", q.Symbol.String()).
				Time("observed_at", q.ObservedAt).
				Time("current", prior.ObservedAt).
				Msg("discarding out-of-order quote")
			return false, nil
		}
		if prior.MidDelta(q).LessThanOrEqual(b.threshold) {
			lock.Unlock()
			b.record(q.Symbol, DecisionUnchanged)
			return false, nil
		}
	}

	q.PersistedAt = b.now().UTC()
	b.mu.Lock()
	b.snapshot[q.Symbol] = q
	b.mu.Unlock()

	err := b.store.UpsertQuote(ctx, q)
	lock.Unlock()

	if err != nil {
		b.record(q.Symbol, DecisionStoreError)
		return true, fmt.Errorf("persist %s: %w", q.Symbol, err)
	}
	b.record(q.Symbol, DecisionWritten)

	b.hooksMu.RLock()
	hooks := append([]WriteHook(nil), b.hooks...)
	b.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, q)
	}
	return true, nil
}

// Get returns a copy of the snapshot entry for symbol.
func (b *Book) Get(symbol quote.Symbol) (quote.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.snapshot[symbol]
	return q, ok
}

// All returns the snapshot in canonical symbol order.
func (b *Book) All() []quote.Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]quote.Quote, 0, len(b.snapshot))
	for _, sym := range quote.Supported {
		if q, ok := b.snapshot[sym]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Len is the number of symbols in the snapshot.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.snapshot)
}

func (b *Book) symbolLock(symbol quote.Symbol) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		b.locks[symbol] = l
	}
	return l
}

func (b *Book) record(symbol quote.Symbol, decision string) {
	if b.observe != nil {
		b.observe(symbol, decision)
	}
}
