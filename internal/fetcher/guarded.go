package fetcher

import (
	"context"
	"fmt"

	"metalwatch/internal/breaker"
	"metalwatch/internal/quote"
)

// Guarded runs every fetch through a shared circuit breaker. Retries happen inside
// next, so one FetchQuote is one breaker execution.
type Guarded struct {
	next    QuoteFetcher
	breaker *breaker.Breaker
}

// NewGuarded wraps next with b.
func NewGuarded(next QuoteFetcher, b *breaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: b}
}

// symbolSupporter is implemented by fetchers that know their symbol set up front.
type symbolSupporter interface {
	Supports(symbol quote.Symbol) bool
}

// FetchQuote implements QuoteFetcher. Unsupported symbols are rejected before the
// breaker is consulted, so they fail as caller errors even while the circuit is open.
func (g *Guarded) FetchQuote(ctx context.Context, symbol quote.Symbol) (quote.Quote, error) {
	if s, ok := g.next.(symbolSupporter); ok && !s.Supports(symbol) {
		return quote.Quote{}, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}
	var q quote.Quote
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		q, err = g.next.FetchQuote(ctx, symbol)
		return err
	})
	if err != nil {
		return quote.Quote{}, err
	}
	return q, nil
}

// Breaker exposes the shared breaker for status reporting.
func (g *Guarded) Breaker() *breaker.Breaker {
	return g.breaker
}

var _ QuoteFetcher = (*Guarded)(nil)
