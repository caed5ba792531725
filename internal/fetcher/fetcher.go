package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"metalwatch/internal/breaker"
	"metalwatch/internal/quote"
)

// QuoteFetcher retrieves the latest quote for one symbol.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, symbol quote.Symbol) (quote.Quote, error)
}

var (
	// ErrUnsupportedSymbol is a caller error raised before any network call.
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
	// ErrTimeout marks an attempt that ran past its deadline.
	ErrTimeout = errors.New("price source timeout")
	// ErrNetwork marks a transport-level failure.
	ErrNetwork = errors.New("price source network error")
	// ErrMalformedResponse is re-exported from quote for callers that only import fetcher.
	ErrMalformedResponse = quote.ErrMalformedResponse
)

// SourceError is an explicit error reported by the price source.
type SourceError = quote.SourceError

// HTTPError carries a non-200 status from the price source.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("price source http %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("price source http %d", e.StatusCode)
}

// Retryable reports whether err is transient: timeouts, network errors, 429 and 5xx.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return false
}

// CountsAsFailure reports whether err should be counted by the circuit breaker.
// Unsupported symbols are caller errors and never count.
func CountsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrUnsupportedSymbol)
}

// Kind is a short, stable label for err used in logs and metrics.
func Kind(err error) string {
	var httpErr *HTTPError
	var srcErr *SourceError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnsupportedSymbol):
		return "unsupported_symbol"
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.As(err, &srcErr):
		return "source_error"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
