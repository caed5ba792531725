package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"metalwatch/internal/quote"
)

const (
	defaultBaseURL      = "https://www.goldapi.io"
	defaultAPIKeyHeader = "x-access-token"
	defaultUserAgent    = "metalwatch/1.0"
	maxBodyBytes        = 1 << 20
)

// RetryOptions control backoff between attempts of one FetchQuote call.
type RetryOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

// Options parameterise the price source client.
type Options struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	// Paths maps each tracked symbol to its endpoint path. Symbols absent here are unsupported.
	Paths     map[quote.Symbol]string
	Timeout   time.Duration
	UserAgent string
	Retry     RetryOptions
	// RateLimit is the sustained request rate per second; zero disables pacing.
	RateLimit float64
	Burst     int
}

// DefaultPaths returns the goldapi-style path for every supported symbol.
func DefaultPaths() map[quote.Symbol]string {
	paths := make(map[quote.Symbol]string, len(quote.Supported))
	for _, sym := range quote.Supported {
		paths[sym] = "/api/" + sym.String() + "/USD"
	}
	return paths
}

// Client fetches quotes from the external price API.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a price source client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.Retry.InitialBackoff <= 0 {
		opts.Retry.InitialBackoff = 200 * time.Millisecond
	}
	if opts.Retry.MaxBackoff <= 0 {
		opts.Retry.MaxBackoff = 2 * time.Second
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = defaultAPIKeyHeader
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Paths == nil {
		opts.Paths = DefaultPaths()
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "price_client").Logger(),
		client:  &http.Client{},
		baseURL: baseURL,
		limiter: limiter,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Symbols lists the symbols this client can fetch, in the canonical order.
func (c *Client) Symbols() []quote.Symbol {
	out := make([]quote.Symbol, 0, len(c.opts.Paths))
	for _, sym := range quote.Supported {
		if _, ok := c.opts.Paths[sym]; ok {
			out = append(out, sym)
		}
	}
	return out
}

// Supports reports whether symbol has a configured endpoint path.
func (c *Client) Supports(symbol quote.Symbol) bool {
	_, ok := c.opts.Paths[symbol]
	return ok
}

// FetchQuote retrieves and normalises one symbol's quote, retrying transient failures.
func (c *Client) FetchQuote(ctx context.Context, symbol quote.Symbol) (quote.Quote, error) {
	path, ok := c.opts.Paths[symbol]
	if !ok {
		return quote.Quote{}, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}
	endpoint := c.baseURL + path

	var lastErr error
	for attempt := 1; attempt <= c.opts.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoff(attempt)
			c.logger.Debug().Str("symbol", symbol.String()).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("retrying price fetch")
			if err := c.sleep(ctx, backoff); err != nil {
				return quote.Quote{}, deadlineAsTimeout(err)
			}
		}

		q, err := c.attempt(ctx, symbol, endpoint)
		if err == nil {
			return q, nil
		}
		lastErr = err
		if ctx.Err() != nil || !Retryable(err) {
			break
		}
	}
	return quote.Quote{}, lastErr
}

func (c *Client) attempt(ctx context.Context, symbol quote.Symbol, endpoint string) (quote.Quote, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return quote.Quote{}, deadlineAsTimeout(ctx.Err())
			}
			// The limiter refuses to wait past the caller's deadline.
			return quote.Quote{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}

	// Quotes without a source timestamp are stamped with the send time, so a slow
	// response never carries a later time than a request issued after it.
	sentAt := c.now()
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.APIKey != "" {
		req.Header.Set(c.opts.APIKeyHeader, c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return quote.Quote{}, classifyTransport(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return quote.Quote{}, classifyTransport(ctx, attemptCtx, err)
	}

	if resp.StatusCode != http.StatusOK {
		return quote.Quote{}, parseHTTPError(resp.StatusCode, body)
	}

	return quote.Normalize(symbol, body, sentAt)
}

func (c *Client) backoff(attempt int) time.Duration {
	backoff := float64(c.opts.Retry.InitialBackoff) * math.Pow(2, float64(attempt-2))
	if backoff > float64(c.opts.Retry.MaxBackoff) {
		backoff = float64(c.opts.Retry.MaxBackoff)
	}
	if c.opts.Retry.Jitter > 0 {
		backoff += backoff * c.opts.Retry.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

// parseHTTPError prefers the source's own message over the raw body.
func parseHTTPError(status int, payload []byte) error {
	if gjson.ValidBytes(payload) {
		for _, path := range []string{"error.message", "error", "message", "description"} {
			if r := gjson.GetBytes(payload, path); r.Type == gjson.String && r.String() != "" {
				return &HTTPError{StatusCode: status, Body: truncate(r.String(), 256)}
			}
		}
	}
	return &HTTPError{StatusCode: status, Body: truncate(strings.TrimSpace(string(payload)), 256)}
}

func classifyTransport(parent, attemptCtx context.Context, err error) error {
	if parent.Err() != nil {
		return deadlineAsTimeout(parent.Err())
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// deadlineAsTimeout maps an expired caller deadline onto ErrTimeout. Cancellation is returned unchanged.
func deadlineAsTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ QuoteFetcher = (*Client)(nil)
