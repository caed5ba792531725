package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(opts Options) (*Cache, *clock) {
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts.Now = clk.Now
	return New(opts), clk
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("get", "/api/v1/prices", url.Values{"b": {"2", "1"}, "a": {"x"}})
	b := Key("GET", "/api/v1/prices", url.Values{"a": {"x"}, "b": {"1", "2"}})
	require.Equal(t, a, b)
	require.Equal(t, "GET /api/v1/prices?a=x&b=1&b=2", a)
	require.Equal(t, "GET /api/v1/prices", Key("GET", "/api/v1/prices", nil))
}

func TestServeIdempotentWithinTTL(t *testing.T) {
	c, clk := newTestCache(Options{})
	var calls int32
	compute := func(context.Context) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		return []byte(fmt.Sprintf(`{"n":%d}`, n)), nil
	}

	first, err := c.Serve(context.Background(), "k", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, SourceFresh, first.Source)

	clk.Advance(30 * time.Second)
	second, err := c.Serve(context.Background(), "k", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, SourceCache, second.Source)
	require.Equal(t, first.Payload, second.Payload)
	require.EqualValues(t, 1, calls)

	clk.Advance(31 * time.Second)
	third, err := c.Serve(context.Background(), "k", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, SourceFresh, third.Source)
	require.EqualValues(t, 2, calls)
}

func TestServeFallsBackToLastSuccess(t *testing.T) {
	c, clk := newTestCache(Options{})
	_, err := c.Serve(context.Background(), "k", time.Second, func(context.Context) ([]byte, error) {
		return []byte(`v1`), nil
	})
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	boom := errors.New("db down")
	res, err := c.Serve(context.Background(), "k", time.Second, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.NoError(t, err)
	require.Equal(t, SourceStale, res.Source)
	require.Equal(t, []byte(`v1`), res.Payload)
	require.Equal(t, 10*time.Second, res.Age)

	// The failure did not alter the fallback.
	payload, age, ok := c.GetFallback("k")
	require.True(t, ok)
	require.Equal(t, []byte(`v1`), payload)
	require.Equal(t, 10*time.Second, age)

	primary, _ := c.Len()
	require.Equal(t, 0, primary, "stale results are never written to the primary layer")
}

func TestServeErrorWithoutFallback(t *testing.T) {
	c, _ := newTestCache(Options{})
	boom := errors.New("boom")
	_, err := c.Serve(context.Background(), "k", time.Second, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestServeNoFallbackSkipsStale(t *testing.T) {
	c, clk := newTestCache(Options{})
	c.Put("k", []byte(`v1`), time.Second)
	clk.Advance(time.Minute)

	notFound := errors.New("not found")
	_, err := c.Serve(context.Background(), "k", time.Second, func(context.Context) ([]byte, error) {
		return nil, NoFallback(notFound)
	})
	require.ErrorIs(t, err, notFound)
}

func TestServeDeadlineThenLateRefresh(t *testing.T) {
	c, clk := newTestCache(Options{Deadline: 20 * time.Millisecond})
	c.Put("k", []byte(`old`), time.Second)
	clk.Advance(2 * time.Second)

	release := make(chan struct{})
	res, err := c.Serve(context.Background(), "k", time.Minute, func(context.Context) ([]byte, error) {
		<-release
		return []byte(`new`), nil
	})
	require.NoError(t, err)
	require.Equal(t, SourceStale, res.Source)
	require.Equal(t, []byte(`old`), res.Payload)

	close(release)
	require.Eventually(t, func() bool {
		p, ok := c.Get("k")
		return ok && string(p) == "new"
	}, time.Second, 5*time.Millisecond)

	fb, _, _ := c.GetFallback("k")
	require.Equal(t, []byte(`new`), fb)
}

func TestServeDeadlineWithoutFallback(t *testing.T) {
	c, _ := newTestCache(Options{Deadline: 10 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)

	_, err := c.Serve(context.Background(), "k", time.Minute, func(context.Context) ([]byte, error) {
		<-release
		return nil, errors.New("late")
	})
	require.ErrorIs(t, err, ErrDeadline)
}

func TestPutEvictsOldestHalf(t *testing.T) {
	c, clk := newTestCache(Options{MaxEntries: 4, FallbackMaxEntries: 100})
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("k%d", i), []byte("x"), time.Hour)
		clk.Advance(time.Second)
	}

	primary, fallback := c.Len()
	require.Equal(t, 3, primary)
	require.Equal(t, 5, fallback)
	_, ok := c.Get("k0")
	require.False(t, ok)
	_, ok = c.Get("k1")
	require.False(t, ok)
	_, ok = c.Get("k4")
	require.True(t, ok)
}

func TestInvalidatePrefixKeepsFallback(t *testing.T) {
	c, _ := newTestCache(Options{})
	c.Put("GET /api/v1/prices", []byte("a"), time.Hour)
	c.Put("GET /api/v1/prices/XAU", []byte("b"), time.Hour)
	c.Put("GET /api/v1/statistics", []byte("c"), time.Hour)

	require.Equal(t, 2, c.InvalidatePrefix("GET /api/v1/prices"))
	primary, fallback := c.Len()
	require.Equal(t, 1, primary)
	require.Equal(t, 3, fallback)
}

func TestMiddlewareCachesAndServesStale(t *testing.T) {
	c, clk := newTestCache(Options{})
	var fail atomic.Bool
	var calls int32
	handler := c.Middleware(func(*http.Request) (time.Duration, bool) { return time.Second, true })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.Header().Set("Content-Type", "application/json")
			if fail.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"success":false}`))
				return
			}
			_, _ = w.Write([]byte(`{"success":true,"data":{"mid":"2001"}}`))
		}))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prices", nil))
		return rec
	}

	rec := do()
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "MISS", rec.Header().Get(HeaderCache))

	rec = do()
	require.Equal(t, "HIT", rec.Header().Get(HeaderCache))
	require.EqualValues(t, 1, calls)

	clk.Advance(5 * time.Second)
	fail.Store(true)
	rec = do()
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "STALE", rec.Header().Get(HeaderCache))

	var body struct {
		Success    bool            `json:"success"`
		Stale      bool            `json:"stale"`
		AgeSeconds int64           `json:"age_seconds"`
		Data       json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.True(t, body.Stale)
	require.EqualValues(t, 5, body.AgeSeconds)
	require.JSONEq(t, `{"mid":"2001"}`, string(body.Data))
}

func TestMiddlewarePassesClientErrorsThrough(t *testing.T) {
	c, _ := newTestCache(Options{})
	handler := c.Middleware(func(*http.Request) (time.Duration, bool) { return time.Minute, true })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false}`))
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prices/BTC", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	primary, fallback := c.Len()
	require.Zero(t, primary)
	require.Zero(t, fallback)
}

func TestMiddlewareIgnoresWrites(t *testing.T) {
	c, _ := newTestCache(Options{})
	var calls int32
	handler := c.Middleware(func(*http.Request) (time.Duration, bool) { return time.Minute, true })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
		}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/prices/refresh", nil))
	}
	require.EqualValues(t, 2, calls)
}

func TestMiddlewareRecoversHandlerPanic(t *testing.T) {
	c, clk := newTestCache(Options{})
	var explode atomic.Bool
	handler := c.Middleware(func(*http.Request) (time.Duration, bool) { return time.Second, true })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if explode.Load() {
				panic("statistics exploded")
			}
			_, _ = w.Write([]byte(`{"success":true,"data":{"total_trades":3}}`))
		}))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/statistics", nil))
		return rec
	}

	explode.Store(true)
	rec := do()
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "statistics exploded")

	explode.Store(false)
	rec = do()
	require.Equal(t, "MISS", rec.Header().Get(HeaderCache))

	clk.Advance(2 * time.Second)
	explode.Store(true)
	rec = do()
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "STALE", rec.Header().Get(HeaderCache))
}

func TestServeTurnsPanicIntoError(t *testing.T) {
	c, _ := newTestCache(Options{})
	_, err := c.Serve(context.Background(), "GET /api/v1/trades", time.Second, func(context.Context) ([]byte, error) {
		panic("boom")
	})
	require.ErrorIs(t, err, ErrComputePanic)
}
