package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"metalwatch/internal/breaker"
	"metalwatch/internal/quote"
	"metalwatch/internal/respcache"
	"metalwatch/internal/service"
	"metalwatch/internal/storage"
)

type fakeBackend struct {
	priceCalls atomic.Int32

	mu        sync.Mutex
	priceErr  error
	created   service.NewSignal
	closeExit decimal.NullDecimal
}

func (f *fakeBackend) setPriceErr(err error) {
	f.mu.Lock()
	f.priceErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) recorded() (service.NewSignal, decimal.NullDecimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.closeExit
}

func (f *fakeBackend) Status() service.Status {
	return service.Status{Symbols: quote.Supported, SnapshotSize: 1}
}

func (f *fakeBackend) CurrentPrice(_ context.Context, symbol string) (service.PriceView, error) {
	f.priceCalls.Add(1)
	f.mu.Lock()
	err := f.priceErr
	f.mu.Unlock()
	if err != nil {
		return service.PriceView{}, err
	}
	sym, err := quote.ParseSymbol(symbol)
	if err != nil {
		return service.PriceView{}, service.ErrUnsupportedSymbol
	}
	mid := decimal.RequireFromString("2001.00")
	return service.PriceView{Quote: quote.Quote{Symbol: sym, Bid: mid, Ask: mid, Mid: mid}}, nil
}

func (f *fakeBackend) AllCurrentPrices(context.Context) ([]service.PriceView, error) {
	return nil, service.ErrUnavailable
}

func (f *fakeBackend) ForceRefresh(context.Context) (int, error) { return 3, nil }

func (f *fakeBackend) History(_ context.Context, req service.HistoryRequest) ([]storage.HistoryPoint, error) {
	return []storage.HistoryPoint{{Symbol: quote.Symbol(req.Symbol)}}, nil
}

func (f *fakeBackend) CreateSignal(_ context.Context, in service.NewSignal) (storage.Signal, error) {
	f.mu.Lock()
	f.created = in
	f.mu.Unlock()
	if in.Side != "buy" && in.Side != "sell" {
		return storage.Signal{}, service.ErrInvalidInput
	}
	return storage.Signal{ID: uuid.New(), Symbol: quote.Symbol(in.Symbol), Side: storage.Side(in.Side), Status: storage.StatusOpen}, nil
}

func (f *fakeBackend) GetSignal(context.Context, string) (storage.Signal, error) {
	return storage.Signal{}, service.ErrNotFound
}

func (f *fakeBackend) ListSignals(context.Context, service.SignalQuery) ([]storage.Signal, error) {
	return []storage.Signal{}, nil
}

func (f *fakeBackend) CancelSignal(context.Context, string) (storage.Signal, error) {
	return storage.Signal{}, service.ErrConflict
}

func (f *fakeBackend) CloseSignal(_ context.Context, _ string, exit decimal.NullDecimal) (storage.TradeHistory, error) {
	f.mu.Lock()
	f.closeExit = exit
	f.mu.Unlock()
	return storage.TradeHistory{ExitPrice: exit.Decimal}, nil
}

func (f *fakeBackend) ListTrades(context.Context, int) ([]storage.TradeHistory, error) {
	return []storage.TradeHistory{}, nil
}

func (f *fakeBackend) Statistics(context.Context) (storage.Statistics, error) {
	return storage.Statistics{TotalTrades: 2}, nil
}

func newTestServer(t *testing.T, backend Backend, cache *respcache.Cache) *httptest.Server {
	t.Helper()
	s := NewServer(Options{
		Cache:          cache,
		TTLs:           CacheTTLs{Prices: time.Minute, Statistics: time.Minute},
		MetricsEnabled: true,
	}, backend, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestGetPriceIsCached(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(t, backend, respcache.New(respcache.Options{}))

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/prices/XAU", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "MISS", resp.Header.Get(respcache.HeaderCache))
	require.NotEmpty(t, resp.Header.Get(headerRequestID))
	require.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	require.Equal(t, "2001", data["mid"])
	require.Equal(t, false, data["stale"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/prices/XAU", "")
	require.Equal(t, "HIT", resp.Header.Get(respcache.HeaderCache))
	require.Equal(t, int32(1), backend.priceCalls.Load())
}

func TestGetPriceServesStaleOnUpstreamFailure(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	cache := respcache.New(respcache.Options{Now: func() time.Time { return time.Unix(0, now.Load()) }})
	backend := &fakeBackend{}
	srv := newTestServer(t, backend, cache)

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/prices/XAU", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	now.Add(int64(2 * time.Minute))
	backend.setPriceErr(errors.New("boom"))
	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/prices/XAU", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "STALE", resp.Header.Get(respcache.HeaderCache))
	require.Equal(t, true, body["stale"])
	require.EqualValues(t, 120, body["age_seconds"])
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	cases := []struct {
		method, path, body string
		status             int
		code               string
	}{
		{http.MethodGet, "/api/v1/prices/BTC", "", http.StatusBadRequest, "unsupported_symbol"},
		{http.MethodGet, "/api/v1/prices", "", http.StatusServiceUnavailable, "unavailable"},
		{http.MethodGet, "/api/v1/signals/abc", "", http.StatusNotFound, "not_found"},
		{http.MethodDelete, "/api/v1/signals/abc", "", http.StatusConflict, "conflict"},
		{http.MethodPost, "/api/v1/signals", `{"symbol":"XAU","side":"hold","entry_price":"1"}`, http.StatusBadRequest, "invalid_input"},
		{http.MethodPost, "/api/v1/signals", `{"unknown":true}`, http.StatusBadRequest, "invalid_input"},
		{http.MethodGet, "/api/v1/prices/XAU/history?limit=-1", "", http.StatusBadRequest, "invalid_input"},
		{http.MethodGet, "/api/v1/nope", "", http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		resp, body := do(t, tc.method, srv.URL+tc.path, tc.body)
		require.Equal(t, tc.status, resp.StatusCode, "%s %s", tc.method, tc.path)
		require.Equal(t, false, body["success"])
		require.Equal(t, tc.code, body["error"].(map[string]any)["code"], "%s %s", tc.method, tc.path)
	}
}

func TestCreateAndCloseSignal(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(t, backend, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/signals",
		`{"symbol":"XAU","side":"buy","entry_price":"2000.5","target_price":2050,"stop_loss":null}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "open", body["data"].(map[string]any)["status"])
	created, _ := backend.recorded()
	require.True(t, created.EntryPrice.Equal(decimal.RequireFromString("2000.5")))
	require.True(t, created.TargetPrice.Valid)
	require.False(t, created.StopLoss.Valid)

	id := uuid.NewString()
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/signals/"+id+"/close", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, exit := backend.recorded()
	require.False(t, exit.Valid)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/signals/"+id+"/close", `{"exit_price":"2100"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, exit = backend.recorded()
	require.True(t, exit.Valid)
}

func TestRefreshStatusAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/prices/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, body["data"].(map[string]any)["updated"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["data"].(map[string]any)["snapshot_size"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["data"].(map[string]any)["status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetPriceUnavailableIsServerError(t *testing.T) {
	backend := &fakeBackend{}
	backend.setPriceErr(fmt.Errorf("%w: XAU: %w", service.ErrUnavailable, breaker.ErrCircuitOpen))

	for _, cache := range []*respcache.Cache{nil, respcache.New(respcache.Options{})} {
		srv := newTestServer(t, backend, cache)
		resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/prices/XAU", "")
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.Equal(t, false, body["success"])
		require.Equal(t, "unavailable", body["error"].(map[string]any)["code"])
	}
}
