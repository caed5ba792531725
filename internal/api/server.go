package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metalwatch/internal/metrics"
	"metalwatch/internal/respcache"
	"metalwatch/internal/service"
	"metalwatch/internal/storage"
)

// Backend is the query surface served over HTTP.
type Backend interface {
	Status() service.Status
	CurrentPrice(ctx context.Context, symbol string) (service.PriceView, error)
	AllCurrentPrices(ctx context.Context) ([]service.PriceView, error)
	ForceRefresh(ctx context.Context) (int, error)
	History(ctx context.Context, req service.HistoryRequest) ([]storage.HistoryPoint, error)
	CreateSignal(ctx context.Context, in service.NewSignal) (storage.Signal, error)
	GetSignal(ctx context.Context, id string) (storage.Signal, error)
	ListSignals(ctx context.Context, q service.SignalQuery) ([]storage.Signal, error)
	CancelSignal(ctx context.Context, id string) (storage.Signal, error)
	CloseSignal(ctx context.Context, id string, exit decimal.NullDecimal) (storage.TradeHistory, error)
	ListTrades(ctx context.Context, limit int) ([]storage.TradeHistory, error)
	Statistics(ctx context.Context) (storage.Statistics, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheTTLs sets the response cache TTL per endpoint class. Zero disables caching for the class.
type CacheTTLs struct {
	Prices     time.Duration
	History    time.Duration
	Statistics time.Duration
}

// Options configure the HTTP server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MetricsEnabled  bool
	// Cache fronts the read endpoints; nil disables response caching.
	Cache *respcache.Cache
	TTLs  CacheTTLs
	DB    Pinger
}

// Server serves the JSON API.
type Server struct {
	opts    Options
	backend Backend
	logger  zerolog.Logger
	router  *mux.Router
	handler http.Handler
	http    *http.Server
}

// NewServer wires routes and middleware.
func NewServer(opts Options, backend Backend, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		opts:    opts,
		backend: backend,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := mux.NewRouter()
	r.Use(s.requestID, s.accessLog, s.instrument)
	if s.opts.Cache != nil {
		r.Use(s.opts.Cache.Middleware(s.cacheTTL))
	}

	if s.opts.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	v1.HandleFunc("/prices", s.handleListPrices).Methods(http.MethodGet)
	v1.HandleFunc("/prices/refresh", s.handleRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/prices/{symbol}", s.handleGetPrice).Methods(http.MethodGet)
	v1.HandleFunc("/prices/{symbol}/history", s.handleHistory).Methods(http.MethodGet)

	v1.HandleFunc("/signals", s.handleListSignals).Methods(http.MethodGet)
	v1.HandleFunc("/signals", s.handleCreateSignal).Methods(http.MethodPost)
	v1.HandleFunc("/signals/{id}", s.handleGetSignal).Methods(http.MethodGet)
	v1.HandleFunc("/signals/{id}", s.handleCancelSignal).Methods(http.MethodDelete)
	v1.HandleFunc("/signals/{id}/close", s.handleCloseSignal).Methods(http.MethodPost)

	v1.HandleFunc("/trades", s.handleListTrades).Methods(http.MethodGet)
	v1.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", headerRequestID}),
		handlers.ExposedHeaders([]string{headerRequestID, respcache.HeaderCache}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(true),
	)

	s.router = r
	s.handler = recovery(cors(r))
	s.http = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}
}

// Handler exposes the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.opts.Addr).Msg("starting http server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("stopping http server")
	return s.http.Shutdown(ctx)
}

// cacheTTL picks the TTL class from the matched route template.
func (s *Server) cacheTTL(r *http.Request) (time.Duration, bool) {
	tpl := routeTemplate(r)
	var ttl time.Duration
	switch {
	case tpl == "/api/v1/prices" || tpl == "/api/v1/prices/{symbol}":
		ttl = s.opts.TTLs.Prices
	case strings.HasSuffix(tpl, "/history"):
		ttl = s.opts.TTLs.History
	case tpl == "/api/v1/statistics" || tpl == "/api/v1/trades":
		ttl = s.opts.TTLs.Statistics
	}
	return ttl, ttl > 0
}

// invalidateLedger drops cached ledger aggregates after a signal mutation.
func (s *Server) invalidateLedger() {
	if s.opts.Cache == nil {
		return
	}
	s.opts.Cache.InvalidatePrefix("GET /api/v1/statistics")
	s.opts.Cache.InvalidatePrefix("GET /api/v1/trades")
}

func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}

type recoveryLogger struct {
	logger zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error().Interface("panic", v).Msg("recovered from panic")
}
