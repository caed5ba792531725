package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metalwatch/internal/alerting"
	"metalwatch/internal/api"
	"metalwatch/internal/breaker"
	"metalwatch/internal/config"
	"metalwatch/internal/fetcher"
	"metalwatch/internal/housekeeping"
	"metalwatch/internal/metrics"
	"metalwatch/internal/pricebook"
	"metalwatch/internal/quote"
	"metalwatch/internal/respcache"
	"metalwatch/internal/scheduler"
	"metalwatch/internal/service"
	"metalwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// pipeline is the wired refresh pipeline and its collaborators.
type pipeline struct {
	store   *storage.Store
	breaker *breaker.Breaker
	book    *pricebook.Book
	cache   *respcache.Cache
	sched   *scheduler.Scheduler
	service *service.Service
}

func (a *App) newFetcher() (*fetcher.Guarded, *breaker.Breaker) {
	src := a.Config.Source
	client := fetcher.NewClient(fetcher.Options{
		BaseURL:      src.BaseURL,
		APIKey:       src.APIKey,
		APIKeyHeader: src.APIKeyHeader,
		Paths:        a.Config.SymbolPaths(),
		Timeout:      src.RequestTimeout,
		UserAgent:    src.UserAgent,
		RateLimit:    src.RateLimit,
		Burst:        src.Burst,
		Retry: fetcher.RetryOptions{
			MaxAttempts:    src.Retry.MaxAttempts,
			InitialBackoff: src.Retry.InitialBackoff,
			MaxBackoff:     src.Retry.MaxBackoff,
			Jitter:         src.Retry.Jitter,
		},
	}, a.Logger)

	log := a.Logger.With().Str("component", "breaker").Logger()
	b := breaker.New(breaker.Config{
		FailureThreshold: a.Config.Breaker.FailureThreshold,
		RecoveryTimeout:  a.Config.Breaker.RecoveryTimeout,
		IsFailure:        fetcher.CountsAsFailure,
		OnStateChange: func(from, to breaker.State) {
			metrics.SetBreakerState(from.String(), to.String(), int(to))
			event := log.Info()
			if to == breaker.Open {
				event = log.Warn()
			}
			event.Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return fetcher.NewGuarded(client, b), b
}

func (a *App) newNotifier() (alerting.Notifier, error) {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil, nil
	}

	var out alerting.Multi
	for _, ch := range cfg.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "log":
			out = append(out, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			if !cfg.Telegram.Enabled {
				return nil, errors.New("alerting channel telegram listed but alerting.telegram.enabled is false")
			}
			out = append(out, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger))
		default:
			return nil, fmt.Errorf("unknown alerting channel %q", ch)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close store")
		}
	}
	return store, closer, nil
}

// buildPipeline wires the refresh pipeline over an open store.
func (a *App) buildPipeline(store *storage.Store) (*pipeline, error) {
	symbols, err := a.Config.TrackedSymbols()
	if err != nil {
		return nil, err
	}
	guarded, b := a.newFetcher()
	notifier, err := a.newNotifier()
	if err != nil {
		return nil, err
	}

	book := pricebook.New(store, pricebook.Options{
		ChangeThreshold: a.Config.Pricebook.ChangeThreshold,
		Observe: func(sym quote.Symbol, decision string) {
			metrics.RecordWriteDecision(sym.String(), decision)
		},
	}, a.Logger)

	var cache *respcache.Cache
	if a.Config.Cache.Enabled {
		cache = respcache.New(respcache.Options{
			MaxEntries:         a.Config.Cache.MaxEntries,
			FallbackMaxEntries: a.Config.Cache.FallbackMaxEntries,
			Deadline:           a.Config.Cache.FallbackDeadline,
			Observe:            metrics.RecordCacheResult,
		})
	}

	sc := a.Config.Scheduler
	sched := scheduler.New(scheduler.Options{
		Interval:     sc.Interval,
		StartupDelay: sc.StartupDelay,
		RunOnStart:   sc.RunOnStart,
		Adaptive: scheduler.AdaptiveOptions{
			Enabled:       sc.Adaptive.Enabled,
			Floor:         sc.Adaptive.Floor,
			Ceiling:       sc.Adaptive.Ceiling,
			MaxErrorTicks: sc.Adaptive.MaxErrorTicks,
		},
		OnInterval: metrics.SetRefreshInterval,
	}, a.Logger)

	deps := service.Deps{
		Scheduler: sched,
		Fetcher:   guarded,
		Breaker:   b,
		Book:      book,
		History:   store,
		Signals:   store,
		Trades:    store,
		Notifier:  notifier,
	}
	if cache != nil {
		deps.Cache = cache
	}
	svc := service.New(service.Options{
		Symbols:            symbols,
		FetchTimeout:       sc.FetchTimeout,
		Concurrency:        sc.Concurrency,
		StaleAfter:         a.Config.Pricebook.StaleAfter,
		InvalidatePrefixes: a.Config.Cache.InvalidatePrefixes,
	}, deps, a.Logger)

	return &pipeline{store: store, breaker: b, book: book, cache: cache, sched: sched, service: svc}, nil
}

// Serve runs the scheduler, housekeeping and HTTP API until SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := a.buildPipeline(store)
	if err != nil {
		return err
	}
	if err := p.service.LoadSnapshot(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("starting with empty price snapshot")
	}

	srvCfg := a.Config.Server
	server := api.NewServer(api.Options{
		Addr:            srvCfg.Addr,
		ReadTimeout:     srvCfg.ReadTimeout,
		WriteTimeout:    srvCfg.WriteTimeout,
		IdleTimeout:     srvCfg.IdleTimeout,
		ShutdownTimeout: srvCfg.ShutdownTimeout,
		CORSOrigins:     srvCfg.CORSOrigins,
		MetricsEnabled:  srvCfg.MetricsEnabled,
		Cache:           p.cache,
		TTLs: api.CacheTTLs{
			Prices:     a.Config.Cache.PricesTTL,
			History:    a.Config.Cache.HistoryTTL,
			Statistics: a.Config.Cache.StatisticsTTL,
		},
		DB: store,
	}, p.service, a.Logger)

	var keeper *housekeeping.Housekeeper
	if a.Config.Housekeeping.Schedule != "" {
		keeper, err = housekeeping.New(housekeeping.Options{
			Schedule:  a.Config.Housekeeping.Schedule,
			Retention: a.Config.Housekeeping.HistoryRetention,
		}, store, a.Logger)
		if err != nil {
			return err
		}
		keeper.Start(ctx)
		defer keeper.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.WithoutCancel(gctx))
	})
	if a.Config.Scheduler.Enabled {
		g.Go(func() error {
			a.Logger.Info().
				Dur("interval", p.sched.CurrentInterval()).
				Bool("adaptive", p.sched.Adaptive()).
				Msg("starting refresh scheduler")
			err := p.service.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		a.Logger.Warn().Msg("scheduler disabled; prices refresh on demand only")
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("metalwatch stopped")
	return nil
}

// Refresh runs one forced refresh pass and returns the number of symbols written.
func (a *App) Refresh(ctx context.Context) (int, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeStore()

	p, err := a.buildPipeline(store)
	if err != nil {
		return 0, err
	}
	if err := p.service.LoadSnapshot(ctx); err != nil {
		return 0, err
	}
	return p.service.ForceRefresh(ctx)
}

// Prune deletes price history older than the configured retention, or olderThan when set.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeStore()

	retention := a.Config.Housekeeping.HistoryRetention
	if olderThan > 0 {
		retention = olderThan
	}
	keeper, err := housekeeping.New(housekeeping.Options{Schedule: "@daily", Retention: retention}, store, a.Logger)
	if err != nil {
		return 0, err
	}
	return keeper.RunOnce(ctx)
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Symbols   []string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	History int
}
