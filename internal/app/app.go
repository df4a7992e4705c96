package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/config"
	"perp-signal-alerts/internal/dedup"
	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/fetcher"
	"perp-signal-alerts/internal/handler"
	"perp-signal-alerts/internal/logging"
	"perp-signal-alerts/internal/scheduler"
	"perp-signal-alerts/internal/service"
	"perp-signal-alerts/internal/snapshot"
	"perp-signal-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) newHyperliquid() *fetcher.Hyperliquid {
	hl := a.Config.Hyperliquid
	return fetcher.NewHyperliquid(fetcher.HyperliquidOptions{
		BaseURL:   hl.BaseURL,
		Timeout:   hl.RequestTimeout,
		UserAgent: hl.UserAgent,
	}, a.Logger)
}

func (a *App) newDetectors() detector.Set {
	d := a.Config.Detectors
	return detector.Set{
		Funding: detector.NewFunding(detector.FundingOptions{TopN: d.Funding.TopN}),
		Liquidation: detector.NewLiquidation(detector.LiquidationOptions{
			RecentWindow: d.Liquidation.RecentWindow,
			Window:       d.Liquidation.Window,
			Bucket:       d.Liquidation.Bucket,
			MinCount:     d.Liquidation.MinCount,
			MinNotional:  decimal.NewFromFloat(d.Liquidation.MinNotional),
			CriticalRun:  d.Liquidation.CriticalRun,
		}),
		OpenInterest: detector.NewOpenInterest(detector.OpenInterestOptions{
			ThresholdPct: decimal.NewFromFloat(d.OpenInterest.ThresholdPct),
		}),
		Volume: detector.NewVolume(detector.VolumeOptions{
			MinSamples: d.Volume.MinSamples,
			K:          d.Volume.K,
			Window:     d.Volume.Window,
		}),
		Divergence: detector.NewDivergence(detector.DivergenceOptions{
			MinSamples:         d.Divergence.MinSamples,
			VolumeThresholdPct: decimal.NewFromFloat(d.Divergence.VolumeThresholdPct),
			PriceThresholdPct:  decimal.NewFromFloat(d.Divergence.PriceThresholdPct),
			NoiseBandPct:       decimal.NewFromFloat(d.Divergence.NoiseBandPct),
		}),
	}
}

func (a *App) newNotifier() (alerting.Notifier, error) {
	tg := a.Config.Alerting.Telegram
	if a.Config.Alerting.Enabled && tg.Enabled {
		return alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken: tg.BotToken,
			BaseURL:  tg.APIBase,
			Timeout:  tg.Timeout,
		}, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger), nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if !a.Config.Database.Enabled() {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) openGuard() (*dedup.Guard, func(), error) {
	if !a.Config.Redis.Enabled() {
		return nil, nil, nil
	}
	guard, err := dedup.New(a.Config.Redis.URL, a.Config.Redis.Password, a.Config.Redis.KeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	return guard, func() { _ = guard.Close() }, nil
}

// stack is the wired service plus whatever must be closed afterwards.
type stack struct {
	svc     *service.Service
	db      *storage.Store
	stream  *fetcher.LiquidationStream
	closers []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStack wires every collaborator from configuration. The scheduler is
// attached only when sched is non-nil.
func (a *App) buildStack(ctx context.Context, sched *scheduler.Scheduler) (*stack, error) {
	st := &stack{}

	db, closeDB, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if db == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		st.db = db
		st.closers = append(st.closers, closeDB)
	}

	guard, closeGuard, err := a.openGuard()
	if err != nil {
		st.Close()
		return nil, err
	}
	if closeGuard != nil {
		st.closers = append(st.closers, closeGuard)
	}

	notifier, err := a.newNotifier()
	if err != nil {
		st.Close()
		return nil, err
	}

	regOpts := alerting.Options{Cooldown: a.Config.Alerting.Cooldown}
	if guard != nil {
		regOpts.Guard = guard
	}
	if db != nil {
		regOpts.Store = db
		regOpts.Cooldowns = db
	}
	registry := alerting.NewRegistry(regOpts, a.Logger)

	sources := []fetcher.Source{a.newHyperliquid()}
	if a.Config.Hyperliquid.LiquidationsStream {
		st.stream = fetcher.NewLiquidationStream(fetcher.LiquidationStreamOptions{
			URL:            a.Config.Hyperliquid.WebsocketURL,
			Buffer:         a.Config.Hyperliquid.LiquidationBuffer,
			ReconnectDelay: a.Config.Hyperliquid.ReconnectDelay,
		}, a.Logger)
		sources = append(sources, st.stream)
	}

	opts := service.Options{
		Store: snapshot.New(snapshot.Options{
			Retention:            a.Config.Store.Retention,
			LiquidationRetention: a.Config.Store.LiquidationRetention,
		}),
		Detectors: a.newDetectors(),
		Registry:  registry,
		Notifier:  notifier,
		Sources:   sources,
		Scheduler: sched,
	}
	if db != nil {
		opts.History = db
		opts.HistoryTTL = a.Config.Database.HistoryTTL
		opts.Deliveries = db
	}

	svc, err := service.New(opts, a.Logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.svc = svc

	if err := svc.LoadAlerts(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	st, err := a.buildStack(ctx, sched)
	if err != nil {
		return err
	}
	defer st.Close()

	if !a.Config.Alerting.Enabled {
		a.Logger.Warn().Msg("alerting disabled; fired rules are only logged")
	}

	if loaded, err := st.svc.Warmup(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("history warmup failed; starting with an empty store")
	} else if loaded > 0 {
		a.Logger.Info().Int("points", loaded).Msg("history warmup complete")
	}

	if st.stream != nil {
		go func() {
			if err := st.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("liquidation stream stopped")
			}
		}()
	}

	if a.Config.HTTP.Enabled {
		srv := &http.Server{
			Addr:         a.Config.HTTP.Addr,
			Handler:      handler.NewRouter(st.svc, a.Logger),
			ReadTimeout:  a.Config.HTTP.ReadTimeout,
			WriteTimeout: a.Config.HTTP.WriteTimeout,
		}
		go func() {
			a.Logger.Info().Str("addr", srv.Addr).Msg("http api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("http server failed")
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = st.svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Int64("skipped_ticks", sched.Skipped()).Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting metric history.
type ExportOptions struct {
	Asset     string
	Metric    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the funding history backfill.
type BackfillOptions struct {
	Assets  []string
	From    time.Time
	To      time.Time
	DryRun  bool
	Workers int
}
