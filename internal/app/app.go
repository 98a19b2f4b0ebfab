package app

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coindrift/internal/alerting"
	"coindrift/internal/bot"
	"coindrift/internal/clock"
	"coindrift/internal/config"
	"coindrift/internal/fetcher"
	"coindrift/internal/metrics"
	"coindrift/internal/scheduler"
	"coindrift/internal/storage"
	"coindrift/internal/telegram"
	"coindrift/internal/tracker"
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

func (a *App) newClock() (*clock.Zone, error) {
	return clock.NewZone(a.Config.Timezone)
}

func (a *App) newSource() fetcher.MarketDataSource {
	return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:       a.Config.Market.BaseURL,
		APIKey:        a.Config.Market.APIKey,
		VsCurrency:    a.Config.Market.VsCurrency,
		Timeout:       a.Config.Market.RequestTimeout,
		UserAgent:     a.Config.Market.UserAgent,
		RatePerMinute: a.Config.Market.RatePerMinute,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	switch a.Config.Storage.Driver {
	case "postgres":
		pool, err := storage.NewPool(ctx, storage.PoolConfig{
			DSN:             a.Config.Storage.DSN,
			MaxOpenConns:    a.Config.Storage.MaxOpenConns,
			MaxIdleConns:    a.Config.Storage.MaxIdleConns,
			ConnMaxLifetime: a.Config.Storage.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := storage.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := storage.NewFileStore(a.Config.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func (a *App) newTelegram() *telegram.Client {
	if !a.Config.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Telegram
	return telegram.NewClient(cfg.BotToken, cfg.APIBase, a.Config.Market.RequestTimeout+cfg.PollTimeout, a.Logger)
}

func (a *App) newNotifier(client *telegram.Client) alerting.Notifier {
	if client == nil {
		return nil
	}
	return alerting.NewTelegramNotifier(client, a.Config.Telegram.ChatID, a.Logger)
}

func (a *App) newTracker(source fetcher.MarketDataSource, store storage.Store, notifier alerting.Notifier, clk clock.Clock, m *metrics.Metrics) *tracker.Tracker {
	return tracker.New(tracker.Options{
		BasketSize:       a.Config.Tracker.BasketSize,
		FetchLimit:       a.Config.Market.FetchLimit,
		DropThresholdPct: decimal.NewFromFloat(a.Config.Tracker.DropThresholdPct),
		MinMarketCap:     decimal.NewFromFloat(a.Config.Tracker.MinMarketCap),
		MinVolume:        decimal.NewFromFloat(a.Config.Tracker.MinVolume),
		MinChangePct:     decimal.NewFromFloat(a.Config.Tracker.MinChangePct),
	}, source, store, notifier, clk, m, a.Logger)
}

// Run executes the long-running tracking service: scheduler, command bot,
// and the optional metrics listener.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk, err := a.newClock()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var m *metrics.Metrics
	if a.Config.Metrics.Enabled {
		m = metrics.New()
	}

	tgClient := a.newTelegram()
	if tgClient == nil {
		a.Logger.Warn().Msg("telegram disabled; notifications will only be logged")
	}

	source := a.newSource()
	trk := a.newTracker(source, store, a.newNotifier(tgClient), clk, m)

	if err := trk.Restore(ctx); err != nil {
		// Corrupt or unreachable state store: surface loudly, start empty.
		a.Logger.Error().Err(err).Msg("failed to restore persisted state")
	}

	sched := scheduler.New(scheduler.Options{
		BaselineAt:    a.Config.BaselineTime(),
		SummaryAt:     a.Config.SummaryTime(),
		TickInterval:  a.Config.Scheduler.TickInterval,
		CheckInterval: a.Config.Scheduler.CheckInterval,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, clk, a.Logger)

	var wg sync.WaitGroup

	if m != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Serve(ctx, a.Config.Metrics.Listen, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	if tgClient != nil {
		gate := bot.NewGate(a.Config.Telegram.AdminID)
		commandBot := bot.New(tgClient, trk, gate, a.Config.Telegram.ChatID, a.Config.Telegram.PollTimeout, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := commandBot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("command bot stopped")
			}
		}()
	}

	a.Logger.Info().Msg("starting tracking service")
	err = sched.Run(ctx, scheduler.Jobs{
		SetBaseline: func(ctx context.Context) error {
			_, err := trk.SetBaseline(ctx, alerting.TriggerScheduled)
			return err
		},
		Check:        trk.Check,
		RunSummary:   trk.RunSummary,
		BaselineDate: trk.BaselineDate,
	})

	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("tracking service stopped")
	return nil
}

// Baseline captures a baseline immediately (operator-invoked).
func (a *App) Baseline(ctx context.Context) error {
	trk, cleanup, err := a.oneShotTracker(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	_, err = trk.SetBaseline(ctx, alerting.TriggerManual)
	return err
}

// Summary computes and delivers the daily report immediately.
func (a *App) Summary(ctx context.Context) error {
	trk, cleanup, err := a.oneShotTracker(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return trk.RunSummary(ctx)
}

// oneShotTracker builds a tracker with restored state for single commands.
func (a *App) oneShotTracker(ctx context.Context) (*tracker.Tracker, func(), error) {
	clk, err := a.newClock()
	if err != nil {
		return nil, nil, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	trk := a.newTracker(a.newSource(), store, a.newNotifier(a.newTelegram()), clk, nil)
	if err := trk.Restore(ctx); err != nil {
		closeStore()
		return nil, nil, err
	}
	return trk, closeStore, nil
}
