package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coindrift/internal/alerting"
	"coindrift/internal/clock"
	"coindrift/internal/fetcher"
	"coindrift/internal/metrics"
	"coindrift/internal/storage"
)

// ErrNoBaseline is returned by operations that need an active baseline.
var ErrNoBaseline = errors.New("no baseline set")

var hundred = decimal.NewFromInt(100)

// Options tune baseline selection and alerting.
type Options struct {
	// BasketSize is the top-N basket, capped at 10.
	BasketSize int
	// FetchLimit is the broader window used for drift checks, since
	// baseline symbols may have slipped in rank.
	FetchLimit int
	// DropThresholdPct fires an alert when drift falls to or below it.
	DropThresholdPct decimal.Decimal
	// Optional selection filters; zero disables each.
	MinMarketCap decimal.Decimal
	MinVolume    decimal.Decimal
	MinChangePct decimal.Decimal
}

// Tracker owns the Baseline and AlertState singletons. All mutation runs
// under one mutex: a drift check reads the baseline date and coins
// together and must never observe a half-replaced baseline.
type Tracker struct {
	mu       sync.Mutex
	baseline *storage.Baseline
	alerts   storage.AlertState

	opts     Options
	source   fetcher.MarketDataSource
	store    storage.Store
	notifier alerting.Notifier
	clk      clock.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New constructs a Tracker. The notifier and metrics may be nil.
func New(opts Options, source fetcher.MarketDataSource, store storage.Store, notifier alerting.Notifier, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Tracker {
	if opts.BasketSize <= 0 || opts.BasketSize > 10 {
		opts.BasketSize = 10
	}
	if opts.FetchLimit < opts.BasketSize {
		opts.FetchLimit = 100
	}
	if opts.DropThresholdPct.IsZero() {
		opts.DropThresholdPct = decimal.NewFromInt(-10)
	}

	return &Tracker{
		opts:     opts,
		source:   source,
		store:    store,
		notifier: notifier,
		clk:      clk,
		metrics:  m,
		logger:   logger.With().Str("component", "tracker").Logger(),
	}
}

// Restore loads persisted state. A missing baseline is the normal first-run
// condition, not an error. An alert state whose date does not match the
// baseline is stale and resets to empty.
func (t *Tracker) Restore(ctx context.Context) error {
	baseline, err := t.store.LoadBaseline(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if baseline == nil {
		t.logger.Info().Msg("no persisted baseline; waiting for first capture")
		return nil
	}
	t.baseline = baseline

	state, err := t.store.LoadAlertState(ctx)
	if err != nil {
		return err
	}
	if state == nil || state.BaselineDate != baseline.Date {
		t.alerts = storage.NewAlertState(baseline.Date)
		t.logger.Warn().Str("baseline_date", baseline.Date.String()).
			Msg("alert state missing or stale; reset to empty")
	} else {
		t.alerts = *state
	}

	t.logger.Info().Str("date", baseline.Date.String()).
		Int("coins", len(baseline.Coins)).
		Int("fired", len(t.alerts.Fired)).
		Msg("restored persisted baseline")
	return nil
}

// SetBaseline captures a fresh top-N snapshot, replaces the active baseline,
// resets the fired set, persists both records (baseline first), and
// announces the new basket. There is no same-day guard here: repeat guarding
// belongs to the scheduler.
func (t *Tracker) SetBaseline(ctx context.Context, trigger alerting.Trigger) (*storage.Baseline, error) {
	coins, err := t.source.FetchRanked(ctx, t.opts.FetchLimit)
	if err != nil {
		if t.metrics != nil {
			t.metrics.FetchErrors.Inc()
		}
		return nil, err
	}

	basket := t.selectBasket(coins)
	if len(basket) == 0 {
		return nil, &fetcher.SourceError{Op: "select basket", Err: errors.New("no instruments passed selection")}
	}

	now := t.clk.Now()
	baseline := storage.Baseline{
		Date:  clock.DateOf(now),
		SetAt: now,
		Coins: basket,
	}

	t.mu.Lock()
	t.baseline = &baseline
	t.alerts = storage.NewAlertState(baseline.Date)

	// Baseline must be durable before the alert state that references it.
	var persistErr error
	if err := t.store.SaveBaseline(ctx, baseline); err != nil {
		persistErr = err
	} else if err := t.store.SaveAlertState(ctx, t.alerts); err != nil {
		persistErr = err
	}
	t.mu.Unlock()

	if persistErr != nil {
		if t.metrics != nil {
			t.metrics.PersistErrors.Inc()
		}
		t.logger.Error().Err(persistErr).Msg("baseline replaced in memory but not durable")
	}

	if t.metrics != nil {
		t.metrics.BaselinesSet.Inc()
	}
	t.logger.Info().Str("date", baseline.Date.String()).
		Str("trigger", string(trigger)).
		Int("coins", len(basket)).
		Msg("baseline set")

	if t.notifier != nil {
		notice := alerting.BaselineNotice{Trigger: trigger, Baseline: baseline}
		if err := t.notifier.BaselineSet(ctx, notice); err != nil {
			t.logger.Error().Err(err).Msg("failed to send baseline notification")
		}
	}

	if persistErr != nil {
		return &baseline, persistErr
	}
	return &baseline, nil
}

// selectBasket applies the optional filters and takes the first BasketSize
// instruments in source rank order. Ties keep source order; nothing is
// re-sorted here.
func (t *Tracker) selectBasket(coins []fetcher.Coin) []storage.CoinSnapshot {
	basket := make([]storage.CoinSnapshot, 0, t.opts.BasketSize)
	seen := make(map[string]struct{}, t.opts.BasketSize)

	for _, coin := range coins {
		if len(basket) == t.opts.BasketSize {
			break
		}
		if _, dup := seen[coin.Symbol]; dup {
			continue
		}
		if !t.opts.MinMarketCap.IsZero() && coin.MarketCap.LessThan(t.opts.MinMarketCap) {
			continue
		}
		if !t.opts.MinVolume.IsZero() && coin.Volume24h.LessThan(t.opts.MinVolume) {
			continue
		}
		if !t.opts.MinChangePct.IsZero() && coin.Change24h.LessThan(t.opts.MinChangePct) {
			continue
		}
		seen[coin.Symbol] = struct{}{}
		basket = append(basket, storage.CoinSnapshot{
			Symbol:    coin.Symbol,
			Price:     coin.Price,
			Change24h: coin.Change24h,
		})
	}
	return basket
}

// Check compares live prices against the active baseline and fires each
// threshold breach at most once per symbol per baseline day. A data source
// failure aborts the tick without touching state.
func (t *Tracker) Check(ctx context.Context) error {
	if t.metrics != nil {
		t.metrics.ChecksRun.Inc()
	}

	t.mu.Lock()
	if t.baseline == nil {
		t.mu.Unlock()
		t.logger.Debug().Msg("check skipped: no baseline")
		return nil
	}
	baseline := t.baseline.Clone()
	t.mu.Unlock()

	today := clock.Today(t.clk)
	if baseline.Date != today {
		// Day rolled over without a fresh baseline; checks pause until
		// the scheduler sets one.
		t.logger.Debug().Str("baseline_date", baseline.Date.String()).
			Str("today", today.String()).
			Msg("check skipped: baseline is not for today")
		return nil
	}

	live, err := t.source.FetchRanked(ctx, t.opts.FetchLimit)
	if err != nil {
		if t.metrics != nil {
			t.metrics.FetchErrors.Inc()
		}
		return err
	}

	prices := make(map[string]decimal.Decimal, len(live))
	for _, coin := range live {
		if _, dup := prices[coin.Symbol]; !dup {
			prices[coin.Symbol] = coin.Price
		}
	}

	now := t.clk.Now()
	var notices []alerting.AlertNotice

	t.mu.Lock()
	// The baseline may have been replaced while the fetch was in flight;
	// alert bookkeeping only applies to the snapshot it was computed from.
	if t.baseline == nil || t.baseline.Date != baseline.Date {
		t.mu.Unlock()
		return nil
	}
	for _, base := range baseline.Coins {
		livePrice, ok := prices[base.Symbol]
		if !ok {
			// Dropped out of the ranked window; not an error.
			continue
		}
		drift := driftPct(base.Price, livePrice)
		if drift.GreaterThan(t.opts.DropThresholdPct) {
			continue
		}
		if t.alerts.Has(base.Symbol) {
			continue
		}

		t.alerts.Add(base.Symbol)
		if err := t.store.SaveAlertState(ctx, t.alerts); err != nil {
			if t.metrics != nil {
				t.metrics.PersistErrors.Inc()
			}
			t.logger.Error().Err(err).Str("symbol", base.Symbol).
				Msg("alert state not durable; alert still suppressed in memory")
		}

		notices = append(notices, alerting.AlertNotice{
			Symbol:        base.Symbol,
			DriftPct:      drift,
			BaselinePrice: base.Price,
			LivePrice:     livePrice,
			At:            now,
		})
	}
	t.mu.Unlock()

	for _, notice := range notices {
		if t.metrics != nil {
			t.metrics.AlertsFired.Inc()
		}
		t.logger.Warn().Str("symbol", notice.Symbol).
			Str("drift_pct", notice.DriftPct.StringFixed(2)).
			Msg("drop threshold breached")
		if t.notifier != nil {
			if err := t.notifier.DriftAlert(ctx, notice); err != nil {
				t.logger.Error().Err(err).Str("symbol", notice.Symbol).
					Msg("failed to send drift alert")
			}
		}
	}

	return nil
}

// Summary computes the ranked daily report without mutating any state.
func (t *Tracker) Summary(ctx context.Context) (*alerting.SummaryNotice, error) {
	t.mu.Lock()
	if t.baseline == nil {
		t.mu.Unlock()
		return nil, ErrNoBaseline
	}
	baseline := t.baseline.Clone()
	t.mu.Unlock()

	live, err := t.source.FetchRanked(ctx, t.opts.FetchLimit)
	if err != nil {
		if t.metrics != nil {
			t.metrics.FetchErrors.Inc()
		}
		return nil, err
	}

	prices := make(map[string]decimal.Decimal, len(live))
	for _, coin := range live {
		if _, dup := prices[coin.Symbol]; !dup {
			prices[coin.Symbol] = coin.Price
		}
	}

	rows := make([]alerting.SummaryRow, 0, len(baseline.Coins))
	for _, base := range baseline.Coins {
		livePrice, ok := prices[base.Symbol]
		if !ok {
			// Unmatched symbols are excluded, not reported as zero drift.
			continue
		}
		rows = append(rows, alerting.SummaryRow{
			Symbol:        base.Symbol,
			DriftPct:      driftPct(base.Price, livePrice),
			BaselinePrice: base.Price,
			LivePrice:     livePrice,
		})
	}

	// Best performer first; ties keep the baseline's original order.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].DriftPct.GreaterThan(rows[j].DriftPct)
	})

	return &alerting.SummaryNotice{
		Date: baseline.Date,
		At:   t.clk.Now(),
		Rows: rows,
	}, nil
}

// RunSummary computes the daily report and delivers it as one notification.
func (t *Tracker) RunSummary(ctx context.Context) error {
	notice, err := t.Summary(ctx)
	if err != nil {
		if errors.Is(err, ErrNoBaseline) {
			t.logger.Debug().Msg("summary skipped: no baseline")
			return nil
		}
		return err
	}

	if t.metrics != nil {
		t.metrics.SummariesSent.Inc()
	}
	t.logger.Info().Str("date", notice.Date.String()).
		Int("rows", len(notice.Rows)).
		Msg("daily summary computed")

	if t.notifier != nil {
		if err := t.notifier.DailySummary(ctx, *notice); err != nil {
			t.logger.Error().Err(err).Msg("failed to send daily summary")
		}
	}
	return nil
}

// ClearHistory resets the fired set against the current baseline without
// capturing a new one.
func (t *Tracker) ClearHistory(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.baseline == nil {
		return ErrNoBaseline
	}

	t.alerts = storage.NewAlertState(t.baseline.Date)
	if err := t.store.SaveAlertState(ctx, t.alerts); err != nil {
		if t.metrics != nil {
			t.metrics.PersistErrors.Inc()
		}
		return err
	}

	t.logger.Info().Str("date", t.baseline.Date.String()).Msg("alert history cleared")
	return nil
}

// BaselineDate reports the active baseline's date, if any. The scheduler
// uses it for the once-per-day trigger guard.
func (t *Tracker) BaselineDate() (clock.Date, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.baseline == nil {
		return clock.Date{}, false
	}
	return t.baseline.Date, true
}

// Status returns a consistent copy of the current baseline and fired set.
func (t *Tracker) Status() (*storage.Baseline, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fired := make([]string, len(t.alerts.Fired))
	copy(fired, t.alerts.Fired)
	return t.baseline.Clone(), fired
}

// driftPct is (live-base)/base*100, as a percentage.
func driftPct(base, live decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return live.Sub(base).Div(base).Mul(hundred)
}

// DescribeError renders an operation error as the plain outcome text shown
// to the operator; transport layers prepend nothing.
func DescribeError(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoBaseline):
		return "no baseline set"
	case fetcher.IsSourceError(err):
		return "market data source unavailable; will retry"
	case storage.IsPersistenceError(err):
		return "state updated but not saved to disk"
	default:
		return fmt.Sprintf("error: %v", err)
	}
}
