package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coindrift/internal/alerting"
	"coindrift/internal/clock"
	"coindrift/internal/fetcher"
	"coindrift/internal/storage"
)

type fakeSource struct {
	mu    sync.Mutex
	coins []fetcher.Coin
	err   error
	calls int
}

func (f *fakeSource) FetchRanked(ctx context.Context, limit int) ([]fetcher.Coin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.coins) > limit {
		return f.coins[:limit], nil
	}
	return f.coins, nil
}

func (f *fakeSource) set(coins []fetcher.Coin, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coins = coins
	f.err = err
}

type fakeNotifier struct {
	mu        sync.Mutex
	baselines []alerting.BaselineNotice
	alerts    []alerting.AlertNotice
	summaries []alerting.SummaryNotice
}

func (f *fakeNotifier) BaselineSet(ctx context.Context, n alerting.BaselineNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baselines = append(f.baselines, n)
	return nil
}

func (f *fakeNotifier) DriftAlert(ctx context.Context, n alerting.AlertNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, n)
	return nil
}

func (f *fakeNotifier) DailySummary(ctx context.Context, n alerting.SummaryNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, n)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func coin(symbol string, price, change float64) fetcher.Coin {
	return fetcher.Coin{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(price),
		Change24h: decimal.NewFromFloat(change),
		Volume24h: decimal.NewFromFloat(1_000_000),
		MarketCap: decimal.NewFromFloat(1_000_000_000),
	}
}

func newTestTracker(t *testing.T, opts Options) (*Tracker, *fakeSource, *fakeNotifier, *fakeClock, storage.Store) {
	t.Helper()

	source := &fakeSource{}
	notifier := &fakeNotifier{}
	clk := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	trk := New(opts, source, store, notifier, clk, nil, zerolog.Nop())
	return trk, source, notifier, clk, store
}

func TestSetBaselineBasketInvariants(t *testing.T) {
	trk, source, notifier, _, store := newTestTracker(t, Options{})

	coins := make([]fetcher.Coin, 0, 15)
	for _, s := range []string{"BTC", "ETH", "USDT", "BNB", "SOL", "XRP", "USDC", "ADA", "DOGE", "TRX", "TON", "DOT", "LINK", "AVAX", "MATIC"} {
		coins = append(coins, coin(s, 100, 1))
	}
	source.set(coins, nil)

	baseline, err := trk.SetBaseline(context.Background(), alerting.TriggerManual)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(baseline.Coins), 10)
	seen := map[string]bool{}
	for _, c := range baseline.Coins {
		assert.False(t, seen[c.Symbol], "symbol %s appears twice", c.Symbol)
		seen[c.Symbol] = true
	}
	// Source rank order preserved.
	assert.Equal(t, "BTC", baseline.Coins[0].Symbol)
	assert.Equal(t, "TRX", baseline.Coins[9].Symbol)

	// Persisted alert state bound to the new baseline with an empty set.
	state, err := store.LoadAlertState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, baseline.Date, state.BaselineDate)
	assert.Empty(t, state.Fired)

	require.Len(t, notifier.baselines, 1)
	assert.Equal(t, alerting.TriggerManual, notifier.baselines[0].Trigger)
}

func TestSetBaselineAppliesFilters(t *testing.T) {
	trk, source, _, _, _ := newTestTracker(t, Options{
		BasketSize:   3,
		MinChangePct: decimal.NewFromInt(2),
	})

	source.set([]fetcher.Coin{
		coin("BTC", 100, 5),
		coin("ETH", 50, 1), // below gain filter
		coin("SOL", 20, 3),
		coin("XRP", 1, 2),
		coin("ADA", 2, 9),
	}, nil)

	baseline, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	require.Len(t, baseline.Coins, 3)
	assert.Equal(t, "BTC", baseline.Coins[0].Symbol)
	assert.Equal(t, "SOL", baseline.Coins[1].Symbol)
	assert.Equal(t, "XRP", baseline.Coins[2].Symbol)
}

func TestSetBaselineShortBasketWhenFilteredBelowN(t *testing.T) {
	trk, source, _, _, _ := newTestTracker(t, Options{
		BasketSize:   10,
		MinChangePct: decimal.NewFromInt(2),
	})

	source.set([]fetcher.Coin{
		coin("BTC", 100, 5),
		coin("ETH", 50, 1),
		coin("SOL", 20, 3),
	}, nil)

	baseline, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)
	require.Len(t, baseline.Coins, 2)
}

func TestSetBaselineSourceErrorLeavesStateUntouched(t *testing.T) {
	trk, source, notifier, _, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 5), coin("ETH", 50, 3)}, nil)
	first, err := trk.SetBaseline(context.Background(), alerting.TriggerManual)
	require.NoError(t, err)

	source.set(nil, &fetcher.SourceError{Op: "http request", Err: errors.New("rate limited")})
	_, err = trk.SetBaseline(context.Background(), alerting.TriggerManual)
	require.Error(t, err)
	assert.True(t, fetcher.IsSourceError(err))

	date, ok := trk.BaselineDate()
	require.True(t, ok)
	assert.Equal(t, first.Date, date)
	assert.Len(t, notifier.baselines, 1, "failed capture must not notify")
}

func TestSetBaselineTwiceSameDayProducesTwoBaselines(t *testing.T) {
	trk, source, _, clk, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 5)}, nil)
	first, err := trk.SetBaseline(context.Background(), alerting.TriggerManual)
	require.NoError(t, err)

	clk.advance(time.Hour)
	source.set([]fetcher.Coin{coin("BTC", 120, 5)}, nil)
	second, err := trk.SetBaseline(context.Background(), alerting.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, first.Date, second.Date)
	assert.NotEqual(t, first.SetAt, second.SetAt)
	assert.False(t, second.Coins[0].Price.Equal(first.Coins[0].Price))
}

func TestCheckFiresEachBreachOnce(t *testing.T) {
	trk, source, notifier, _, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 5), coin("ETH", 50, 3)}, nil)
	_, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	// ETH absent from the live window: skipped silently, no error.
	source.set([]fetcher.Coin{coin("BTC", 85, -15)}, nil)
	require.NoError(t, trk.Check(context.Background()))

	require.Len(t, notifier.alerts, 1)
	alert := notifier.alerts[0]
	assert.Equal(t, "BTC", alert.Symbol)
	assert.Equal(t, "-15.00", alert.DriftPct.StringFixed(2))
	assert.Equal(t, "100", alert.BaselinePrice.String())
	assert.Equal(t, "85", alert.LivePrice.String())

	// Still below threshold on the next tick: no duplicate.
	require.NoError(t, trk.Check(context.Background()))
	assert.Len(t, notifier.alerts, 1)

	// Falling even further does not re-fire either.
	source.set([]fetcher.Coin{coin("BTC", 40, -60)}, nil)
	require.NoError(t, trk.Check(context.Background()))
	assert.Len(t, notifier.alerts, 1)
}

func TestCheckThresholdBoundary(t *testing.T) {
	trk, source, notifier, _, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 0)}, nil)
	_, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	// drift -9.00 > -10: no alert.
	source.set([]fetcher.Coin{coin("BTC", 91, -9)}, nil)
	require.NoError(t, trk.Check(context.Background()))
	assert.Empty(t, notifier.alerts)

	// drift -12.00 <= -10: alert.
	source.set([]fetcher.Coin{coin("BTC", 88, -12)}, nil)
	require.NoError(t, trk.Check(context.Background()))
	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, "-12.00", notifier.alerts[0].DriftPct.StringFixed(2))
}

func TestCheckExactThresholdFires(t *testing.T) {
	trk, source, notifier, _, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 0)}, nil)
	_, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	source.set([]fetcher.Coin{coin("BTC", 90, -10)}, nil)
	require.NoError(t, trk.Check(context.Background()))
	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, "-10.00", notifier.alerts[0].DriftPct.StringFixed(2))
}

func TestCheckNoBaselineIsNoop(t *testing.T) {
	trk, source, notifier, _, _ := newTestTracker(t, Options{})

	require.NoError(t, trk.Check(context.Background()))
	assert.Zero(t, source.calls, "check without a baseline must not fetch")
	assert.Empty(t, notifier.alerts)
}

func TestCheckPausesAfterDateRollover(t *testing.T) {
	trk, source, notifier, clk, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 0)}, nil)
	_, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	clk.advance(24 * time.Hour)
	fetchesBefore := source.calls

	source.set([]fetcher.Coin{coin("BTC", 50, -50)}, nil)
	require.NoError(t, trk.Check(context.Background()))

	assert.Equal(t, fetchesBefore, source.calls, "rolled-over check must not fetch")
	assert.Empty(t, notifier.alerts)

	_, fired := trk.Status()
	assert.Empty(t, fired)
}

func TestCheckSourceErrorLeavesStateUnchanged(t *testing.T) {
	trk, source, notifier, _, store := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 0)}, nil)
	_, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	source.set(nil, &fetcher.SourceError{Op: "http request", Err: errors.New("timeout")})
	err = trk.Check(context.Background())
	require.Error(t, err)
	assert.True(t, fetcher.IsSourceError(err))
	assert.Empty(t, notifier.alerts)

	state, err := store.LoadAlertState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Empty(t, state.Fired)

	// Next tick proceeds normally once the source recovers.
	source.set([]fetcher.Coin{coin("BTC", 85, -15)}, nil)
	require.NoError(t, trk.Check(context.Background()))
	assert.Len(t, notifier.alerts, 1)
}

func TestClearHistoryRefiresAlert(t *testing.T) {
	trk, source, notifier, _, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 0)}, nil)
	_, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	source.set([]fetcher.Coin{coin("BTC", 85, -15)}, nil)
	require.NoError(t, trk.Check(context.Background()))
	require.Len(t, notifier.alerts, 1)

	require.NoError(t, trk.ClearHistory(context.Background()))

	require.NoError(t, trk.Check(context.Background()))
	assert.Len(t, notifier.alerts, 2, "cleared history must allow a re-fire")
}

func TestClearHistoryWithoutBaseline(t *testing.T) {
	trk, _, _, _, _ := newTestTracker(t, Options{})
	err := trk.ClearHistory(context.Background())
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestNewBaselineResetsFiredSet(t *testing.T) {
	trk, source, notifier, _, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 0)}, nil)
	_, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	source.set([]fetcher.Coin{coin("BTC", 85, -15)}, nil)
	require.NoError(t, trk.Check(context.Background()))
	require.Len(t, notifier.alerts, 1)

	// New baseline at the depressed price resets dedup; a further drop
	// against the new reference fires again.
	_, err = trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	source.set([]fetcher.Coin{coin("BTC", 70, -30)}, nil)
	require.NoError(t, trk.Check(context.Background()))
	require.Len(t, notifier.alerts, 2)
	assert.Equal(t, "85", notifier.alerts[1].BaselinePrice.String())
}

func TestSummarySortedByDriftDescendingStable(t *testing.T) {
	trk, source, notifier, _, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{
		coin("BTC", 100, 0),
		coin("ETH", 50, 0),
		coin("SOL", 20, 0),
		coin("XRP", 10, 0),
	}, nil)
	_, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	// ETH and XRP tie at +10%; baseline order (ETH before XRP) must hold.
	source.set([]fetcher.Coin{
		coin("BTC", 95, 0),  // -5
		coin("ETH", 55, 0),  // +10
		coin("SOL", 24, 0),  // +20
		coin("XRP", 11, 0),  // +10
	}, nil)

	require.NoError(t, trk.RunSummary(context.Background()))
	require.Len(t, notifier.summaries, 1)

	rows := notifier.summaries[0].Rows
	require.Len(t, rows, 4)
	assert.Equal(t, "SOL", rows[0].Symbol)
	assert.Equal(t, "ETH", rows[1].Symbol)
	assert.Equal(t, "XRP", rows[2].Symbol)
	assert.Equal(t, "BTC", rows[3].Symbol)

	// Pure reporting: the fired set is untouched.
	_, fired := trk.Status()
	assert.Empty(t, fired)
}

func TestSummaryExcludesUnmatchedSymbols(t *testing.T) {
	trk, source, _, _, _ := newTestTracker(t, Options{})

	source.set([]fetcher.Coin{coin("BTC", 100, 0), coin("ETH", 50, 0)}, nil)
	_, err := trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)

	source.set([]fetcher.Coin{coin("BTC", 110, 0)}, nil)
	notice, err := trk.Summary(context.Background())
	require.NoError(t, err)

	require.Len(t, notice.Rows, 1)
	assert.Equal(t, "BTC", notice.Rows[0].Symbol)
	assert.Equal(t, "10.00", notice.Rows[0].DriftPct.StringFixed(2))
}

func TestSummaryWithoutBaseline(t *testing.T) {
	trk, _, notifier, _, _ := newTestTracker(t, Options{})

	// RunSummary treats a missing baseline as a quiet no-op.
	require.NoError(t, trk.RunSummary(context.Background()))
	assert.Empty(t, notifier.summaries)

	_, err := trk.Summary(context.Background())
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestRestoreSelfHealsStaleAlertState(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)

	clk := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	baseline := storage.Baseline{
		Date:  clock.Date{Year: 2025, Month: time.June, Day: 2},
		SetAt: clk.Now(),
		Coins: []storage.CoinSnapshot{{Symbol: "BTC", Price: decimal.NewFromInt(100)}},
	}
	require.NoError(t, store.SaveBaseline(context.Background(), baseline))

	stale := storage.AlertState{
		BaselineDate: clock.Date{Year: 2025, Month: time.June, Day: 1},
		Fired:        []string{"BTC"},
	}
	require.NoError(t, store.SaveAlertState(context.Background(), stale))

	trk := New(Options{}, &fakeSource{}, store, nil, clk, nil, zerolog.Nop())
	require.NoError(t, trk.Restore(context.Background()))

	restored, fired := trk.Status()
	require.NotNil(t, restored)
	assert.Equal(t, baseline.Date, restored.Date)
	assert.Empty(t, fired, "stale fired set must reset on restore")
}

func TestRestoreWithoutPersistedState(t *testing.T) {
	trk, _, _, _, _ := newTestTracker(t, Options{})
	require.NoError(t, trk.Restore(context.Background()))

	_, ok := trk.BaselineDate()
	assert.False(t, ok)
}

func TestAlertStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)

	source := &fakeSource{}
	clk := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	notifier := &fakeNotifier{}

	trk := New(Options{}, source, store, notifier, clk, nil, zerolog.Nop())
	source.set([]fetcher.Coin{coin("BTC", 100, 0)}, nil)
	_, err = trk.SetBaseline(context.Background(), alerting.TriggerScheduled)
	require.NoError(t, err)
	source.set([]fetcher.Coin{coin("BTC", 85, -15)}, nil)
	require.NoError(t, trk.Check(context.Background()))
	require.Len(t, notifier.alerts, 1)

	// Restarted process must not re-fire the persisted alert.
	restarted := New(Options{}, source, store, notifier, clk, nil, zerolog.Nop())
	require.NoError(t, restarted.Restore(context.Background()))
	require.NoError(t, restarted.Check(context.Background()))
	assert.Len(t, notifier.alerts, 1)
}

func TestDescribeError(t *testing.T) {
	assert.Equal(t, "no baseline set", DescribeError(ErrNoBaseline))
	assert.Equal(t, "market data source unavailable; will retry",
		DescribeError(&fetcher.SourceError{Op: "x", Err: errors.New("boom")}))
	assert.Equal(t, "state updated but not saved to disk",
		DescribeError(&storage.PersistenceError{Op: "x", Err: errors.New("boom")}))
}
