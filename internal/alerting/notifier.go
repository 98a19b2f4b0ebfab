package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coindrift/internal/clock"
	"coindrift/internal/storage"
	"coindrift/internal/telegram"
)

// Trigger distinguishes how a baseline came to be set.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// BaselineNotice announces a freshly captured baseline.
type BaselineNotice struct {
	Trigger  Trigger
	Baseline storage.Baseline
}

// AlertNotice announces one threshold breach.
type AlertNotice struct {
	Symbol        string
	DriftPct      decimal.Decimal
	BaselinePrice decimal.Decimal
	LivePrice     decimal.Decimal
	At            time.Time
}

// SummaryRow is one instrument's standing in the daily report.
type SummaryRow struct {
	Symbol        string
	DriftPct      decimal.Decimal
	BaselinePrice decimal.Decimal
	LivePrice     decimal.Decimal
}

// SummaryNotice carries the ranked end-of-day report.
type SummaryNotice struct {
	Date clock.Date
	At   time.Time
	Rows []SummaryRow
}

// Notifier delivers reports to the configured audience. Delivery is best
// effort: callers log failures and move on.
type Notifier interface {
	BaselineSet(ctx context.Context, notice BaselineNotice) error
	DriftAlert(ctx context.Context, notice AlertNotice) error
	DailySummary(ctx context.Context, notice SummaryNotice) error
}

// TelegramNotifier renders notices as text and pushes them over the Bot API.
type TelegramNotifier struct {
	client *telegram.Client
	chatID string
	logger zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram-backed notifier.
func NewTelegramNotifier(client *telegram.Client, chatID string, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		client: client,
		chatID: chatID,
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// BaselineSet announces the new top-N basket.
func (n *TelegramNotifier) BaselineSet(ctx context.Context, notice BaselineNotice) error {
	if err := n.client.SendMessage(ctx, n.chatID, renderBaseline(notice)); err != nil {
		return err
	}
	n.logger.Info().Str("date", notice.Baseline.Date.String()).
		Str("trigger", string(notice.Trigger)).
		Int("coins", len(notice.Baseline.Coins)).
		Msg("baseline notification sent")
	return nil
}

// DriftAlert announces one threshold breach.
func (n *TelegramNotifier) DriftAlert(ctx context.Context, notice AlertNotice) error {
	if err := n.client.SendMessage(ctx, n.chatID, renderAlert(notice)); err != nil {
		return err
	}
	n.logger.Info().Str("symbol", notice.Symbol).
		Str("drift_pct", notice.DriftPct.StringFixed(2)).
		Msg("drift alert sent")
	return nil
}

// DailySummary posts the ranked report.
func (n *TelegramNotifier) DailySummary(ctx context.Context, notice SummaryNotice) error {
	if err := n.client.SendMessage(ctx, n.chatID, renderSummary(notice)); err != nil {
		return err
	}
	n.logger.Info().Str("date", notice.Date.String()).
		Int("rows", len(notice.Rows)).
		Msg("daily summary sent")
	return nil
}

func renderBaseline(notice BaselineNotice) string {
	builder := strings.Builder{}
	switch notice.Trigger {
	case TriggerManual:
		builder.WriteString("[Baseline Set - manual]\n")
	default:
		builder.WriteString("[Baseline Set - scheduled]\n")
	}
	builder.WriteString(fmt.Sprintf("Date: %s\n", notice.Baseline.Date))
	builder.WriteString(fmt.Sprintf("Captured: %s\n", notice.Baseline.SetAt.Format("15:04:05 MST")))
	for i, coin := range notice.Baseline.Coins {
		builder.WriteString(fmt.Sprintf("%d. %s  $%s  (24h %s%%)\n",
			i+1, coin.Symbol, coin.Price.String(), coin.Change24h.StringFixed(2)))
	}
	return builder.String()
}

func renderAlert(notice AlertNotice) string {
	builder := strings.Builder{}
	builder.WriteString("[Drift Alert]\n")
	builder.WriteString(fmt.Sprintf("%s dropped %s%% from baseline\n", notice.Symbol, notice.DriftPct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Baseline: $%s\n", notice.BaselinePrice.String()))
	builder.WriteString(fmt.Sprintf("Now: $%s\n", notice.LivePrice.String()))
	builder.WriteString(fmt.Sprintf("Time: %s\n", notice.At.Format("2006-01-02 15:04:05 MST")))
	return builder.String()
}

func renderSummary(notice SummaryNotice) string {
	builder := strings.Builder{}
	builder.WriteString("[Daily Summary]\n")
	builder.WriteString(fmt.Sprintf("Date: %s\n", notice.Date))
	for i, row := range notice.Rows {
		builder.WriteString(fmt.Sprintf("%d. %s  %s%%  ($%s -> $%s)\n",
			i+1, row.Symbol, row.DriftPct.StringFixed(2),
			row.BaselinePrice.String(), row.LivePrice.String()))
	}
	if len(notice.Rows) == 0 {
		builder.WriteString("no instruments matched a live quote\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
