package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"coindrift/internal/alerting"
	"coindrift/internal/telegram"
	"coindrift/internal/tracker"
)

// ErrUnauthorized is returned when a non-admin invokes a mutating command.
var ErrUnauthorized = errors.New("admin only")

// Gate is the single authorization check wrapping every mutating entry
// point: one configured administrator identity, compared by user ID.
type Gate struct {
	adminID int64
}

// NewGate binds the gate to the configured administrator.
func NewGate(adminID int64) Gate {
	return Gate{adminID: adminID}
}

// Authorize admits only the configured administrator.
func (g Gate) Authorize(userID int64) error {
	if g.adminID == 0 || userID != g.adminID {
		return ErrUnauthorized
	}
	return nil
}

// Bot long-polls Telegram for operator commands and routes them into the
// tracker. Replies are plain outcome text; all state logic stays in the
// core.
type Bot struct {
	client      *telegram.Client
	tracker     *tracker.Tracker
	gate        Gate
	chatID      string
	pollTimeout time.Duration
	logger      zerolog.Logger
}

// New constructs the command bot.
func New(client *telegram.Client, trk *tracker.Tracker, gate Gate, chatID string, pollTimeout time.Duration, logger zerolog.Logger) *Bot {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Bot{
		client:      client,
		tracker:     trk,
		gate:        gate,
		chatID:      chatID,
		pollTimeout: pollTimeout,
		logger:      logger.With().Str("component", "bot").Logger(),
	}
}

// Run long-polls until ctx is cancelled. Transport failures back off and
// retry; they never stop the loop.
func (b *Bot) Run(ctx context.Context) error {
	var offset int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := b.client.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error().Err(err).Msg("getUpdates failed; backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			b.handle(ctx, update)
		}
	}
}

func (b *Bot) handle(ctx context.Context, update telegram.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}

	command := strings.ToLower(strings.Fields(msg.Text)[0])
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}

	b.logger.Info().Str("command", command).Int64("from", msg.From.ID).Msg("command received")

	reply := b.dispatch(ctx, command, msg.From.ID)
	if reply == "" {
		return
	}

	chatID := b.chatID
	if chatID == "" {
		chatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if err := b.client.SendMessage(ctx, chatID, reply); err != nil {
		b.logger.Error().Err(err).Str("command", command).Msg("failed to send reply")
	}
}

func (b *Bot) dispatch(ctx context.Context, command string, userID int64) string {
	switch command {
	case "/setbaseline":
		if err := b.gate.Authorize(userID); err != nil {
			return "admin only"
		}
		if _, err := b.tracker.SetBaseline(ctx, alerting.TriggerManual); err != nil {
			return tracker.DescribeError(err)
		}
		// The tracker already announced the new basket.
		return ""

	case "/clearhistory":
		if err := b.gate.Authorize(userID); err != nil {
			return "admin only"
		}
		if err := b.tracker.ClearHistory(ctx); err != nil {
			return tracker.DescribeError(err)
		}
		return "alert history cleared"

	case "/summary":
		if err := b.tracker.RunSummary(ctx); err != nil {
			return tracker.DescribeError(err)
		}
		return ""

	case "/status":
		return b.renderStatus()

	case "/help", "/start":
		return "commands: /setbaseline /clearhistory /summary /status"

	default:
		return ""
	}
}

func (b *Bot) renderStatus() string {
	baseline, fired := b.tracker.Status()
	if baseline == nil {
		return "no baseline set"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("baseline date: %s\n", baseline.Date))
	builder.WriteString(fmt.Sprintf("captured at: %s\n", baseline.SetAt.Format("15:04:05 MST")))
	symbols := make([]string, 0, len(baseline.Coins))
	for _, coin := range baseline.Coins {
		symbols = append(symbols, coin.Symbol)
	}
	builder.WriteString(fmt.Sprintf("basket: %s\n", strings.Join(symbols, " ")))
	if len(fired) > 0 {
		builder.WriteString(fmt.Sprintf("alerts fired: %s\n", strings.Join(fired, " ")))
	} else {
		builder.WriteString("alerts fired: none\n")
	}
	return builder.String()
}
