package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
)

// Dispatcher delivers a payment-completed notification to the user. It is
// invoked at most once per successful reconciliation and must tolerate
// at-least-once invocation from the repair paths.
type Dispatcher interface {
	NotifyPaymentSuccess(ctx context.Context, userID int64, amountRub string, stars int64) error
}

// TelegramDispatcher sends the notification as a bot message; the user id of
// a bot customer is their Telegram chat id.
type TelegramDispatcher struct {
	bot     *bot.Bot
	timeout time.Duration
	logger  *slog.Logger
}

func NewTelegramDispatcher(token string, logger *slog.Logger) (*TelegramDispatcher, error) {
	b, err := bot.New(token, bot.WithWorkers(3))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramDispatcher{
		bot:     b,
		timeout: 10 * time.Second,
		logger:  logger,
	}, nil
}

func (d *TelegramDispatcher) NotifyPaymentSuccess(ctx context.Context, userID int64, amountRub string, stars int64) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	text := fmt.Sprintf("✅ Payment of %s ₽ received. %d ⭐ credited to your balance.", amountRub, stars)

	_, err := d.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: userID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("send payment notification: %w", err)
	}

	d.logger.Info("payment notification sent", "user_id", userID, "stars", stars)
	return nil
}

// NopDispatcher is used when Telegram delivery is disabled; the event still
// gets logged so the pipeline stays observable in development.
type NopDispatcher struct {
	Logger *slog.Logger
}

func (d *NopDispatcher) NotifyPaymentSuccess(_ context.Context, userID int64, amountRub string, stars int64) error {
	d.Logger.Info("payment notification (telegram disabled)",
		"user_id", userID,
		"amount_rub", amountRub,
		"stars", stars)
	return nil
}
