package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
)

// TelegramOptions configures the Telegram notifier.
type TelegramOptions struct {
	BotToken string
	// BaseURL overrides the Bot API endpoint.
	BaseURL string
	Timeout time.Duration
}

type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramNotifier sends deliveries to the user's private chat, whose id equals the
// user id.
type TelegramNotifier struct {
	sender  messageSender
	timeout time.Duration
	logger  zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier without contacting the API.
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) (*TelegramNotifier, error) {
	if opts.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	botOpts := []bot.Option{bot.WithSkipGetMe()}
	if opts.BaseURL != "" {
		botOpts = append(botOpts, bot.WithServerURL(opts.BaseURL))
	}
	b, err := bot.New(opts.BotToken, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newTelegramNotifier(b, opts.Timeout, logger), nil
}

func newTelegramNotifier(sender messageSender, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		sender:  sender,
		timeout: timeout,
		logger:  logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the rendered delivery.
func (n *TelegramNotifier) Notify(ctx context.Context, d Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: d.UserID,
		Text:   RenderMessage(d),
	})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	n.logger.Info().Int64("user_id", d.UserID).
		Str("kind", string(d.Event.Kind)).
		Str("asset", d.Event.Asset).
		Msg("alert delivered (telegram)")
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
