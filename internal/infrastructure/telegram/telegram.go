package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// NewBot connects to the Bot API. An empty endpoint uses api.telegram.org.
func NewBot(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 70 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

// HandlerFunc receives the text of one inbound post.
type HandlerFunc func(ctx context.Context, sourceID int64, text string) error

// Listener long-polls the Bot API and forwards channel posts (and messages
// forwarded to the bot) to a handler, one at a time in arrival order.
type Listener struct {
	bot         *tgbotapi.BotAPI
	handle      HandlerFunc
	logger      *zap.Logger
	pollTimeout int
}

func NewListener(bot *tgbotapi.BotAPI, handle HandlerFunc, logger *zap.Logger) *Listener {
	return &Listener{bot: bot, handle: handle, logger: logger, pollTimeout: 60}
}

func (l *Listener) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = l.pollTimeout
	u.AllowedUpdates = []string{"channel_post", "message"}
	updates := l.bot.GetUpdatesChan(u)
	defer l.bot.StopReceivingUpdates()

	l.logger.Info("Telegram listener started", zap.String("bot", l.bot.Self.UserName))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Telegram listener stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			l.dispatch(ctx, update)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, update tgbotapi.Update) {
	msg := update.ChannelPost
	if msg == nil {
		msg = update.Message
	}
	if msg == nil || msg.Chat == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}
	if err := l.handle(ctx, msg.Chat.ID, text); err != nil {
		l.logger.Info("Message not traded",
			zap.Int64("chat_id", msg.Chat.ID),
			zap.Int("message_id", msg.MessageID),
			zap.Error(err))
	}
}

// Notifier posts user-facing messages to one chat.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

func NewNotifier(bot *tgbotapi.BotAPI, chatID int64, logger *zap.Logger) *Notifier {
	return &Notifier{bot: bot, chatID: chatID, logger: logger}
}

// Send delivers text, waiting once for the server's retry-after on a flood
// limit.
func (n *Notifier) Send(ctx context.Context, text string) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(n.chatID, text)
		msg.DisableWebPagePreview = true
		_, err := n.bot.Send(msg)
		if err == nil {
			return nil
		}
		var tgErr *tgbotapi.Error
		if attempt > 0 || !errors.As(err, &tgErr) || tgErr.RetryAfter <= 0 {
			return fmt.Errorf("telegram send: %w", err)
		}
		wait := time.Duration(tgErr.RetryAfter) * time.Second
		n.logger.Warn("Telegram flood limit, waiting", zap.Duration("retry_after", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// LogNotifier writes messages to the log instead of a chat. It is used
// when no bot token is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, text string) error {
	n.logger.Info("Notification", zap.String("text", text))
	return nil
}
