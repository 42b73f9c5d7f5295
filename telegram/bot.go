package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
)

// BotTransport sends through the go-telegram-bot-api client.
type BotTransport struct {
	bot    *tgbotapi.BotAPI
	token  string
	chatID string
	logger *slog.Logger
}

// NewBotTransport initializes the bot client. It calls getMe, so it fails
// when the token is rejected or the API is unreachable.
func NewBotTransport(token, chatID string, client *http.Client, logger *slog.Logger) (*BotTransport, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, client)
	if err != nil {
		return nil, fmt.Errorf("init bot client: %w", redact(err, token))
	}
	logger.Info("Telegram bot client ready", "bot", bot.Self.UserName)
	return &BotTransport{bot: bot, token: token, chatID: chatID, logger: logger}, nil
}

// Name identifies the transport in logs.
func (*BotTransport) Name() string { return "bot_api" }

// Send delivers text with Markdown formatting.
func (b *BotTransport) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := newMessage(b.chatID, text)
	if err != nil {
		return err
	}
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	startTime := time.Now()
	_, err = b.bot.Send(msg)
	duration := time.Since(startTime)
	if err != nil {
		err = redact(err, b.token)
		b.logger.Warn("Telegram sendMessage failed", "duration_ms", duration.Milliseconds(), "error", err)
		return fmt.Errorf("send message: %w", err)
	}

	b.logger.Info("Telegram sendMessage completed", "duration_ms", duration.Milliseconds())
	return nil
}

// newMessage accepts numeric chat IDs and "@channel" usernames.
func newMessage(chatID, text string) (tgbotapi.MessageConfig, error) {
	if strings.HasPrefix(chatID, "@") {
		return tgbotapi.NewMessageToChannel(chatID, text), nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("parse chat id %q: %w", chatID, err)
	}
	return tgbotapi.NewMessage(id, text), nil
}
