package telegram

import (
	"log/slog"
	"net/http"
	"time"

	"ielts-monitor/config"
)

// Select picks the best available transport once at startup. It returns nil
// when credentials are missing. The bot client is preferred; if it cannot be
// initialized the raw HTTP transport is used instead.
func Select(cfg config.Telegram, logger *slog.Logger) Transport {
	if cfg.Mock {
		logger.Info("Using mock Telegram transport")
		return NewMockTransport(logger)
	}
	if !cfg.Configured() {
		logger.Warn("TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set, notifications disabled")
		return nil
	}

	client := &http.Client{Timeout: 30 * time.Second}

	// The bot client always talks to the public endpoint.
	if cfg.APIBase == "" || cfg.APIBase == DefaultAPIBase {
		bot, err := NewBotTransport(cfg.Token, cfg.ChatID, client, logger)
		if err == nil {
			return bot
		}
		logger.Debug("Bot client unavailable, falling back to HTTP transport", "error", redact(err, cfg.Token))
	}

	return NewHTTPTransport(cfg.APIBase, cfg.Token, cfg.ChatID, client, logger)
}
