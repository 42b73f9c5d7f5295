package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultAPIBase is the public Bot API host.
const DefaultAPIBase = "https://api.telegram.org"

// HTTPTransport calls the Bot API sendMessage method directly.
type HTTPTransport struct {
	client *resty.Client
	token  string
	chatID string
	logger *slog.Logger
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// NewHTTPTransport creates a raw HTTP transport. An empty apiBase uses the public API.
func NewHTTPTransport(apiBase, token, chatID string, client *http.Client, logger *slog.Logger) *HTTPTransport {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	rc := resty.NewWithClient(client).
		SetBaseURL(strings.TrimSuffix(apiBase, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)
	return &HTTPTransport{client: rc, token: token, chatID: chatID, logger: logger}
}

// Name identifies the transport in logs.
func (*HTTPTransport) Name() string { return "http" }

// Send posts text to sendMessage. The token is never logged.
func (h *HTTPTransport) Send(ctx context.Context, text string) error {
	var out apiResponse
	startTime := time.Now()
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{
			ChatID:                h.chatID,
			Text:                  text,
			ParseMode:             "Markdown",
			DisableWebPagePreview: true,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + h.token + "/sendMessage")
	duration := time.Since(startTime)
	if err != nil {
		err = redact(err, h.token)
		h.logger.Warn("Telegram HTTP request failed", "duration_ms", duration.Milliseconds(), "error", err)
		return fmt.Errorf("telegram request: %w", err)
	}

	h.logger.Info("Telegram HTTP request completed",
		"status_code", resp.StatusCode(),
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode() != http.StatusOK || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = http.StatusText(resp.StatusCode())
		}
		return fmt.Errorf("telegram API error %d: %s", resp.StatusCode(), desc)
	}
	return nil
}
