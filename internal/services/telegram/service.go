// Package telegram provides Telegram notification services.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, summary models.RunSummary) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification sends a run summary via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, summary models.RunSummary) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Int("errors", summary.Errors).
		Msg("sending Telegram notification")

	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      formatMessage(summary),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func formatMessage(summary models.RunSummary) string {
	var b bytes.Buffer

	if summary.Errors == 0 {
		fmt.Fprintf(&b, "✅ <b>rsnapshot %s finished OK</b>\n\n", escapeHTML(string(summary.Mode)))
	} else {
		fmt.Fprintf(&b, "❌ <b>rsnapshot %s finished with errors</b>\n\n", escapeHTML(string(summary.Mode)))
	}

	fmt.Fprintf(&b, "🖥 <b>Host:</b> %s\n", escapeHTML(summary.Hostname))
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", summary.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", summary.Duration.Round(time.Second))

	var completed, skipped, failed int
	for _, r := range summary.Results {
		switch r.Status {
		case models.StatusCompleted:
			completed++
		case models.StatusSkipped:
			skipped++
		case models.StatusFailed:
			failed++
		}
	}

	b.WriteString("\n<b>📊 Items:</b>\n")
	fmt.Fprintf(&b, "  • Completed: %d\n", completed)
	fmt.Fprintf(&b, "  • Skipped: %d\n", skipped)
	fmt.Fprintf(&b, "  • Failed: %d\n", failed)
	fmt.Fprintf(&b, "  • Errors: %d\n", summary.Errors)

	if summary.Errors > 0 {
		b.WriteString("\n<b>⚠️ Problems:</b>\n")
		for _, r := range summary.Results {
			if r.Errors == 0 {
				continue
			}
			fmt.Fprintf(&b, "  • #%d %s: <code>%s</code>\n", r.Number, escapeHTML(r.Host), escapeHTML(r.Reason))
		}
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
