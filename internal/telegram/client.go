// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/marketsentinel/internal/logger"
	"github.com/rewired-gh/marketsentinel/internal/models"
	"github.com/rewired-gh/marketsentinel/internal/sink"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client. maxRetries and retryDelayBase
// apply to health notifications only; alert retries belong to the dispatcher.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	return NewClientWithEndpoint(botToken, chatID, tgbotapi.APIEndpoint, maxRetries, retryDelayBase)
}

// NewClientWithEndpoint is NewClient against a custom Bot API endpoint format
// such as "http://localhost:8081/bot%s/%s".
func NewClientWithEndpoint(botToken, chatID, endpoint string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// status renders the reply to /status. It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, status func() string) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, status func() string) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		if status == nil {
			return
		}
		text = status()
	default:
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		logger.Warn("Failed to reply to /%s: %v", msg.Command(), err)
	}
}

// Send delivers one alert with a single attempt. Rate limiting and server
// errors are reported as retryable; other API errors are permanent.
func (c *Client) Send(ctx context.Context, alert *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(c.chatID, formatAlert(alert))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := c.bot.Send(msg); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0 || apiErr.Code >= 500:
			return fmt.Errorf("telegram send failed: %w", err)
		case apiErr.Code >= 400:
			return sink.Permanent(fmt.Errorf("telegram rejected message (%d): %w", apiErr.Code, err))
		}
	}
	return fmt.Errorf("telegram send failed: %w", err)
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if sink.IsPermanent(classify(err)) {
			break
		}
		select {
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a feed failure notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, feedErr error) error {
	text := fmt.Sprintf("⚠️ *Feed error*\n`%s`", escapeMarkdownV2(feedErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after an outage.
func (c *Client) SendRecovery(ctx context.Context, downtime time.Duration) error {
	text := fmt.Sprintf("✅ *Feed recovered* after %s", escapeMarkdownV2(downtime.Round(time.Second).String()))
	return c.sendMarkdownV2(ctx, text)
}

var severityEmoji = map[models.Severity]string{
	models.SeverityInfo:     "ℹ️",
	models.SeverityWarning:  "⚠️",
	models.SeverityCritical: "🚨",
}

// formatAlert formats an alert into a Telegram MarkdownV2 message.
func formatAlert(alert *models.Alert) string {
	emoji, ok := severityEmoji[alert.Severity]
	if !ok {
		emoji = "🔔"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* %s\n", emoji, escapeMarkdownV2(alert.InstrumentID), escapeMarkdownV2(alert.RuleID))
	fmt.Fprintf(&b, "%s\n\n", escapeMarkdownV2(alert.Summary()))

	snap := alert.Snapshot
	stats := fmt.Sprintf("n=%d mean=%.4f sd=%.4f min=%.4f max=%.4f", snap.Count, snap.Mean, snap.StdDev, snap.Min, snap.Max)
	fmt.Fprintf(&b, "`%s`\n", escapeMarkdownV2(stats))

	if !alert.Timestamp.IsZero() {
		dateStr := escapeMarkdownV2(alert.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "📅 %s UTC\n", dateStr)
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
