// Package telegram connects the relay to the Telegram Bot API: it long-polls
// the configured source groups and posts log lines to the log chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// DefaultAPIBaseURL is the public Bot API endpoint
const DefaultAPIBaseURL = "https://api.telegram.org"

// ErrNoToken is returned when the client is built without a bot token
var ErrNoToken = errors.New("telegram bot token not configured")

var allowedUpdates = []string{"message", "channel_post"}

// tokenSafeClient drops the request URL from transport errors. The Bot API
// URL carries the token.
type tokenSafeClient struct {
	client *http.Client
}

func (c tokenSafeClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, uerr.Err
		}
		return nil, err
	}
	return resp, nil
}

// Client wraps the Bot API for the calls the relay makes
type Client struct {
	logger *zap.Logger
	bot    *tgbotapi.BotAPI
}

// NewClient authorizes token against the Bot API at baseURL. pollTimeout
// is the long-poll window; the HTTP timeout is set above it.
func NewClient(logger *zap.Logger, baseURL, token string, pollTimeout time.Duration) (*Client, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/bot%s/%s"
	httpClient := tokenSafeClient{client: &http.Client{Timeout: pollTimeout + 10*time.Second}}

	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize telegram bot: %w", err)
	}

	logger = logger.Named("telegram-client")
	logger.Info("telegram bot authorized", zap.String("username", bot.Self.UserName))
	return &Client{logger: logger, bot: bot}, nil
}

// Self returns the bot's own account.
func (c *Client) Self() tgbotapi.User {
	return c.bot.Self
}

type updatesResult struct {
	updates []tgbotapi.Update
	err     error
}

// GetUpdates long-polls for updates with an ID of at least offset. It
// returns as soon as ctx is done; updates of an abandoned poll are fetched
// again by the next call.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(int(offset))
	cfg.Timeout = int(timeout / time.Second)
	cfg.AllowedUpdates = allowedUpdates

	done := make(chan updatesResult, 1)
	go func() {
		updates, err := c.bot.GetUpdates(cfg)
		done <- updatesResult{updates: updates, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("telegram getUpdates failed: %w", r.err)
		}
		c.logger.Debug("telegram poll", zap.Int64("offset", offset), zap.Int("updates", len(r.updates)))
		return r.updates, nil
	}
}

// SendMessage posts plain text to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram sendMessage failed: %w", err)
	}
	return nil
}

// IsUnauthorized reports whether err is the Bot API rejecting the token.
func IsUnauthorized(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}

// post returns the new message carried by u, if any. Edits are ignored so a
// corrected signal is not relayed twice.
func post(u tgbotapi.Update) *tgbotapi.Message {
	if u.Message != nil {
		return u.Message
	}
	return u.ChannelPost
}

// content returns the text, or the caption for media posts.
func content(m *tgbotapi.Message) string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}
