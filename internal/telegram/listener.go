package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/signal-relay/internal/workers"
	"github.com/atlas-desktop/signal-relay/pkg/types"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// AdminGroup is the group name given to admin commands sent outside the
// configured source groups, e.g. in a private chat with the bot.
const AdminGroup = "admin"

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Updater fetches updates from the Bot API
type Updater interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]tgbotapi.Update, error)
}

// MessageHandler processes one inbound message
type MessageHandler func(ctx context.Context, msg types.InboundMessage)

// ListenerConfig configures the long-poll loop
type ListenerConfig struct {
	Groups      map[string]int64
	AdminIDs    []int64
	PollTimeout time.Duration
}

// Listener long-polls the Bot API and hands messages from the configured
// groups to the worker pool.
type Listener struct {
	logger  *zap.Logger
	updater Updater
	pool    *workers.Pool
	handle  MessageHandler
	timeout time.Duration

	groups map[int64]string
	admins map[int64]bool

	offset   int64
	received atomic.Int64
	ignored  atomic.Int64
}

// NewListener creates a new listener.
func NewListener(logger *zap.Logger, updater Updater, pool *workers.Pool, handle MessageHandler, cfg ListenerConfig) *Listener {
	l := &Listener{
		logger:  logger.Named("telegram-listener"),
		updater: updater,
		pool:    pool,
		handle:  handle,
		timeout: cfg.PollTimeout,
		groups:  make(map[int64]string, len(cfg.Groups)),
		admins:  make(map[int64]bool, len(cfg.AdminIDs)),
	}
	for name, id := range cfg.Groups {
		l.groups[id] = name
	}
	for _, id := range cfg.AdminIDs {
		l.admins[id] = true
	}
	return l
}

// Inbound maps an update to an InboundMessage. Messages from chats outside
// the configured groups are dropped, except commands sent by admins.
func (l *Listener) Inbound(u tgbotapi.Update) (types.InboundMessage, bool) {
	m := post(u)
	if m == nil || m.Chat == nil {
		return types.InboundMessage{}, false
	}
	text := content(m)
	if strings.TrimSpace(text) == "" {
		return types.InboundMessage{}, false
	}

	msg := types.InboundMessage{
		ChatID:    m.Chat.ID,
		MessageID: int64(m.MessageID),
		Text:      text,
		Date:      time.Unix(int64(m.Date), 0).UTC(),
	}
	if m.From != nil {
		msg.UserID = m.From.ID
		msg.Username = m.From.UserName
	}

	if name, ok := l.groups[m.Chat.ID]; ok {
		msg.Group = name
		return msg, true
	}
	if strings.HasPrefix(strings.TrimSpace(text), "/") && l.admins[msg.UserID] {
		msg.Group = AdminGroup
		return msg, true
	}
	return types.InboundMessage{}, false
}

// Run polls until ctx is done. Transient API errors back off exponentially;
// a rejected token stops the loop.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("telegram listener started",
		zap.Int("groups", len(l.groups)),
		zap.Duration("poll_timeout", l.timeout),
	)
	backoff := minBackoff

	for {
		updates, err := l.updater.GetUpdates(ctx, l.offset, l.timeout)
		if ctx.Err() != nil {
			l.logger.Info("telegram listener stopped", zap.Int64("received", l.received.Load()))
			return nil
		}
		if err != nil {
			if IsUnauthorized(err) {
				return fmt.Errorf("telegram listener stopped: %w", err)
			}
			l.logger.Warn("getUpdates failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		for _, u := range updates {
			l.offset = max(l.offset, int64(u.UpdateID)+1)
			l.dispatch(ctx, u)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, u tgbotapi.Update) {
	msg, ok := l.Inbound(u)
	if !ok {
		l.ignored.Add(1)
		return
	}
	l.received.Add(1)

	task := workers.TaskFunc(func(taskCtx context.Context) error {
		l.handle(taskCtx, msg)
		return nil
	})
	if err := l.pool.SubmitContext(ctx, task); err != nil && ctx.Err() == nil {
		l.logger.Error("failed to queue message",
			zap.String("group", msg.Group),
			zap.Int64("message_id", msg.MessageID),
			zap.Error(err),
		)
	}
}

// ListenerStats counts routed and ignored updates
type ListenerStats struct {
	Received int64 `json:"received"`
	Ignored  int64 `json:"ignored"`
}

// Stats returns routing counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{Received: l.received.Load(), Ignored: l.ignored.Load()}
}
