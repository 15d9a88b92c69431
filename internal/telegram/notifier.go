package telegram

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/atlas-desktop/signal-relay/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxMessageLength is the Bot API limit for a single text message
const MaxMessageLength = 4096

const notifyQueueSize = 256

// Sender delivers a text message to a chat
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// FormatLog renders a log line the way the log chat expects it.
func FormatLog(message, group, tag string) string {
	var b strings.Builder
	b.WriteString("📊 ")
	b.WriteString(message)
	if group != "" {
		b.WriteString("\n📁 Group: ")
		b.WriteString(group)
	}
	if tag != "" {
		b.WriteString("\n🏷️ Tag: ")
		b.WriteString(tag)
	}
	return b.String()
}

type outbound struct {
	chatID int64
	text   string
}

// Notifier queues outgoing messages and sends them at a bounded rate.
// Delivery failures are logged and never reach the caller.
type Notifier struct {
	logger    *zap.Logger
	sender    Sender
	logChatID int64
	limiter   *rate.Limiter
	queue     chan outbound

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewNotifier creates a notifier. A nil sender disables it; a zero
// logChatID disables log lines but keeps Reply working.
func NewNotifier(logger *zap.Logger, sender Sender, logChatID int64, ratePerSecond float64) *Notifier {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Notifier{
		logger:    logger.Named("telegram-notifier"),
		sender:    sender,
		logChatID: logChatID,
		limiter:   rate.NewLimiter(limit, 3),
		queue:     make(chan outbound, notifyQueueSize),
	}
}

// Enabled reports whether log lines are delivered.
func (n *Notifier) Enabled() bool {
	return n != nil && n.sender != nil && n.logChatID != 0
}

// Notify queues a log line for the log chat.
func (n *Notifier) Notify(ctx context.Context, message, group, tag string) {
	if !n.Enabled() {
		return
	}
	n.enqueue(outbound{chatID: n.logChatID, text: FormatLog(message, group, tag)})
}

// Reply queues text for an arbitrary chat, e.g. an admin command answer.
func (n *Notifier) Reply(ctx context.Context, chatID int64, text string) {
	if n == nil || n.sender == nil || chatID == 0 {
		return
	}
	n.enqueue(outbound{chatID: chatID, text: text})
}

func (n *Notifier) enqueue(msg outbound) {
	msg.text = utils.Truncate(msg.text, MaxMessageLength)
	select {
	case n.queue <- msg:
	default:
		n.dropped.Add(1)
		n.logger.Warn("notification queue full, dropping message",
			zap.Int64("chat_id", msg.chatID),
		)
	}
}

// Run drains the queue until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	if n.sender == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				return nil
			}
			if err := n.sender.SendMessage(ctx, msg.chatID, msg.text); err != nil {
				n.failed.Add(1)
				n.logger.Warn("failed to send telegram message",
					zap.Int64("chat_id", msg.chatID),
					zap.Error(err),
				)
				continue
			}
			n.sent.Add(1)
		}
	}
}

// NotifierStats counts delivery outcomes
type NotifierStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

// Stats returns delivery counters.
func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{
		Sent:    n.sent.Load(),
		Failed:  n.failed.Load(),
		Dropped: n.dropped.Load(),
		Queued:  len(n.queue),
	}
}
