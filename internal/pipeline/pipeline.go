// Package pipeline runs one inbound chat message through the admin
// dispatcher, the spam filter and the parser, and fans the result out to
// the in-memory store, the monitor, the journal, metrics and the event bus.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/atlas-desktop/signal-relay/internal/data"
	"github.com/atlas-desktop/signal-relay/internal/events"
	"github.com/atlas-desktop/signal-relay/internal/metrics"
	"github.com/atlas-desktop/signal-relay/internal/signals"
	"github.com/atlas-desktop/signal-relay/pkg/types"
	"github.com/atlas-desktop/signal-relay/pkg/utils"
	"go.uber.org/zap"
)

// Outcome is what happened to a message
type Outcome string

const (
	OutcomeAdmin    Outcome = metrics.OutcomeAdmin
	OutcomeFiltered Outcome = metrics.OutcomeFiltered
	OutcomeUnparsed Outcome = metrics.OutcomeUnparsed
	OutcomeParsed   Outcome = metrics.OutcomeParsed
	OutcomeError    Outcome = metrics.OutcomeError
)

// ConfigSource supplies the configuration snapshot for each message
type ConfigSource interface {
	Parser() types.ParserConfig
	Spam() types.SpamConfig
}

// Dispatcher answers admin commands
type Dispatcher interface {
	Handle(ctx context.Context, userID int64, command string, args []string) string
}

// Replier sends a command answer back to the chat it came from
type Replier interface {
	Reply(ctx context.Context, chatID int64, text string)
}

// Deps are the pipeline collaborators. Config, Filter, Parser, Handler and
// Monitor are required; the rest may be nil.
type Deps struct {
	Config  ConfigSource
	Filter  *signals.SpamFilter
	Parser  *signals.Parser
	Handler *signals.SignalHandler
	Monitor *signals.GroupMonitor

	Journal data.Journal
	Metrics *metrics.Metrics
	Bus     *events.EventBus
	Admin   Dispatcher
	Replier Replier
}

// Pipeline processes inbound messages. It is safe for concurrent use.
type Pipeline struct {
	logger *zap.Logger
	Deps
	now func() time.Time
}

// New creates a new pipeline.
func New(logger *zap.Logger, deps Deps) *Pipeline {
	return &Pipeline{
		logger: logger.Named("pipeline"),
		Deps:   deps,
		now:    time.Now,
	}
}

// Process runs msg to completion and reports the outcome. Failures of
// downstream sinks are logged, never returned.
func (p *Pipeline) Process(ctx context.Context, msg types.InboundMessage) Outcome {
	start := p.now()
	outcome := p.process(ctx, msg, start)

	if p.Metrics != nil {
		p.Metrics.RecordMessage(msg.Group, string(outcome))
		p.Metrics.ObserveProcessing(p.now().Sub(start))
	}
	return outcome
}

func (p *Pipeline) process(ctx context.Context, msg types.InboundMessage, start time.Time) Outcome {
	if command, args, ok := ParseCommand(msg.Text); ok {
		return p.command(ctx, msg, command, args)
	}

	valid, sanitized, info := p.Filter.Preprocess(msg.Text, msg.Group, msg.MessageID, msg.ChatID, p.Config.Spam())
	if !valid {
		p.Monitor.RecordError(msg.Group, signals.ErrorSpam)
		if p.Metrics != nil {
			p.Metrics.RecordRejection(info.Reason)
		}
		p.publish(events.NewMessageRejectedEvent(msg.Group, msg.MessageID, info))
		return OutcomeFiltered
	}

	sig, err := p.Parser.Parse(ctx, sanitized, p.Config.Parser())
	if err != nil {
		return p.failed(ctx, msg, err, start)
	}
	sig.OriginalText = msg.Text

	elapsed := p.now().Sub(start)
	env := &types.SignalEnvelope{
		ID:             utils.GenerateSignalID(),
		Signal:         sig,
		GroupName:      msg.Group,
		SourceChatID:   msg.ChatID,
		MessageID:      msg.MessageID,
		Timestamp:      start,
		SanitizedText:  sanitized,
		FilterInfo:     info,
		ProcessingTime: elapsed,
	}

	p.Handler.Add(env)
	p.Monitor.RecordSignal(ctx, msg.Group, sig, elapsed)
	if p.Journal != nil {
		if err := p.Journal.Append(ctx, env); err != nil {
			p.logger.Error("failed to journal signal", zap.String("id", env.ID), zap.Error(err))
		}
	}
	if p.Metrics != nil {
		p.Metrics.ObserveSignal(sig.Confidence)
	}
	p.publish(events.NewSignalParsedEvent(env))

	p.logger.Info("signal parsed",
		zap.String("id", env.ID),
		zap.String("group", msg.Group),
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(sig.Side)),
		zap.Float64("entry", sig.EntryPrice),
		zap.Float64("confidence", sig.Confidence),
		zap.Bool("inverted", sig.IsInverted),
		zap.Duration("elapsed", elapsed),
	)
	return OutcomeParsed
}

func (p *Pipeline) failed(ctx context.Context, msg types.InboundMessage, err error, start time.Time) Outcome {
	var missing []string
	kind := signals.ErrorParse
	var nm *signals.NoMatchError
	if errors.As(err, &nm) {
		missing = nm.Missing
		// the price lookup failed, not the message
		if nm.Cause != nil {
			kind = signals.ErrorConnection
		}
	}

	p.Handler.RecordFailure(msg.Group)
	p.Monitor.RecordSignal(ctx, msg.Group, nil, p.now().Sub(start))
	p.Monitor.RecordError(msg.Group, kind)
	p.publish(events.NewParseFailedEvent(msg.Group, msg.MessageID, missing, err))

	if !errors.Is(err, signals.ErrNoSignal) {
		p.logger.Error("parser failed", zap.String("group", msg.Group), zap.Error(err))
		return OutcomeError
	}
	p.logger.Debug("no signal in message",
		zap.String("group", msg.Group),
		zap.Int64("message_id", msg.MessageID),
		zap.Strings("missing", missing),
	)
	return OutcomeUnparsed
}

func (p *Pipeline) command(ctx context.Context, msg types.InboundMessage, command string, args []string) Outcome {
	if p.Admin == nil {
		return OutcomeAdmin
	}
	reply := p.Admin.Handle(ctx, msg.UserID, command, args)
	if p.Replier != nil && reply != "" {
		p.Replier.Reply(ctx, msg.ChatID, reply)
	}
	return OutcomeAdmin
}

func (p *Pipeline) publish(e events.Event) {
	if p.Bus != nil {
		p.Bus.Publish(e)
	}
}

// ParseCommand splits a "/command arg..." message. A bot mention suffix
// such as /status@relay_bot is dropped. Commands are case-insensitive.
func ParseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") || len(fields[0]) < 2 {
		return "", nil, false
	}
	command := fields[0]
	if at := strings.IndexByte(command, '@'); at > 0 {
		command = command[:at]
	}
	return strings.ToLower(command), fields[1:], true
}
