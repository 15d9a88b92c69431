// Package admin answers operator commands sent over chat.
package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/atlas-desktop/signal-relay/internal/config"
	"github.com/atlas-desktop/signal-relay/internal/signals"
	"github.com/atlas-desktop/signal-relay/pkg/types"
	"go.uber.org/zap"
)

// Reply texts shared with tests
const (
	MsgUnauthorized = "❌ Unauthorized access. Admin commands only."
	MsgNotSupported = "❌ Order routing is not supported by this relay. Signals are forwarded downstream only."
)

// Settings is the live configuration the dispatcher reads and changes
type Settings interface {
	Current() *config.Config
	SetInvert(on bool)
	SetRiskPercent(percent float64) error
}

// AuditFunc observes every command after it has been answered
type AuditFunc func(userID int64, command string, allowed bool)

// Dispatcher routes admin commands to their handlers.
type Dispatcher struct {
	logger   *zap.Logger
	settings Settings
	handler  *signals.SignalHandler
	monitor  *signals.GroupMonitor
	filter   *signals.SpamFilter
	parser   *signals.Parser
	audit    AuditFunc
}

// NewDispatcher creates a new dispatcher. parser is used for /parse dry
// runs and should be built without a notifier.
func NewDispatcher(logger *zap.Logger, settings Settings, handler *signals.SignalHandler, monitor *signals.GroupMonitor,
	filter *signals.SpamFilter, parser *signals.Parser, audit AuditFunc) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("admin"),
		settings: settings,
		handler:  handler,
		monitor:  monitor,
		filter:   filter,
		parser:   parser,
		audit:    audit,
	}
}

// IsAuthorized reports whether userID may issue commands.
func (d *Dispatcher) IsAuthorized(userID int64) bool {
	return slices.Contains(d.settings.Current().Telegram.AdminIDs, userID)
}

// Handle answers command. It never returns an empty string.
func (d *Dispatcher) Handle(ctx context.Context, userID int64, command string, args []string) string {
	command = strings.ToLower(command)
	if !strings.HasPrefix(command, "/") {
		command = "/" + command
	}

	allowed := d.IsAuthorized(userID)
	if d.audit != nil {
		defer d.audit(userID, command, allowed)
	}
	if !allowed {
		d.logger.Warn("unauthorized command attempt",
			zap.Int64("user_id", userID),
			zap.String("command", command),
		)
		return MsgUnauthorized
	}

	d.logger.Info("admin command", zap.Int64("user_id", userID), zap.String("command", command), zap.Strings("args", args))

	switch command {
	case "/help":
		return helpText
	case "/status":
		return d.status()
	case "/override":
		return d.override(args)
	case "/risk":
		return d.risk(args)
	case "/groups":
		return d.groups()
	case "/stats":
		return d.stats(args)
	case "/clear":
		return d.clear(args)
	case "/parse":
		return d.parse(ctx, args)
	case "/buy", "/sell", "/close", "/modify":
		return MsgNotSupported
	default:
		return fmt.Sprintf("❌ Unknown command: %s\nUse /help for available commands.", command)
	}
}

const helpText = `🤖 ADMIN COMMANDS HELP
======================

📊 SYSTEM COMMANDS:
/status
   Show parser settings and group health

/override <feature> <on/off>
   Toggle system features
   Features: inversion
   Example: /override inversion on

/risk <percent>
   Set the risk used for calculated stop losses
   Example: /risk 2.5

📁 GROUP COMMANDS:
/groups
   List monitored groups with their health
/stats [group]
   Show parse statistics
/clear <group>
   Drop stored signals of a group

🔍 DEBUG:
/parse <text>
   Dry-run the filter and parser on text

/help
   Show this help message`

func onOff(on bool) string {
	if on {
		return "✅ ON"
	}
	return "❌ OFF"
}

func (d *Dispatcher) status() string {
	cfg := d.settings.Current()
	overview := d.monitor.Dashboard().Overview

	var b strings.Builder
	b.WriteString("📊 SYSTEM STATUS\n")
	b.WriteString(strings.Repeat("=", 30) + "\n")
	b.WriteString("Parser:\n")
	fmt.Fprintf(&b, "  Inversion: %s\n", onOff(cfg.Parser.InvertSignals))
	fmt.Fprintf(&b, "  Default risk: %g%%\n", cfg.Parser.DefaultRiskPercent)
	fmt.Fprintf(&b, "  Quote asset: %s\n\n", cfg.Parser.QuoteAsset)
	b.WriteString("Groups:\n")
	fmt.Fprintf(&b, "  Configured: %d\n", len(cfg.Telegram.Groups))
	fmt.Fprintf(&b, "  Active: %d/%d\n", overview.ActiveGroups, overview.TotalGroups)
	fmt.Fprintf(&b, "  Messages processed: %d\n", overview.TotalSignals)
	fmt.Fprintf(&b, "  Success rate: %.1f%%\n", overview.OverallSuccessRate)
	fmt.Fprintf(&b, "  Average health: %.2f", overview.AverageHealthScore)
	return b.String()
}

func (d *Dispatcher) override(args []string) string {
	if len(args) < 2 {
		return "❌ Usage: /override <feature> <on/off>"
	}
	feature, state := strings.ToLower(args[0]), strings.ToLower(args[1])
	if state != "on" && state != "off" {
		return "❌ State must be 'on' or 'off'"
	}
	enabled := state == "on"

	switch feature {
	case "inversion", "invert":
		d.settings.SetInvert(enabled)
	default:
		return fmt.Sprintf("❌ Unknown feature: %s\nSupported: inversion", feature)
	}
	d.logger.Info("admin override", zap.String("feature", feature), zap.Bool("enabled", enabled))
	return "✅ Inversion: " + onOff(enabled)
}

func (d *Dispatcher) risk(args []string) string {
	if len(args) < 1 {
		return fmt.Sprintf("❌ Usage: /risk <percent>\nCurrent: %g%%", d.settings.Current().Parser.DefaultRiskPercent)
	}
	percent, err := strconv.ParseFloat(strings.TrimSuffix(args[0], "%"), 64)
	if err != nil {
		return fmt.Sprintf("❌ Invalid percent: %s", args[0])
	}
	if err := d.settings.SetRiskPercent(percent); err != nil {
		return "❌ " + err.Error()
	}
	return fmt.Sprintf("✅ Default risk: %g%%", percent)
}

func (d *Dispatcher) groups() string {
	statuses := d.monitor.Statuses()
	if len(statuses) == 0 {
		return "📁 No groups monitored."
	}
	var b strings.Builder
	b.WriteString("📁 MONITORED GROUPS\n")
	for _, st := range statuses {
		icon := "🟢"
		if st.HealthScore < d.settings.Current().Monitor.MinHealthScore {
			icon = "🔴"
		}
		fmt.Fprintf(&b, "%s %s: health %.2f, %d signals (%d valid)\n",
			icon, st.Name, st.HealthScore, st.TotalSignals, st.ValidSignals)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatStats(name string, st signals.GroupStats) string {
	last := "never"
	if st.LastSignalTime != nil {
		last = st.LastSignalTime.UTC().Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf("%s: %d messages, %d parsed, %d failed, last signal %s",
		name, st.TotalSignals, st.SuccessfulParses, st.FailedParses, last)
}

func (d *Dispatcher) stats(args []string) string {
	if len(args) > 0 {
		name := args[0]
		st, ok := d.handler.GroupStats(name)
		if !ok {
			return fmt.Sprintf("❌ Unknown group: %s", name)
		}
		return "📈 " + formatStats(name, st)
	}

	names := d.handler.Groups()
	if len(names) == 0 {
		return "📈 No statistics yet."
	}
	all := d.handler.AllStats()
	lines := make([]string, 0, len(names)+1)
	lines = append(lines, "📈 PARSE STATISTICS")
	for _, name := range names {
		lines = append(lines, formatStats(name, all[name]))
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) clear(args []string) string {
	if len(args) < 1 {
		return "❌ Usage: /clear <group>"
	}
	if !d.handler.Clear(args[0]) {
		return fmt.Sprintf("❌ No stored signals for group: %s", args[0])
	}
	return fmt.Sprintf("✅ Cleared stored signals for %s", args[0])
}

func (d *Dispatcher) parse(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "❌ Usage: /parse <text>"
	}
	text := strings.Join(args, " ")
	cfg := d.settings.Current()

	valid, sanitized, info := d.filter.Preprocess(text, "admin", 0, 0, cfg.Spam)
	if !valid {
		return fmt.Sprintf("🚫 Filtered: %s", info.Reason)
	}
	sig, err := d.parser.Parse(ctx, sanitized, cfg.Parser)
	if err != nil {
		if errors.Is(err, signals.ErrNoSignal) {
			return "❓ " + err.Error()
		}
		return "❌ Parse failed: " + err.Error()
	}
	return FormatSignal(sig)
}

// FormatSignal renders a parsed signal for chat.
func FormatSignal(sig *types.ParsedSignal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ %s %s", sig.Symbol, sig.Side)
	if sig.IsInverted {
		fmt.Fprintf(&b, " (inverted from %s)", sig.OriginalSide)
	}
	fmt.Fprintf(&b, "\nEntry: %g", sig.EntryPrice)
	if sig.SLPrice != nil {
		fmt.Fprintf(&b, "\nSL: %g", *sig.SLPrice)
		if sig.SLCalculated {
			b.WriteString(" (calculated)")
		}
	}
	for i, tp := range sig.Targets {
		fmt.Fprintf(&b, "\nTP%d: %g", i+1, tp)
	}
	if sig.Leverage != "" {
		fmt.Fprintf(&b, "\nLeverage: %s", sig.Leverage)
	}
	fmt.Fprintf(&b, "\nConfidence: %.2f", sig.Confidence)
	return b.String()
}
