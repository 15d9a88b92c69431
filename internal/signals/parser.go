// Package signals turns free-form chat messages into structured trade intents.
package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/atlas-desktop/signal-relay/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Required signal fields, as reported by NoMatchError
const (
	FieldSymbol = "symbol"
	FieldSide   = "side"
	FieldEntry  = "entry_price"
)

// Fallback kinds announced on the side channel
const (
	FallbackMarketEntry  = "market_entry"
	FallbackCalculatedSL = "calculated_sl"
)

// ErrNoSignal is the normal outcome for messages that are not trade signals.
var ErrNoSignal = errors.New("no signal")

var (
	errNoPriceLookup = errors.New("no price lookup configured")
	errInvalidPrice  = errors.New("price lookup returned a non-positive price")
)

// NoMatchError reports why a message produced no signal. It matches
// ErrNoSignal under errors.Is and unwraps to the collaborator error, if any.
type NoMatchError struct {
	Missing []string
	Cause   error
}

func (e *NoMatchError) Error() string {
	msg := "no signal: missing " + strings.Join(e.Missing, ", ")
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NoMatchError) Is(target error) bool { return target == ErrNoSignal }

func (e *NoMatchError) Unwrap() error { return e.Cause }

// PriceLookup supplies the live market price used when a message states no
// entry. Implementations should honour ctx cancellation.
type PriceLookup interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceLookupFunc adapts a function to PriceLookup.
type PriceLookupFunc func(ctx context.Context, symbol string) (float64, error)

// CurrentPrice implements PriceLookup.
func (f PriceLookupFunc) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return f(ctx, symbol)
}

// Notifier receives human-readable fallback announcements.
type Notifier interface {
	Notify(ctx context.Context, message, group, tag string)
}

// FallbackRecorder counts fallbacks by kind.
type FallbackRecorder interface {
	RecordFallback(kind string)
}

// ParserOption configures optional Parser collaborators.
type ParserOption func(*Parser)

// WithNotifier sends fallback announcements to n.
func WithNotifier(n Notifier) ParserOption {
	return func(p *Parser) { p.notifier = n }
}

// WithFallbackRecorder counts fallbacks on r.
func WithFallbackRecorder(r FallbackRecorder) ParserOption {
	return func(p *Parser) { p.recorder = r }
}

// Parser is the multi-format signal parser. It holds no per-message state
// and is safe for concurrent use.
type Parser struct {
	logger   *zap.Logger
	prices   PriceLookup
	notifier Notifier
	recorder FallbackRecorder
}

// NewParser creates a new parser. prices may be nil, in which case messages
// without an explicit entry never produce a signal.
func NewParser(logger *zap.Logger, prices PriceLookup, opts ...ParserOption) *Parser {
	p := &Parser{
		logger: logger.Named("signal-parser"),
		prices: prices,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse extracts a signal from text using cfg as read at call time. It
// returns an error matching ErrNoSignal when symbol, side or entry cannot
// be resolved.
func (p *Parser) Parse(ctx context.Context, text string, cfg types.ParserConfig) (*types.ParsedSignal, error) {
	normalized := normalizeWhitespace(text)
	sig := &types.ParsedSignal{OriginalText: text}

	var missing []string
	if sym, ok := extractSymbol(normalized, cfg.QuoteAsset); ok {
		sig.Symbol = sym
	} else {
		missing = append(missing, FieldSymbol)
	}

	if side, ok := extractSide(normalized); ok {
		sig.Side = side
		if cfg.InvertSignals {
			sig.OriginalSide = side
			sig.Side = side.Opposite()
			sig.IsInverted = true
		}
	} else {
		missing = append(missing, FieldSide)
	}

	entry, ok := extractEntry(normalized)
	if !ok {
		// a market lookup cannot rescue a message that already lacks
		// symbol or side
		if len(missing) > 0 {
			return nil, &NoMatchError{Missing: append(missing, FieldEntry)}
		}
		price, err := p.marketEntry(ctx, sig.Symbol, cfg.PriceTimeout)
		if err != nil {
			return nil, &NoMatchError{Missing: []string{FieldEntry}, Cause: err}
		}
		entry = price
	}
	if len(missing) > 0 {
		return nil, &NoMatchError{Missing: missing}
	}
	sig.EntryPrice = entry.InexactFloat64()

	if sl, ok := extractStopLoss(normalized); ok {
		v := sl.InexactFloat64()
		sig.SLPrice = &v
	} else {
		sl := synthesizeStopLoss(entry, sig.Side, cfg.DefaultRiskPercent)
		v := sl.InexactFloat64()
		sig.SLPrice = &v
		sig.SLCalculated = true
		p.announce(ctx, FallbackCalculatedSL,
			fmt.Sprintf("⚠️ No SL found - calculated %s%% risk SL: %s for %s",
				decimal.NewFromFloat(cfg.DefaultRiskPercent).String(), sl.StringFixed(6), sig.Symbol),
			zap.String("symbol", sig.Symbol),
			zap.Float64("sl_price", v),
		)
	}

	sig.Targets = extractTargets(normalized)
	extractAuxiliary(normalized, sig)

	sig.HasTargets = len(sig.Targets) > 0
	sig.HasSL = sig.SLPrice != nil
	sig.ParserVersion = types.ParserVersion
	sig.Confidence = Confidence(FieldPresence{
		Symbol:       sig.Symbol != "",
		Side:         sig.Side.IsValid(),
		Entry:        sig.EntryPrice > 0,
		StopLoss:     sig.HasSL,
		Targets:      sig.HasTargets,
		CalculatedSL: sig.SLCalculated,
	})

	return sig, nil
}

// marketEntry fetches the fallback entry price, bounded by timeout. Any
// failure, including a panic in the lookup, fails the parse.
func (p *Parser) marketEntry(ctx context.Context, symbol string, timeout time.Duration) (decimal.Decimal, error) {
	if p.prices == nil {
		return decimal.Zero, errNoPriceLookup
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		price float64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("price lookup panicked: %v", r)}
			}
		}()
		price, err := p.prices.CurrentPrice(ctx, symbol)
		done <- result{price: price, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err == nil && (res.price <= 0 || math.IsNaN(res.price) || math.IsInf(res.price, 0)) {
		res.err = errInvalidPrice
	}
	if res.err != nil {
		p.logger.Warn("market price fallback failed",
			zap.String("symbol", symbol),
			zap.Error(res.err),
		)
		p.notify(ctx, fmt.Sprintf("❌ Failed to get fallback price: %v", res.err), "error")
		return decimal.Zero, fmt.Errorf("failed to get market price for %s: %w", symbol, res.err)
	}

	price := decimal.NewFromFloat(res.price)
	p.announce(ctx, FallbackMarketEntry,
		fmt.Sprintf("⚠️ No valid entry found - using market price: %s for %s", price.String(), symbol),
		zap.String("symbol", symbol),
		zap.Float64("price", res.price),
	)
	return price, nil
}

func (p *Parser) announce(ctx context.Context, kind, message string, fields ...zap.Field) {
	p.logger.Info(message, append(fields, zap.String("fallback", kind))...)
	if p.recorder != nil {
		p.recorder.RecordFallback(kind)
	}
	p.notify(ctx, message, "fallback")
}

func (p *Parser) notify(ctx context.Context, message, tag string) {
	if p.notifier != nil {
		p.notifier.Notify(ctx, message, "", tag)
	}
}

func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	return strings.TrimSpace(text)
}

func extractSymbol(text, quote string) (string, bool) {
	sym, _, ok := firstMatch(SymbolPatterns, text, func(s string) (string, bool) {
		return s, s != ""
	})
	if !ok {
		return "", false
	}
	return normalizeSymbol(sym, quote), true
}

// normalizeSymbol upper-cases base and appends quote unless already present.
func normalizeSymbol(base, quote string) string {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if strings.HasSuffix(base, quote) {
		return base
	}
	return base + quote
}

func extractSide(text string) (types.Side, bool) {
	side, _, ok := firstMatch(SidePatterns, text, types.ParseSide)
	return side, ok
}

func extractEntry(text string) (decimal.Decimal, bool) {
	entry, _, ok := firstMatch(EntryPatterns, text, parseEntryZone)
	return entry, ok
}

// parseEntryZone reads a single price or an "A-B" zone, returning the zone
// mean. Blank, malformed and non-positive values are rejected so the next
// pattern gets a chance.
func parseEntryZone(raw string) (decimal.Decimal, bool) {
	raw = strings.ReplaceAll(raw, "–", "-")
	var value decimal.Decimal
	if strings.Contains(raw, "-") {
		sum := decimal.Zero
		n := 0
		for _, part := range strings.Split(raw, "-") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			d, err := decimal.NewFromString(part)
			if err != nil {
				return decimal.Zero, false
			}
			sum = sum.Add(d)
			n++
		}
		if n == 0 {
			return decimal.Zero, false
		}
		value = sum.Div(decimal.NewFromInt(int64(n)))
	} else {
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return decimal.Zero, false
		}
		value = d
	}
	return value, value.IsPositive()
}

func parsePrice(raw string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

func extractStopLoss(text string) (decimal.Decimal, bool) {
	sl, _, ok := firstMatch(StopLossPatterns, text, parsePrice)
	return sl, ok
}

// synthesizeStopLoss places the stop riskPercent away from entry on the
// losing side.
func synthesizeStopLoss(entry decimal.Decimal, side types.Side, riskPercent float64) decimal.Decimal {
	risk := decimal.NewFromFloat(riskPercent).Div(decimal.NewFromInt(100))
	one := decimal.NewFromInt(1)
	if side == types.SideShort {
		return entry.Mul(one.Add(risk))
	}
	return entry.Mul(one.Sub(risk))
}

func extractTargets(text string) []float64 {
	targets, _, _ := firstMatch(TargetPatterns, text, func(span string) ([]float64, bool) {
		tokens := numberRe.FindAllString(span, types.MaxTargets)
		out := make([]float64, 0, len(tokens))
		for _, tok := range tokens {
			if d, err := decimal.NewFromString(tok); err == nil {
				out = append(out, d.InexactFloat64())
			}
		}
		return out, len(out) > 0
	})
	return targets
}

func extractAuxiliary(text string, sig *types.ParsedSignal) {
	if m := leverageRe.FindStringSubmatch(text); m != nil {
		sig.Leverage = strings.ToUpper(m[2])
	}
	if m := rrrRe.FindStringSubmatch(text); m != nil {
		sig.RRR = m[1]
	}
	if m := riskRe.FindStringSubmatch(text); m != nil {
		if d, err := decimal.NewFromString(m[1]); err == nil {
			v := d.InexactFloat64()
			sig.Risk = &v
		}
	}
}
