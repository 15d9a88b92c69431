package signals_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/signal-relay/internal/signals"
	"github.com/atlas-desktop/signal-relay/pkg/types"
	"go.uber.org/zap"
)

func fixedPrice(price float64) signals.PriceLookupFunc {
	return func(ctx context.Context, symbol string) (float64, error) {
		return price, nil
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func mustParse(t *testing.T, p *signals.Parser, text string, cfg types.ParserConfig) *types.ParsedSignal {
	t.Helper()
	sig, err := p.Parse(context.Background(), text, cfg)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", text, err)
	}
	return sig
}

func TestParseZoneEntryWithExplicitLevels(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	text := "🔥 BTCUSDT LONG\nEntry: 45000-46000\nTP1: 47000\nSL: 44000\nLeverage: 10x"

	sig := mustParse(t, p, text, types.DefaultParserConfig())

	if sig.Symbol != "BTCUSDT" {
		t.Errorf("Expected symbol BTCUSDT, got %s", sig.Symbol)
	}
	if sig.Side != types.SideLong {
		t.Errorf("Expected side LONG, got %s", sig.Side)
	}
	if !approx(sig.EntryPrice, 45500) {
		t.Errorf("Expected entry 45500, got %v", sig.EntryPrice)
	}
	if sig.SLPrice == nil || !approx(*sig.SLPrice, 44000) {
		t.Errorf("Expected SL 44000, got %v", sig.SLPrice)
	}
	if tp1, ok := sig.Target(1); !ok || !approx(tp1, 47000) {
		t.Errorf("Expected tp1 47000, got %v (%v)", tp1, ok)
	}
	if !sig.HasSL || sig.SLCalculated {
		t.Errorf("Expected explicit SL, got has_sl=%v sl_calculated=%v", sig.HasSL, sig.SLCalculated)
	}
	if sig.Leverage != "10X" {
		t.Errorf("Expected leverage 10X, got %q", sig.Leverage)
	}
	if !approx(sig.Confidence, 1.0) {
		t.Errorf("Expected confidence 1.0, got %v", sig.Confidence)
	}
	if sig.OriginalText != text {
		t.Error("Expected original text to be kept verbatim")
	}
	if sig.ParserVersion != types.ParserVersion {
		t.Errorf("Expected parser version %s, got %s", types.ParserVersion, sig.ParserVersion)
	}
}

func TestParseLabelledFormat(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	text := "Signal: BTC Direction: SHORT Price: 45500 Targets: 44000, 43000 Stop Loss: 46500"

	sig := mustParse(t, p, text, types.DefaultParserConfig())

	if sig.Symbol != "BTCUSDT" {
		t.Errorf("Expected symbol BTCUSDT, got %s", sig.Symbol)
	}
	if sig.Side != types.SideShort {
		t.Errorf("Expected side SHORT, got %s", sig.Side)
	}
	if !approx(sig.EntryPrice, 45500) {
		t.Errorf("Expected entry 45500, got %v", sig.EntryPrice)
	}
	if sig.SLPrice == nil || !approx(*sig.SLPrice, 46500) {
		t.Errorf("Expected SL 46500, got %v", sig.SLPrice)
	}
	if len(sig.Targets) != 2 || !approx(sig.Targets[0], 44000) || !approx(sig.Targets[1], 43000) {
		t.Errorf("Expected targets [44000 43000], got %v", sig.Targets)
	}
}

func TestParseSynthesizesStopLoss(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)

	sig := mustParse(t, p, "ETHUSDT LONG Entry: 3200 Targets: 3300, 3400", types.DefaultParserConfig())

	if sig.SLPrice == nil || *sig.SLPrice != 3136 {
		t.Fatalf("Expected synthesized SL 3136, got %v", sig.SLPrice)
	}
	if !sig.SLCalculated || !sig.HasSL {
		t.Errorf("Expected sl_calculated and has_sl, got %v %v", sig.SLCalculated, sig.HasSL)
	}
	if !approx(sig.Confidence, 0.95) {
		t.Errorf("Expected confidence 0.95, got %v", sig.Confidence)
	}

	short := mustParse(t, p, "ETHUSDT SHORT Entry: 3200", types.DefaultParserConfig())
	if short.SLPrice == nil || *short.SLPrice != 3264 {
		t.Errorf("Expected SHORT synthesized SL 3264, got %v", short.SLPrice)
	}
}

func TestParseSynthesizedStopLossUsesConfiguredRisk(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	cfg := types.DefaultParserConfig()
	cfg.DefaultRiskPercent = 5

	sig := mustParse(t, p, "ETHUSDT LONG Entry: 3200", cfg)
	if sig.SLPrice == nil || *sig.SLPrice != 3040 {
		t.Errorf("Expected SL 3040 at 5%% risk, got %v", sig.SLPrice)
	}
}

func TestParseRejectsNonSignal(t *testing.T) {
	called := false
	lookup := signals.PriceLookupFunc(func(ctx context.Context, symbol string) (float64, error) {
		called = true
		return 1, nil
	})
	p := signals.NewParser(zap.NewNop(), lookup)

	sig, err := p.Parse(context.Background(), "Just some random text without any trading info", types.DefaultParserConfig())
	if sig != nil {
		t.Fatalf("Expected no signal, got %+v", sig)
	}
	if !errors.Is(err, signals.ErrNoSignal) {
		t.Fatalf("Expected ErrNoSignal, got %v", err)
	}
	var nm *signals.NoMatchError
	if !errors.As(err, &nm) {
		t.Fatalf("Expected *NoMatchError, got %T", err)
	}
	if !contains(nm.Missing, signals.FieldSide) {
		t.Errorf("Expected side reported missing, got %v", nm.Missing)
	}
	if called {
		t.Error("Price lookup should not run when side is missing")
	}
}

func TestParseMarketEntryFallback(t *testing.T) {
	var calls int
	var gotSymbol string
	lookup := signals.PriceLookupFunc(func(ctx context.Context, symbol string) (float64, error) {
		calls++
		gotSymbol = symbol
		return 45000.0, nil
	})
	rec := &fallbackCounter{}
	p := signals.NewParser(zap.NewNop(), lookup, signals.WithFallbackRecorder(rec))

	sig := mustParse(t, p, "BTCUSDT SHORT Targets: 44000, 43000 SL: 46000", types.DefaultParserConfig())

	if calls != 1 || gotSymbol != "BTCUSDT" {
		t.Errorf("Expected one lookup for BTCUSDT, got %d for %q", calls, gotSymbol)
	}
	if !approx(sig.EntryPrice, 45000) {
		t.Errorf("Expected entry 45000, got %v", sig.EntryPrice)
	}
	if sig.SLCalculated {
		t.Error("Expected explicit SL, got calculated")
	}
	if sig.SLPrice == nil || !approx(*sig.SLPrice, 46000) {
		t.Errorf("Expected SL 46000, got %v", sig.SLPrice)
	}
	if rec.count(signals.FallbackMarketEntry) != 1 {
		t.Errorf("Expected one market entry fallback, got %d", rec.count(signals.FallbackMarketEntry))
	}
}

func TestParseFallbackFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		lookup signals.PriceLookup
	}{
		{"no lookup", nil},
		{"lookup error", signals.PriceLookupFunc(func(ctx context.Context, symbol string) (float64, error) {
			return 0, errors.New("exchange unavailable")
		})},
		{"zero price", fixedPrice(0)},
		{"negative price", fixedPrice(-3)},
		{"panicking lookup", signals.PriceLookupFunc(func(ctx context.Context, symbol string) (float64, error) {
			panic("boom")
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := signals.NewParser(zap.NewNop(), tt.lookup)
			sig, err := p.Parse(context.Background(), "BTCUSDT SHORT SL: 46000", types.DefaultParserConfig())
			if sig != nil {
				t.Fatalf("Expected no signal, got entry %v", sig.EntryPrice)
			}
			if !errors.Is(err, signals.ErrNoSignal) {
				t.Fatalf("Expected ErrNoSignal, got %v", err)
			}
		})
	}
}

func TestParseFallbackTimeout(t *testing.T) {
	lookup := signals.PriceLookupFunc(func(ctx context.Context, symbol string) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	p := signals.NewParser(zap.NewNop(), lookup)
	cfg := types.DefaultParserConfig()
	cfg.PriceTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := p.Parse(context.Background(), "BTCUSDT LONG", cfg)
	if !errors.Is(err, signals.ErrNoSignal) {
		t.Fatalf("Expected ErrNoSignal, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded cause, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Timeout not enforced, took %v", elapsed)
	}
}

func TestParseSymbolSuffixAppliedOnce(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), fixedPrice(1))
	inputs := []string{
		"#BTCUSDT LONG Entry: 1",
		"BTC/USDT LONG Entry: 1",
		"$ETH-USDT SHORT Entry: 2",
		"Coin: SOL LONG Entry: 3",
		"Symbol: XRPUSDT LONG Entry: 0.5",
		"ADAPERP SHORT Entry: 0.4",
		"BTC-25DEC22 LONG Entry: 20000",
		"Pair: DOGE BUY @ 0.1",
		"BNB Position: LONG Entry: 300",
		"🐋 LINK SHORT Entry: 7",
	}
	for _, in := range inputs {
		sig := mustParse(t, p, in, types.DefaultParserConfig())
		if !strings.HasSuffix(sig.Symbol, "USDT") || strings.HasSuffix(sig.Symbol, "USDTUSDT") {
			t.Errorf("%q: symbol %q must end with USDT exactly once", in, sig.Symbol)
		}
	}
}

func TestParseSymbolPatternPriority(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	tests := []struct {
		text   string
		symbol string
	}{
		{"Coin: SOL ETHUSDT LONG Entry: 10", "ETHUSDT"},
		{"Coin: sol LONG Entry: 10", "SOLUSDT"},
		{"BNB Trade: SHORT Entry: 300", "BNBUSDT"},
		{"AVAX Side: LONG Entry: 30", "AVAXUSDT"},
		{"🔥 DOT LONG Entry: 5", "DOTUSDT"},
	}
	for _, tt := range tests {
		sig := mustParse(t, p, tt.text, types.DefaultParserConfig())
		if sig.Symbol != tt.symbol {
			t.Errorf("%q: expected %s, got %s", tt.text, tt.symbol, sig.Symbol)
		}
	}
}

func TestParseSideSynonyms(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	tests := []struct {
		text string
		side types.Side
	}{
		{"BTCUSDT BUY Entry: 100", types.SideLong},
		{"BTCUSDT SELL Entry: 100", types.SideShort},
		{"BTCUSDT LÅNG Ingång: 100", types.SideLong},
		{"BTCUSDT KORT Ingång: 100", types.SideShort},
		{"BTCUSDT Direction: short Entry: 100", types.SideShort},
		{"BTCUSDT 📈 LONG Entry: 100", types.SideLong},
	}
	for _, tt := range tests {
		sig := mustParse(t, p, tt.text, types.DefaultParserConfig())
		if sig.Side != tt.side {
			t.Errorf("%q: expected %s, got %s", tt.text, tt.side, sig.Side)
		}
	}
}

func TestParseEntryFormats(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	tests := []struct {
		text  string
		entry float64
	}{
		{"BTCUSDT LONG Entry Zone: 100 - 200", 150},
		{"BTCUSDT LONG Entry: 100–110", 105},
		{"BTCUSDT LONG Buy: 99.5", 99.5},
		{"BTCUSDT SHORT Price: 42", 42},
		{"BTCUSDT SHORT Open: 7", 7},
		{"BTCUSDT SHORT Enter: 8", 8},
		{"BTCUSDT SHORT Current Price: 9", 9},
		{"BTCUSDT SHORT @ 10.5", 10.5},
		{"BTCUSDT SHORT 🎯 11", 11},
	}
	for _, tt := range tests {
		sig := mustParse(t, p, tt.text, types.DefaultParserConfig())
		if !approx(sig.EntryPrice, tt.entry) {
			t.Errorf("%q: expected entry %v, got %v", tt.text, tt.entry, sig.EntryPrice)
		}
	}
}

func TestParseSkipsUnusableEntryMatch(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)

	// "Entry " captures a lone space; the Entry Zone pattern must then win.
	sig := mustParse(t, p, "BTCUSDT LONG Entry Zone: 100", types.DefaultParserConfig())
	if !approx(sig.EntryPrice, 100) {
		t.Errorf("Expected entry 100, got %v", sig.EntryPrice)
	}

	// A zero entry is never emitted.
	_, err := p.Parse(context.Background(), "BTCUSDT LONG Entry: 0", types.DefaultParserConfig())
	if !errors.Is(err, signals.ErrNoSignal) {
		t.Errorf("Expected ErrNoSignal for zero entry without lookup, got %v", err)
	}
}

func TestParseTargetsCappedAtSix(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	sig := mustParse(t, p, "BTCUSDT LONG Entry: 100 Targets: 101, 102, 103, 104, 105, 106, 107, 108 SL: 90",
		types.DefaultParserConfig())

	want := []float64{101, 102, 103, 104, 105, 106}
	if len(sig.Targets) != len(want) {
		t.Fatalf("Expected %d targets, got %v", len(want), sig.Targets)
	}
	for i := range want {
		if !approx(sig.Targets[i], want[i]) {
			t.Errorf("tp%d: expected %v, got %v", i+1, want[i], sig.Targets[i])
		}
	}
	if _, ok := sig.Target(7); ok {
		t.Error("tp7 must not exist")
	}
}

func TestParseAuxiliaryFields(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	sig := mustParse(t, p, "BTCUSDT LONG Entry: 100 SL: 95 Leverage: cross 20x RRR: 1:3 Risk 1.5%",
		types.DefaultParserConfig())

	if sig.Leverage != "20X" {
		t.Errorf("Expected leverage 20X, got %q", sig.Leverage)
	}
	if sig.RRR != "1:3" {
		t.Errorf("Expected RRR 1:3, got %q", sig.RRR)
	}
	if sig.Risk == nil || !approx(*sig.Risk, 1.5) {
		t.Errorf("Expected risk 1.5, got %v", sig.Risk)
	}

	plain := mustParse(t, p, "BTCUSDT LONG Entry: 100 SL: 95", types.DefaultParserConfig())
	if plain.Leverage != "" || plain.RRR != "" || plain.Risk != nil {
		t.Errorf("Expected no auxiliary fields, got %q %q %v", plain.Leverage, plain.RRR, plain.Risk)
	}
}

func TestParseInversionRoundTrip(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), fixedPrice(100))
	inputs := []string{
		"🔥 BTCUSDT LONG\nEntry: 45000-46000\nTP1: 47000\nSL: 44000",
		"Signal: BTC Direction: SHORT Price: 45500 Targets: 44000, 43000 Stop Loss: 46500",
		"BTCUSDT SHORT Targets: 44000, 43000 SL: 46000",
	}
	plainCfg := types.DefaultParserConfig()
	invCfg := plainCfg
	invCfg.InvertSignals = true

	for _, in := range inputs {
		plain := mustParse(t, p, in, plainCfg)
		inv := mustParse(t, p, in, invCfg)

		if plain.IsInverted {
			t.Errorf("%q: plain parse must not be inverted", in)
		}
		if inv.Side != plain.Side.Opposite() {
			t.Errorf("%q: expected inverted side %s, got %s", in, plain.Side.Opposite(), inv.Side)
		}
		if !inv.IsInverted || inv.OriginalSide != plain.Side {
			t.Errorf("%q: expected original side %s, got %s", in, plain.Side, inv.OriginalSide)
		}
	}
}

func TestParseInversionAppliesBeforeStopLossSynthesis(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	cfg := types.DefaultParserConfig()
	cfg.InvertSignals = true

	sig := mustParse(t, p, "ETHUSDT LONG Entry: 3200", cfg)
	if sig.Side != types.SideShort {
		t.Fatalf("Expected SHORT after inversion, got %s", sig.Side)
	}
	if sig.SLPrice == nil || *sig.SLPrice != 3264 {
		t.Errorf("Expected SL above entry for inverted SHORT, got %v", sig.SLPrice)
	}
}

func TestParseIsIdempotent(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), fixedPrice(45000))
	inputs := []string{
		"🔥 BTCUSDT LONG\nEntry: 45000-46000\nTP1: 47000\nSL: 44000\nLeverage: 10x",
		"ETHUSDT LONG Entry: 3200 Targets: 3300, 3400",
		"BTCUSDT SHORT Targets: 44000, 43000 SL: 46000",
	}
	for _, in := range inputs {
		a := mustParse(t, p, in, types.DefaultParserConfig())
		b := mustParse(t, p, in, types.DefaultParserConfig())
		aj, _ := a.MarshalJSON()
		bj, _ := b.MarshalJSON()
		if string(aj) != string(bj) {
			t.Errorf("%q: parses differ:\n%s\n%s", in, aj, bj)
		}
	}
}

func TestParseConfidenceMonotonicInStopLoss(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), nil)
	cfg := types.DefaultParserConfig()

	calculated := mustParse(t, p, "ETHUSDT LONG Entry: 3200 Targets: 3300", cfg)
	explicit := mustParse(t, p, "ETHUSDT LONG Entry: 3200 Targets: 3300 SL: 3100", cfg)

	if calculated.Confidence > explicit.Confidence {
		t.Errorf("Calculated SL confidence %v must not exceed explicit %v",
			calculated.Confidence, explicit.Confidence)
	}
}

func TestParseValidityInvariant(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), fixedPrice(1.25))
	inputs := []string{
		"",
		"   ",
		"LONG",
		"BTCUSDT",
		"Entry: 100 SL: 90",
		"hello world this is not a signal",
		"BTCUSDT LONG",
		"💥💥💥 @@@ ---- 12-12-12",
		"BTCUSDT LONG Entry: - - -",
	}
	for _, in := range inputs {
		sig, err := p.Parse(context.Background(), in, types.DefaultParserConfig())
		if err != nil {
			if !errors.Is(err, signals.ErrNoSignal) {
				t.Errorf("%q: unexpected error type %v", in, err)
			}
			continue
		}
		if sig.Symbol == "" || !sig.Side.IsValid() || sig.EntryPrice <= 0 {
			t.Errorf("%q: emitted incomplete signal %+v", in, sig)
		}
	}
}

func TestParseConcurrentUse(t *testing.T) {
	p := signals.NewParser(zap.NewNop(), fixedPrice(45000))
	cfg := types.DefaultParserConfig()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, err := p.Parse(context.Background(), "BTCUSDT SHORT Targets: 44000 SL: 46000", cfg)
			if err != nil || !approx(sig.EntryPrice, 45000) {
				t.Errorf("concurrent parse failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

type fallbackCounter struct {
	mu    sync.Mutex
	kinds map[string]int
}

func (c *fallbackCounter) RecordFallback(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kinds == nil {
		c.kinds = make(map[string]int)
	}
	c.kinds[kind]++
}

func (c *fallbackCounter) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kinds[kind]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
