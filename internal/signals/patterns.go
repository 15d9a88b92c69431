package signals

import "regexp"

// Pattern is one named entry of an ordered extraction table. Tables are
// evaluated top to bottom and the first usable match wins, so the order of
// each table is part of the parser's behaviour.
type Pattern struct {
	Name string
	Expr *regexp.Regexp
}

func pattern(name, expr string) Pattern {
	return Pattern{Name: name, Expr: regexp.MustCompile(expr)}
}

// SymbolPatterns locate the base ticker. Group 1 is the ticker.
var SymbolPatterns = []Pattern{
	pattern("quote_suffixed", `(?i)[#$]?([A-Z]{2,10})[/\-]?USDT`),
	pattern("coin_label", `(?i)Coin:\s*([A-Z]{2,10})`),
	pattern("symbol_label", `(?i)Symbol:\s*([A-Z]{2,10})`),
	pattern("perp_suffix", `(?i)([A-Z]{2,10})PERP`),
	pattern("dated_future", `(?i)([A-Z]{2,10})-\d{2}[A-Z]{3}\d{2}`),
	pattern("signal_label", `(?i)Signal:\s*([A-Z]{2,10})`),
	pattern("pair_label", `(?i)Pair:\s*([A-Z]{2,10})`),
	pattern("ticker_position", `(?i)([A-Z]{2,10})\s+Position:`),
	pattern("ticker_trade", `(?i)([A-Z]{2,10})\s+Trade:`),
	pattern("ticker_side", `(?i)([A-Z]{2,10})\s+Side:`),
	pattern("leading_ticker", `(?i)^([A-Z]{2,10})\s`),
	pattern("whale_emoji", `(?i)🐋\s*([A-Z]{2,10})`),
	pattern("fire_emoji", `(?i)🔥\s*([A-Z]{2,10})`),
}

// SidePatterns locate the trade direction. Group 1 is the direction word.
var SidePatterns = []Pattern{
	pattern("direction_label", `(?i)Direction:\s*(LONG|SHORT)`),
	pattern("side_label", `(?i)Side:\s*(LONG|SHORT)`),
	pattern("position_label", `(?i)Position:\s*(LONG|SHORT)`),
	pattern("trade_label", `(?i)Trade:\s*(LONG|SHORT)`),
	pattern("buy_sell", `(?i)(BUY|SELL)`),
	pattern("swedish", `(?i)(LÅNG|KORT)`),
	pattern("long_short", `(?i)(LONG|SHORT)`),
	pattern("chart_up_emoji", `(?i)📈\s*(LONG|BUY)`),
	pattern("chart_down_emoji", `(?i)📉\s*(SHORT|SELL)`),
}

// entry captures accept a single price or a hyphen / en-dash zone
const entryCapture = `([\d.\-–\s]+)`

// EntryPatterns locate the entry price or zone. Group 1 is the raw value.
var EntryPatterns = []Pattern{
	pattern("entry", `(?i)Entry\s*[:\-]?\s*`+entryCapture),
	pattern("entry_zone", `(?i)Entry\s*Zone\s*[:\-]?\s*`+entryCapture),
	pattern("buy", `(?i)Buy\s*[:\-]?\s*`+entryCapture),
	pattern("price", `(?i)Price\s*[:\-]?\s*`+entryCapture),
	pattern("open", `(?i)Open\s*[:\-]?\s*`+entryCapture),
	pattern("enter", `(?i)Enter\s*[:\-]?\s*`+entryCapture),
	pattern("swedish", `(?i)Ingång\s*[:\-]?\s*`+entryCapture),
	pattern("current_price", `(?i)Current\s*Price\s*[:\-]?\s*`+entryCapture),
	pattern("at_sign", `@\s*`+entryCapture),
	pattern("target_emoji", `🎯\s*`+entryCapture),
}

// StopLossPatterns locate an explicit stop-loss. Group 1 is the price.
var StopLossPatterns = []Pattern{
	pattern("sl", `(?i)SL\s*[:\-]?\s*([\d.]+)`),
	pattern("stop_loss", `(?i)Stop\s*Loss\s*[:\-]?\s*([\d.]+)`),
	pattern("stop", `(?i)Stop\s*[:\-]?\s*([\d.]+)`),
	pattern("stoploss", `(?i)Stoploss\s*[:\-]?\s*([\d.]+)`),
	pattern("cross_emoji", `❌\s*([\d.]+)`),
	pattern("stop_sign_emoji", `🛑\s*([\d.]+)`),
	pattern("s_slash_l", `(?i)S/L\s*[:\-]?\s*([\d.]+)`),
	pattern("cut_loss", `(?i)Cut\s*Loss\s*[:\-]?\s*([\d.]+)`),
	pattern("cut", `(?i)Cut\s*[:\-]?\s*([\d.]+)`),
}

const targetCapture = `([\d\s.,]+)`

// TargetPatterns locate the take-profit list. Group 1 is the span holding
// the numbers.
var TargetPatterns = []Pattern{
	pattern("targets", `(?i)Targets?\s*[:\-]?\s*`+targetCapture),
	pattern("tp", `(?i)TP\d*\s*[:\-]?\s*`+targetCapture),
	pattern("take_profit", `(?i)Take\s*Profit\s*[:\-]?\s*`+targetCapture),
	pattern("target", `(?i)Target\s*[:\-]?\s*`+targetCapture),
	pattern("exit", `(?i)Exit\s*[:\-]?\s*`+targetCapture),
	pattern("sell", `(?i)Sell\s*[:\-]?\s*`+targetCapture),
	pattern("swedish", `(?i)Mål\s*[:\-]?\s*`+targetCapture),
	pattern("target_emoji", `🎯\s*`+targetCapture),
	pattern("check_emoji", `✅\s*`+targetCapture),
	pattern("exit_exact", `(?i)Exit:\s*`+targetCapture),
}

var (
	numberRe   = regexp.MustCompile(`\d+\.\d+|\d+`)
	leverageRe = regexp.MustCompile(`(?i)(Leverage|Hävstång).*?(\d{1,2}x)`)
	rrrRe      = regexp.MustCompile(`RRR[:\s]+(\d+:\d+)`)
	riskRe     = regexp.MustCompile(`(?i)risk.*?(\d+\.?\d*)%`)
)

// firstMatch returns group 1 of the first pattern in table that matches text
// and satisfies accept, together with the pattern name.
func firstMatch[T any](table []Pattern, text string, accept func(string) (T, bool)) (T, string, bool) {
	var zero T
	for _, p := range table {
		m := p.Expr.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if v, ok := accept(m[1]); ok {
			return v, p.Name, true
		}
	}
	return zero, "", false
}
