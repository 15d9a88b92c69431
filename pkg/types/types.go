// Package types provides shared type definitions for the signal relay.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Side represents the direction of a parsed trade intent
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the inverted side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	}
	return s
}

// IsValid reports whether s is LONG or SHORT.
func (s Side) IsValid() bool {
	return s == SideLong || s == SideShort
}

// ParseSide maps a directional word to a Side. BUY and the Swedish LÅNG
// mean LONG; SELL and KORT mean SHORT.
func ParseSide(word string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(word)) {
	case "LONG", "BUY", "LÅNG":
		return SideLong, true
	case "SHORT", "SELL", "KORT":
		return SideShort, true
	}
	return "", false
}

// MaxTargets is the number of take-profit slots on a signal.
const MaxTargets = 6

// ParserVersion tags every signal produced by the multi-format parser.
const ParserVersion = "enhanced_v2.0"

// ParsedSignal is a structured trade intent extracted from a chat message.
// It is built fresh per message and carries no identity of its own.
type ParsedSignal struct {
	Symbol        string
	Side          Side
	IsInverted    bool
	OriginalSide  Side
	EntryPrice    float64
	SLPrice       *float64
	SLCalculated  bool
	Targets       []float64 // tp1..tp6 in text order
	Leverage      string
	RRR           string
	Risk          *float64
	Confidence    float64
	HasTargets    bool
	HasSL         bool
	ParserVersion string
	OriginalText  string
}

// wire shape shared with downstream consumers
type parsedSignalJSON struct {
	Symbol        string   `json:"symbol"`
	Side          Side     `json:"side"`
	IsInverted    bool     `json:"is_inverted,omitempty"`
	OriginalSide  Side     `json:"original_side,omitempty"`
	EntryPrice    float64  `json:"entry_price"`
	SLPrice       *float64 `json:"sl_price,omitempty"`
	SLCalculated  bool     `json:"sl_calculated,omitempty"`
	TP1           *float64 `json:"tp1,omitempty"`
	TP2           *float64 `json:"tp2,omitempty"`
	TP3           *float64 `json:"tp3,omitempty"`
	TP4           *float64 `json:"tp4,omitempty"`
	TP5           *float64 `json:"tp5,omitempty"`
	TP6           *float64 `json:"tp6,omitempty"`
	Leverage      string   `json:"leverage,omitempty"`
	RRR           string   `json:"rrr,omitempty"`
	Risk          *float64 `json:"risk,omitempty"`
	Confidence    float64  `json:"confidence"`
	HasTargets    bool     `json:"has_targets"`
	HasSL         bool     `json:"has_sl"`
	ParserVersion string   `json:"parser_version,omitempty"`
	OriginalText  string   `json:"original_text"`
}

func (w *parsedSignalJSON) slots() [MaxTargets]**float64 {
	return [MaxTargets]**float64{&w.TP1, &w.TP2, &w.TP3, &w.TP4, &w.TP5, &w.TP6}
}

// MarshalJSON flattens targets into the positional tp1..tp6 keys.
func (s ParsedSignal) MarshalJSON() ([]byte, error) {
	w := parsedSignalJSON{
		Symbol:        s.Symbol,
		Side:          s.Side,
		IsInverted:    s.IsInverted,
		OriginalSide:  s.OriginalSide,
		EntryPrice:    s.EntryPrice,
		SLPrice:       s.SLPrice,
		SLCalculated:  s.SLCalculated,
		Leverage:      s.Leverage,
		RRR:           s.RRR,
		Risk:          s.Risk,
		Confidence:    s.Confidence,
		HasTargets:    s.HasTargets,
		HasSL:         s.HasSL,
		ParserVersion: s.ParserVersion,
		OriginalText:  s.OriginalText,
	}
	slots := w.slots()
	for i, tp := range s.Targets {
		if i >= MaxTargets {
			break
		}
		v := tp
		*slots[i] = &v
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads tp1..tp6 back into Targets, stopping at the first gap.
func (s *ParsedSignal) UnmarshalJSON(data []byte) error {
	var w parsedSignalJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = ParsedSignal{
		Symbol:        w.Symbol,
		Side:          w.Side,
		IsInverted:    w.IsInverted,
		OriginalSide:  w.OriginalSide,
		EntryPrice:    w.EntryPrice,
		SLPrice:       w.SLPrice,
		SLCalculated:  w.SLCalculated,
		Leverage:      w.Leverage,
		RRR:           w.RRR,
		Risk:          w.Risk,
		Confidence:    w.Confidence,
		HasTargets:    w.HasTargets,
		HasSL:         w.HasSL,
		ParserVersion: w.ParserVersion,
		OriginalText:  w.OriginalText,
	}
	for _, slot := range w.slots() {
		if *slot == nil {
			break
		}
		s.Targets = append(s.Targets, **slot)
	}
	return nil
}

// Target returns the n-th take-profit (1-based) and whether it is set.
func (s *ParsedSignal) Target(n int) (float64, bool) {
	if n < 1 || n > len(s.Targets) {
		return 0, false
	}
	return s.Targets[n-1], true
}

// FilterInfo explains a spam filter decision
type FilterInfo struct {
	Reason         string   `json:"reason,omitempty"`
	AppliedFilters []string `json:"applied_filters"`
}

// Filter rejection reasons
const (
	ReasonEmptyMessage        = "empty_message"
	ReasonTooShort            = "too_short"
	ReasonExcessiveRepetition = "excessive_repetition"
	ReasonNoSignalIndicators  = "no_signal_indicators"
)

// InboundMessage is a chat message with the routing metadata supplied by
// the transport layer.
type InboundMessage struct {
	Group     string    `json:"group"`
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	UserID    int64     `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
}

// SignalEnvelope wraps an accepted signal with its routing metadata before
// it is handed to downstream consumers.
type SignalEnvelope struct {
	ID             string        `json:"id"`
	Signal         *ParsedSignal `json:"signal"`
	GroupName      string        `json:"group_name"`
	SourceChatID   int64         `json:"source_chat_id"`
	MessageID      int64         `json:"message_id"`
	Timestamp      time.Time     `json:"timestamp"`
	SanitizedText  string        `json:"sanitized_text"`
	FilterInfo     FilterInfo    `json:"filter_info"`
	ProcessingTime time.Duration `json:"processing_time"`
}
