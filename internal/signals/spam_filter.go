package signals

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/atlas-desktop/signal-relay/pkg/types"
	"go.uber.org/zap"
)

// Applied filter names reported in FilterInfo
const (
	FilterEmptyCheck      = "empty_check"
	FilterLengthCheck     = "length_check"
	FilterRepetitionCheck = "repetition_check"
	FilterSignalCheck     = "signal_check"
	FilterPassed          = "passed_all_checks"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// denylist stripped from every message before the indicator check
var spamPatterns = []Pattern{
	pattern("everyone", `(?i)@everyone`),
	pattern("here", `(?i)@here`),
	pattern("url", `(?i)https?://(?:[a-zA-Z0-9$-_@.&+!*\\(),]|%[0-9a-fA-F]{2})+`),
}

// at least one of these must appear for a message to be worth parsing
var signalIndicators = []Pattern{
	pattern("side_word", `(?i)\b(long|short|buy|sell)\b`),
	pattern("level_word", `(?i)\b(entry|tp|sl|stop)\b`),
	pattern("pair_token", `(?i)\b[A-Z]{3,6}USDT?\b`),
	pattern("cashtag", `(?i)\$[A-Z]{3,6}\b`),
}

// SpamFilter is the cheap gate in front of the parser. It performs no I/O.
type SpamFilter struct {
	logger *zap.Logger
}

// NewSpamFilter creates a new spam filter.
func NewSpamFilter(logger *zap.Logger) *SpamFilter {
	return &SpamFilter{
		logger: logger.Named("spam-filter"),
	}
}

// Preprocess decides whether text is worth parsing and returns the
// sanitized text when it is.
func (f *SpamFilter) Preprocess(text, sourceID string, messageID, chatID int64, cfg types.SpamConfig) (bool, string, types.FilterInfo) {
	valid, sanitized, info := preprocess(text, cfg)
	if !valid {
		f.logger.Debug("message rejected",
			zap.String("source", sourceID),
			zap.Int64("message_id", messageID),
			zap.Int64("chat_id", chatID),
			zap.String("reason", info.Reason),
		)
	}
	return valid, sanitized, info
}

func preprocess(text string, cfg types.SpamConfig) (bool, string, types.FilterInfo) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false, "", reject(types.ReasonEmptyMessage, FilterEmptyCheck)
	}
	if utf8.RuneCountInString(trimmed) < cfg.MinLength {
		return false, "", reject(types.ReasonTooShort, FilterLengthCheck)
	}
	if uniqueRatioBelow(text, cfg.MinUniqueRatio) {
		return false, "", reject(types.ReasonExcessiveRepetition, FilterRepetitionCheck)
	}

	info := types.FilterInfo{AppliedFilters: []string{}}
	sanitized := whitespaceRe.ReplaceAllString(trimmed, " ")
	for _, p := range spamPatterns {
		if p.Expr.MatchString(sanitized) {
			info.AppliedFilters = append(info.AppliedFilters, "removed_"+p.Name)
			sanitized = p.Expr.ReplaceAllString(sanitized, "")
		}
	}
	sanitized = strings.TrimSpace(whitespaceRe.ReplaceAllString(sanitized, " "))

	if !hasSignalIndicator(sanitized) {
		return false, "", reject(types.ReasonNoSignalIndicators, FilterSignalCheck)
	}

	info.AppliedFilters = append(info.AppliedFilters, FilterPassed)
	return true, sanitized, info
}

func reject(reason, filter string) types.FilterInfo {
	return types.FilterInfo{Reason: reason, AppliedFilters: []string{filter}}
}

// uniqueRatioBelow compares distinct lower-cased runes against the rune
// length of the untrimmed text.
func uniqueRatioBelow(text string, ratio float64) bool {
	seen := make(map[rune]struct{})
	total := 0
	for _, r := range strings.ToLower(text) {
		seen[r] = struct{}{}
		total++
	}
	return float64(len(seen)) < float64(total)*ratio
}

func hasSignalIndicator(text string) bool {
	for _, p := range signalIndicators {
		if p.Expr.MatchString(text) {
			return true
		}
	}
	return false
}
