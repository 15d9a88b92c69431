package signals

import (
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-relay/pkg/types"
	"go.uber.org/zap"
)

// GroupStats tracks parse outcomes for a single source group
type GroupStats struct {
	TotalSignals     int        `json:"total_signals"`
	SuccessfulParses int        `json:"successful_parses"`
	FailedParses     int        `json:"failed_parses"`
	LastSignalTime   *time.Time `json:"last_signal_time,omitempty"`
}

// HandlerConfig configures the per-group signal store
type HandlerConfig struct {
	MaxSignalsPerGroup int
}

// DefaultHandlerConfig returns sensible defaults
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxSignalsPerGroup: 500,
	}
}

// SignalHandler keeps accepted signals and parse statistics per group.
type SignalHandler struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	config  HandlerConfig
	signals map[string][]*types.SignalEnvelope
	stats   map[string]*GroupStats
	now     func() time.Time
}

// NewSignalHandler creates a new signal handler.
func NewSignalHandler(logger *zap.Logger, config HandlerConfig) *SignalHandler {
	if config.MaxSignalsPerGroup <= 0 {
		config.MaxSignalsPerGroup = DefaultHandlerConfig().MaxSignalsPerGroup
	}
	return &SignalHandler{
		logger:  logger.Named("signal-handler"),
		config:  config,
		signals: make(map[string][]*types.SignalEnvelope),
		stats:   make(map[string]*GroupStats),
		now:     time.Now,
	}
}

func (h *SignalHandler) groupStats(group string) *GroupStats {
	st, ok := h.stats[group]
	if !ok {
		st = &GroupStats{}
		h.stats[group] = st
	}
	return st
}

// Add stores an accepted signal under its group. The oldest signals are
// evicted once the group holds MaxSignalsPerGroup entries.
func (h *SignalHandler) Add(env *types.SignalEnvelope) {
	group := env.GroupName
	if group == "" {
		group = "unknown"
	}

	h.mu.Lock()
	list := append(h.signals[group], env)
	if over := len(list) - h.config.MaxSignalsPerGroup; over > 0 {
		list = append([]*types.SignalEnvelope(nil), list[over:]...)
	}
	h.signals[group] = list

	st := h.groupStats(group)
	st.TotalSignals++
	st.SuccessfulParses++
	now := h.now()
	st.LastSignalTime = &now
	h.mu.Unlock()

	h.logger.Debug("signal added",
		zap.String("group", group),
		zap.String("symbol", env.Signal.Symbol),
	)
}

// RecordFailure counts a message from group that produced no signal.
func (h *SignalHandler) RecordFailure(group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.groupStats(group)
	st.TotalSignals++
	st.FailedParses++
}

// ByGroup returns the stored signals of group, oldest first.
func (h *SignalHandler) ByGroup(group string) []*types.SignalEnvelope {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*types.SignalEnvelope, len(h.signals[group]))
	copy(out, h.signals[group])
	return out
}

// GroupStats returns a copy of the statistics of group.
func (h *SignalHandler) GroupStats(group string) (GroupStats, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.stats[group]
	if !ok {
		return GroupStats{}, false
	}
	return *st, true
}

// AllStats returns a copy of every group's statistics.
func (h *SignalHandler) AllStats() map[string]GroupStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]GroupStats, len(h.stats))
	for name, st := range h.stats {
		out[name] = *st
	}
	return out
}

// Groups returns the names of every group seen so far, sorted.
func (h *SignalHandler) Groups() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.stats))
	for name := range h.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear drops the stored signals of group and reports whether it existed.
// Statistics are kept.
func (h *SignalHandler) Clear(group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.signals[group]; !ok {
		return false
	}
	h.signals[group] = nil
	h.logger.Info("cleared group signals", zap.String("group", group))
	return true
}
