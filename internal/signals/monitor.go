package signals

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-relay/pkg/types"
	"go.uber.org/zap"
)

// ErrorKind classifies per-group failures
type ErrorKind string

const (
	ErrorParse      ErrorKind = "parse"
	ErrorConnection ErrorKind = "connection"
	ErrorSpam       ErrorKind = "spam"
)

const (
	recentSignalsSize   = 50
	processingTimesSize = 100
	attentionThreshold  = 0.6
	topGroupsCount      = 5
)

// confidence bucket representatives used for the weighted average
const (
	highConfidenceWeight   = 0.9
	mediumConfidenceWeight = 0.65
	lowConfidenceWeight    = 0.25
)

// RecentSignal is a compact record of an accepted signal
type RecentSignal struct {
	Timestamp  time.Time  `json:"timestamp"`
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Confidence float64    `json:"confidence"`
	HasSL      bool       `json:"has_sl"`
	HasTargets bool       `json:"has_targets"`
}

// groupMetrics is the mutable state behind a GroupStatus
type groupMetrics struct {
	name    string
	groupID int64

	totalSignals   int
	validSignals   int
	invalidSignals int

	highConfidence   int
	mediumConfidence int
	lowConfidence    int
	avgConfidence    float64

	lastSignalTime        time.Time
	avgHoursBetweenSignal float64
	longestSilenceHours   float64

	parseErrors      int
	connectionErrors int
	spamFiltered     int

	processingTimes []time.Duration
	recent          []RecentSignal

	lastAlert time.Time
}

func (m *groupMetrics) record(sig *types.ParsedSignal, processing time.Duration, now time.Time) {
	m.totalSignals++
	if sig != nil {
		m.validSignals++
		switch {
		case sig.Confidence > 0.8:
			m.highConfidence++
		case sig.Confidence > 0.5:
			m.mediumConfidence++
		default:
			m.lowConfidence++
		}
		if n := m.highConfidence + m.mediumConfidence + m.lowConfidence; n > 0 {
			m.avgConfidence = (float64(m.highConfidence)*highConfidenceWeight +
				float64(m.mediumConfidence)*mediumConfidenceWeight +
				float64(m.lowConfidence)*lowConfidenceWeight) / float64(n)
		}
		m.recent = appendBounded(m.recent, RecentSignal{
			Timestamp:  now,
			Symbol:     sig.Symbol,
			Side:       sig.Side,
			Confidence: sig.Confidence,
			HasSL:      sig.HasSL,
			HasTargets: sig.HasTargets,
		}, recentSignalsSize)
	} else {
		m.invalidSignals++
	}

	if !m.lastSignalTime.IsZero() {
		gap := now.Sub(m.lastSignalTime).Hours()
		if m.totalSignals > 1 {
			m.avgHoursBetweenSignal = (m.avgHoursBetweenSignal*float64(m.totalSignals-2) + gap) /
				float64(m.totalSignals-1)
		}
		if gap > m.longestSilenceHours {
			m.longestSilenceHours = gap
		}
	}
	m.lastSignalTime = now
	m.processingTimes = appendBounded(m.processingTimes, processing, processingTimesSize)
}

func appendBounded[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if len(list) > limit {
		list = append(list[:0:0], list[len(list)-limit:]...)
	}
	return list
}

func (m *groupMetrics) signalsSince(t time.Time) int {
	n := 0
	for _, s := range m.recent {
		if s.Timestamp.After(t) {
			n++
		}
	}
	return n
}

func (m *groupMetrics) healthScore(now time.Time) float64 {
	return HealthScore(m.validSignals, m.totalSignals, m.avgConfidence,
		m.signalsSince(now.Add(-time.Hour)), m.parseErrors+m.connectionErrors)
}

// HealthScore weighs valid ratio, confidence, recent activity and error
// rate into [0, 1]. A group with no messages scores 0.
func HealthScore(valid, total int, avgConfidence float64, lastHour, errors int) float64 {
	if total == 0 {
		return 0
	}
	validRatio := float64(valid) / float64(total)
	activity := math.Min(1, float64(lastHour)/10)
	errorScore := math.Max(0, 1-float64(errors)/float64(total))
	score := validRatio*0.4 + avgConfidence*0.3 + activity*0.2 + errorScore*0.1
	return math.Min(1, math.Max(0, score))
}

// ErrorCounts groups per-kind error counters
type ErrorCounts struct {
	Parse      int `json:"parse"`
	Connection int `json:"connection"`
	Spam       int `json:"spam"`
}

// GroupStatus is a point-in-time view of one group's health
type GroupStatus struct {
	Name                   string         `json:"name"`
	GroupID                int64          `json:"group_id"`
	HealthScore            float64        `json:"health_score"`
	TotalSignals           int            `json:"total_signals"`
	ValidSignals           int            `json:"valid_signals"`
	InvalidSignals         int            `json:"invalid_signals"`
	SuccessRate            float64        `json:"success_rate"`
	AvgConfidence          float64        `json:"avg_confidence"`
	HighConfidence         int            `json:"high_confidence_signals"`
	MediumConfidence       int            `json:"medium_confidence_signals"`
	LowConfidence          int            `json:"low_confidence_signals"`
	SignalsLastHour        int            `json:"signals_last_hour"`
	SignalsLastDay         int            `json:"signals_last_day"`
	LastSignal             *time.Time     `json:"last_signal,omitempty"`
	AvgHoursBetweenSignals float64        `json:"avg_time_between_signals"`
	LongestSilenceHours    float64        `json:"longest_silence"`
	AvgProcessingTime      time.Duration  `json:"avg_processing_time"`
	Errors                 ErrorCounts    `json:"errors"`
	RecentSignals          []RecentSignal `json:"recent_signals,omitempty"`
}

func (m *groupMetrics) status(now time.Time) GroupStatus {
	st := GroupStatus{
		Name:                   m.name,
		GroupID:                m.groupID,
		HealthScore:            m.healthScore(now),
		TotalSignals:           m.totalSignals,
		ValidSignals:           m.validSignals,
		InvalidSignals:         m.invalidSignals,
		SuccessRate:            float64(m.validSignals) / float64(max(1, m.totalSignals)) * 100,
		AvgConfidence:          m.avgConfidence,
		HighConfidence:         m.highConfidence,
		MediumConfidence:       m.mediumConfidence,
		LowConfidence:          m.lowConfidence,
		SignalsLastHour:        m.signalsSince(now.Add(-time.Hour)),
		SignalsLastDay:         m.signalsSince(now.Add(-24 * time.Hour)),
		AvgHoursBetweenSignals: m.avgHoursBetweenSignal,
		LongestSilenceHours:    m.longestSilenceHours,
		Errors: ErrorCounts{
			Parse:      m.parseErrors,
			Connection: m.connectionErrors,
			Spam:       m.spamFiltered,
		},
		RecentSignals: append([]RecentSignal(nil), m.recent...),
	}
	if !m.lastSignalTime.IsZero() {
		t := m.lastSignalTime
		st.LastSignal = &t
	}
	if len(m.processingTimes) > 0 {
		var sum time.Duration
		for _, d := range m.processingTimes {
			sum += d
		}
		st.AvgProcessingTime = sum / time.Duration(len(m.processingTimes))
	}
	return st
}

// GroupHealth pairs a group with its health score
type GroupHealth struct {
	Name        string  `json:"name"`
	HealthScore float64 `json:"health_score"`
}

// DashboardOverview aggregates every monitored group
type DashboardOverview struct {
	TotalGroups        int     `json:"total_groups"`
	ActiveGroups       int     `json:"active_groups"`
	TotalSignals       int     `json:"total_signals_processed"`
	OverallSuccessRate float64 `json:"overall_success_rate"`
	AverageHealthScore float64 `json:"average_health_score"`
}

// Dashboard is the cross-group monitoring summary
type Dashboard struct {
	Overview       DashboardOverview `json:"overview"`
	TopGroups      []GroupHealth     `json:"top_performing_groups"`
	NeedsAttention []string          `json:"groups_needing_attention"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Alert is raised when a group crosses one of the monitor thresholds
type Alert struct {
	Group       string    `json:"group"`
	HealthScore float64   `json:"health_score"`
	Messages    []string  `json:"messages"`
	Timestamp   time.Time `json:"timestamp"`
}

// Message renders the alert for a chat log.
func (a Alert) Message() string {
	return fmt.Sprintf("🚨 Alerts for %s:\n%s", a.Group, strings.Join(a.Messages, "\n"))
}

// HealthRecorder receives per-group health scores.
type HealthRecorder interface {
	SetGroupHealth(group string, score float64)
}

// MonitorOption configures optional GroupMonitor collaborators.
type MonitorOption func(*GroupMonitor)

// WithMonitorNotifier sends alerts and periodic reports to n.
func WithMonitorNotifier(n Notifier) MonitorOption {
	return func(m *GroupMonitor) { m.notifier = n }
}

// WithAlertHandler calls fn for every alert raised.
func WithAlertHandler(fn func(Alert)) MonitorOption {
	return func(m *GroupMonitor) { m.onAlert = fn }
}

// WithHealthRecorder publishes health scores to r.
func WithHealthRecorder(r HealthRecorder) MonitorOption {
	return func(m *GroupMonitor) { m.health = r }
}

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *GroupMonitor) { m.now = now }
}

// GroupMonitor tracks signal quality and health for every source group.
type GroupMonitor struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	config   types.MonitorConfig
	groups   map[string]*groupMetrics
	notifier Notifier
	onAlert  func(Alert)
	health   HealthRecorder
	now      func() time.Time
}

// NewGroupMonitor creates a new group monitor with groups pre-registered.
func NewGroupMonitor(logger *zap.Logger, config types.MonitorConfig, groups map[string]int64, opts ...MonitorOption) *GroupMonitor {
	m := &GroupMonitor{
		logger: logger.Named("group-monitor"),
		config: config,
		groups: make(map[string]*groupMetrics, len(groups)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for name, id := range groups {
		m.groups[name] = &groupMetrics{name: name, groupID: id}
	}
	m.logger.Info("group monitoring initialized", zap.Int("groups", len(m.groups)))
	return m
}

// RecordSignal records one processed message for group. A nil sig counts
// as an invalid message. Unknown groups are created on the fly.
func (m *GroupMonitor) RecordSignal(ctx context.Context, group string, sig *types.ParsedSignal, processing time.Duration) {
	now := m.now()

	m.mu.Lock()
	gm, ok := m.groups[group]
	if !ok {
		gm = &groupMetrics{name: group}
		m.groups[group] = gm
	}
	gm.record(sig, processing, now)
	score := gm.healthScore(now)
	alert, raise := m.checkAlerts(gm, now)
	m.mu.Unlock()

	if m.health != nil {
		m.health.SetGroupHealth(group, score)
	}
	if raise {
		m.raise(ctx, alert)
	}
}

// RecordError counts an error against group. Unknown groups are ignored.
func (m *GroupMonitor) RecordError(group string, kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gm, ok := m.groups[group]
	if !ok {
		return
	}
	switch kind {
	case ErrorParse:
		gm.parseErrors++
	case ErrorConnection:
		gm.connectionErrors++
	case ErrorSpam:
		gm.spamFiltered++
	}
}

// checkAlerts evaluates thresholds for gm. Callers hold m.mu.
func (m *GroupMonitor) checkAlerts(gm *groupMetrics, now time.Time) (Alert, bool) {
	if m.config.AlertCooldown > 0 && !gm.lastAlert.IsZero() && now.Sub(gm.lastAlert) < m.config.AlertCooldown {
		return Alert{}, false
	}

	var msgs []string
	score := gm.healthScore(now)
	if score < m.config.MinHealthScore {
		msgs = append(msgs, fmt.Sprintf("🔴 Low health score: %.2f", score))
	}
	if !gm.lastSignalTime.IsZero() {
		if silent := now.Sub(gm.lastSignalTime).Hours(); silent > m.config.MaxSilenceHours {
			msgs = append(msgs, fmt.Sprintf("⏰ Silent for %.1f hours", silent))
		}
	}
	if lastHour := gm.signalsSince(now.Add(-time.Hour)); float64(lastHour) < m.config.MinSignalsPerHour {
		msgs = append(msgs, fmt.Sprintf("📉 Low activity: %d signals/hour", lastHour))
	}
	if gm.avgConfidence < m.config.MinConfidence {
		msgs = append(msgs, fmt.Sprintf("⚠️ Low signal quality: %.2f avg confidence", gm.avgConfidence))
	}
	if len(msgs) == 0 {
		return Alert{}, false
	}
	gm.lastAlert = now
	return Alert{Group: gm.name, HealthScore: score, Messages: msgs, Timestamp: now}, true
}

func (m *GroupMonitor) raise(ctx context.Context, alert Alert) {
	m.logger.Warn("group alert",
		zap.String("group", alert.Group),
		zap.Float64("health_score", alert.HealthScore),
		zap.Strings("alerts", alert.Messages),
	)
	if m.notifier != nil {
		m.notifier.Notify(ctx, alert.Message(), alert.Group, "group_alert")
	}
	if m.onAlert != nil {
		m.onAlert(alert)
	}
}

// GroupStatus returns the current status of group.
func (m *GroupMonitor) GroupStatus(group string) (GroupStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gm, ok := m.groups[group]
	if !ok {
		return GroupStatus{}, false
	}
	return gm.status(m.now()), true
}

// Statuses returns the status of every group, sorted by name.
func (m *GroupMonitor) Statuses() []GroupStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]GroupStatus, 0, len(m.groups))
	for _, gm := range m.groups {
		out = append(out, gm.status(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dashboard summarizes every group.
func (m *GroupMonitor) Dashboard() Dashboard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()

	d := Dashboard{
		TopGroups:      []GroupHealth{},
		NeedsAttention: []string{},
		Timestamp:      now,
	}
	var totalValid int
	var healthSum float64
	ranked := make([]GroupHealth, 0, len(m.groups))
	for name, gm := range m.groups {
		score := gm.healthScore(now)
		healthSum += score
		d.Overview.TotalSignals += gm.totalSignals
		totalValid += gm.validSignals
		if gm.totalSignals > 0 {
			d.Overview.ActiveGroups++
		}
		if score < attentionThreshold {
			d.NeedsAttention = append(d.NeedsAttention, name)
		}
		ranked = append(ranked, GroupHealth{Name: name, HealthScore: score})
	}
	d.Overview.TotalGroups = len(m.groups)
	d.Overview.OverallSuccessRate = float64(totalValid) / float64(max(1, d.Overview.TotalSignals)) * 100
	d.Overview.AverageHealthScore = healthSum / float64(max(1, len(m.groups)))

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].HealthScore != ranked[j].HealthScore {
			return ranked[i].HealthScore > ranked[j].HealthScore
		}
		return ranked[i].Name < ranked[j].Name
	})
	if len(ranked) > topGroupsCount {
		ranked = ranked[:topGroupsCount]
	}
	d.TopGroups = append(d.TopGroups, ranked...)
	sort.Strings(d.NeedsAttention)
	return d
}

// Report renders the periodic monitoring report.
func (m *GroupMonitor) Report() string {
	d := m.Dashboard()
	var b strings.Builder
	b.WriteString("📊 Group Monitoring Report\n\n")
	b.WriteString("📈 Overview:\n")
	fmt.Fprintf(&b, "• Active Groups: %d/%d\n", d.Overview.ActiveGroups, d.Overview.TotalGroups)
	fmt.Fprintf(&b, "• Signals Processed: %d\n", d.Overview.TotalSignals)
	fmt.Fprintf(&b, "• Success Rate: %.1f%%\n", d.Overview.OverallSuccessRate)
	fmt.Fprintf(&b, "• Avg Health Score: %.2f\n\n", d.Overview.AverageHealthScore)
	b.WriteString("🏆 Top Groups:\n")
	for i, g := range d.TopGroups {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "• %s: %.2f\n", g.Name, g.HealthScore)
	}
	fmt.Fprintf(&b, "\n⚠️ Attention Needed: %d groups", len(d.NeedsAttention))
	return b.String()
}

// Sweep re-evaluates alert thresholds for every group. Silence can only
// be detected here since recording a message resets it.
func (m *GroupMonitor) Sweep(ctx context.Context) {
	now := m.now()
	var alerts []Alert
	m.mu.Lock()
	for _, gm := range m.groups {
		if gm.totalSignals == 0 {
			continue
		}
		if alert, ok := m.checkAlerts(gm, now); ok {
			alerts = append(alerts, alert)
		}
	}
	m.mu.Unlock()
	for _, alert := range alerts {
		m.raise(ctx, alert)
	}
}

// Run sends a report every ReportInterval until ctx is done.
func (m *GroupMonitor) Run(ctx context.Context) error {
	interval := m.config.ReportInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("group monitoring started", zap.Duration("report_interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("group monitoring stopped")
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
			report := m.Report()
			if m.notifier != nil {
				m.notifier.Notify(ctx, report, "", "monitoring_report")
			}
			if m.health != nil {
				for _, st := range m.Statuses() {
					m.health.SetGroupHealth(st.Name, st.HealthScore)
				}
			}
		}
	}
}
