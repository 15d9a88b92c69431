// Package events fans pipeline outcomes out to interested consumers such as
// the WebSocket hub, the journal writer and the log chat relay.
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/signal-relay/internal/signals"
	"github.com/atlas-desktop/signal-relay/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeSignalParsed    EventType = "signal_parsed"
	EventTypeMessageRejected EventType = "message_rejected"
	EventTypeParseFailed     EventType = "parse_failed"
	EventTypeGroupAlert      EventType = "group_alert"
	EventTypeAdminCommand    EventType = "admin_command"
)

// Event is the base interface for all relay events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

func newBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// SignalParsedEvent carries an accepted signal
type SignalParsedEvent struct {
	BaseEvent
	Envelope *types.SignalEnvelope `json:"envelope"`
}

// MessageRejectedEvent is published when the spam filter drops a message
type MessageRejectedEvent struct {
	BaseEvent
	Group      string           `json:"group"`
	MessageID  int64            `json:"message_id"`
	Reason     string           `json:"reason"`
	FilterInfo types.FilterInfo `json:"filter_info"`
}

// ParseFailedEvent is published when a message passed the filter but no
// signal could be extracted
type ParseFailedEvent struct {
	BaseEvent
	Group     string   `json:"group"`
	MessageID int64    `json:"message_id"`
	Missing   []string `json:"missing,omitempty"`
	Error     string   `json:"error"`
}

// GroupAlertEvent relays a monitor alert
type GroupAlertEvent struct {
	BaseEvent
	Alert signals.Alert `json:"alert"`
}

// AdminCommandEvent records an operator command and its reply
type AdminCommandEvent struct {
	BaseEvent
	UserID  int64  `json:"user_id"`
	Command string `json:"command"`
	Allowed bool   `json:"allowed"`
}

// NewSignalParsedEvent creates a new signal parsed event
func NewSignalParsedEvent(env *types.SignalEnvelope) *SignalParsedEvent {
	return &SignalParsedEvent{BaseEvent: newBaseEvent(EventTypeSignalParsed), Envelope: env}
}

// NewMessageRejectedEvent creates a new rejection event
func NewMessageRejectedEvent(group string, messageID int64, info types.FilterInfo) *MessageRejectedEvent {
	return &MessageRejectedEvent{
		BaseEvent:  newBaseEvent(EventTypeMessageRejected),
		Group:      group,
		MessageID:  messageID,
		Reason:     info.Reason,
		FilterInfo: info,
	}
}

// NewParseFailedEvent creates a new parse failure event
func NewParseFailedEvent(group string, messageID int64, missing []string, err error) *ParseFailedEvent {
	e := &ParseFailedEvent{
		BaseEvent: newBaseEvent(EventTypeParseFailed),
		Group:     group,
		MessageID: messageID,
		Missing:   missing,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// NewGroupAlertEvent creates a new group alert event
func NewGroupAlertEvent(alert signals.Alert) *GroupAlertEvent {
	return &GroupAlertEvent{BaseEvent: newBaseEvent(EventTypeGroupAlert), Alert: alert}
}

// NewAdminCommandEvent creates a new admin command event
func NewAdminCommandEvent(userID int64, command string, allowed bool) *AdminCommandEvent {
	return &AdminCommandEvent{
		BaseEvent: newBaseEvent(EventTypeAdminCommand),
		UserID:    userID,
		Command:   command,
		Allowed:   allowed,
	}
}

// EventHandler processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter
	Async  bool // run the handler in its own goroutine
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks performance metrics
type EventBusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	AvgLatencyNs      int64 `json:"avg_latency_ns"`
	MaxLatencyNs      int64 `json:"max_latency_ns"`
	P99LatencyNs      int64 `json:"p99_latency_ns"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	NumWorkers int `mapstructure:"num_workers" json:"numWorkers"`
	BufferSize int `mapstructure:"buffer_size" json:"bufferSize"`
}

// DefaultEventBusConfig returns sensible defaults
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 4,
		BufferSize: 1024,
	}
}

const latencySamples = 1000

// EventBus routes events to subscribers on a fixed set of workers
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	// Stats
	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	latencies  []int64
	latencyMu  sync.Mutex
	maxLatency atomic.Int64
	avgLatency atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewEventBus creates an event bus and starts its workers
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	defaults := DefaultEventBusConfig()
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workerCount: config.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("event-bus"),
		latencies:   make([]int64, 0, latencySamples),
	}

	for i := 0; i < config.NumWorkers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Info("event bus initialized",
		zap.Int("workers", config.NumWorkers),
		zap.Int("buffer_size", config.BufferSize),
	)
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			start := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, list := range [][]*Subscription{subs, allSubs} {
		for _, sub := range list {
			if !sub.active.Load() {
				continue
			}
			if sub.Options.Filter != nil && !sub.Options.Filter(event) {
				continue
			}
			if sub.Options.Async {
				go eb.executeHandler(sub, event)
			} else {
				eb.executeHandler(sub, event)
			}
		}
	}

	eb.eventsProcessed.Add(1)
}

// executeHandler runs a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

func (eb *EventBus) trackLatency(latencyNs int64) {
	eb.latencyMu.Lock()
	eb.latencies = append(eb.latencies, latencyNs)
	if len(eb.latencies) > latencySamples {
		eb.latencies = eb.latencies[latencySamples/2:]
	}
	eb.latencyMu.Unlock()

	if latencyNs > eb.maxLatency.Load() {
		eb.maxLatency.Store(latencyNs)
	}
	// exponential moving average
	avg := eb.avgLatency.Load()
	eb.avgLatency.Store((avg*99 + latencyNs) / 100)
}

func (eb *EventBus) subscribe(eventType EventType, handler EventHandler, opts []SubscriptionOptions) *Subscription {
	options := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{
		ID:        "sub_" + uuid.NewString(),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)
	eb.activeSubscribers.Add(1)
	return sub
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := eb.subscribe(eventType, handler, opts)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.mu.Unlock()

	eb.logger.Debug("subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)
	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := eb.subscribe("*", handler, opts)

	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()
	return sub
}

// Unsubscribe deactivates a subscription
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		eb.activeSubscribers.Add(-1)
	}
}

// Publish queues an event without blocking. If the buffer is full or the
// bus is stopped the event is dropped and counted.
func (eb *EventBus) Publish(event Event) {
	if eb.ctx.Err() != nil {
		eb.eventsDropped.Add(1)
		return
	}
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("event dropped, buffer full",
			zap.String("event_type", string(event.GetType())),
		)
	}
}

// PublishSync delivers an event on the caller's goroutine
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns current performance statistics
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		AvgLatencyNs:      eb.avgLatency.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		P99LatencyNs:      eb.p99LatencyNs(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

func (eb *EventBus) p99LatencyNs() int64 {
	eb.latencyMu.Lock()
	sorted := make([]int64, len(eb.latencies))
	copy(sorted, eb.latencies)
	eb.latencyMu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stop shuts down the workers. Events still queued are discarded.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		eb.logger.Info("shutting down event bus")
		eb.cancel()

		done := make(chan struct{})
		go func() {
			eb.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			eb.logger.Info("event bus shutdown complete",
				zap.Int64("events_processed", eb.eventsProcessed.Load()),
				zap.Int64("events_dropped", eb.eventsDropped.Load()),
			)
		case <-time.After(5 * time.Second):
			eb.logger.Warn("event bus shutdown timed out")
		}
	})
}
