// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/atlas-desktop/signal-relay/internal/config"
	"github.com/atlas-desktop/signal-relay/internal/data"
	"github.com/atlas-desktop/signal-relay/internal/events"
	"github.com/atlas-desktop/signal-relay/internal/metrics"
	"github.com/atlas-desktop/signal-relay/internal/signals"
	"github.com/atlas-desktop/signal-relay/internal/workers"
	"github.com/atlas-desktop/signal-relay/pkg/types"
	"github.com/atlas-desktop/signal-relay/pkg/utils"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 500
	maxParseBody       = 64 * 1024
)

// Settings exposes the live configuration
type Settings interface {
	Current() *config.Config
}

// HealthChecker reports whether an optional backend is in use
type HealthChecker interface {
	Healthy() bool
}

// Deps are the collaborators the API reads from. Journal, Metrics, Pool
// and PriceCache may be nil.
type Deps struct {
	Settings   Settings
	Handler    *signals.SignalHandler
	Monitor    *signals.GroupMonitor
	Filter     *signals.SpamFilter
	Parser     *signals.Parser
	Hub        *Hub
	Journal    data.Journal
	Metrics    *metrics.Metrics
	Pool       *workers.Pool
	PriceCache HealthChecker
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	deps       Deps
	started    time.Time
}

// ParseRequest is the body of a parse dry run
type ParseRequest struct {
	Text string `json:"text"`
}

// ParseResponse reports what the relay would do with a message
type ParseResponse struct {
	Valid         bool                `json:"valid"`
	SanitizedText string              `json:"sanitized_text,omitempty"`
	FilterInfo    types.FilterInfo    `json:"filter_info"`
	Signal        *types.ParsedSignal `json:"signal,omitempty"`
	Missing       []string            `json:"missing,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config types.ServerConfig, deps Deps) *Server {
	server := &Server{
		logger:  logger.Named("api"),
		config:  config,
		router:  mux.NewRouter(),
		deps:    deps,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(server.router)

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return server
}

// Router returns the request router
func (s *Server) Router() *mux.Router {
	return s.router
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/config", s.handleConfig).Methods("GET")

	// Monitoring
	s.router.HandleFunc("/api/v1/dashboard", s.handleDashboard).Methods("GET")
	s.router.HandleFunc("/api/v1/groups", s.handleGroups).Methods("GET")
	s.router.HandleFunc("/api/v1/groups/{name}", s.handleGroup).Methods("GET")
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	// Signals
	s.router.HandleFunc("/api/v1/signals/{group}", s.handleSignals).Methods("GET")
	s.router.HandleFunc("/api/v1/parse", s.handleParse).Methods("POST")

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}
	if s.deps.Hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	}
}

// Forward relays bus events to WebSocket clients.
func (s *Server) Forward(bus *events.EventBus) []*events.Subscription {
	if s.deps.Hub == nil {
		return nil
	}
	hub := s.deps.Hub
	parsed := bus.Subscribe(events.EventTypeSignalParsed, func(e events.Event) error {
		if ev, ok := e.(*events.SignalParsedEvent); ok {
			hub.Publish(MsgTypeSignalParsed, ev.Envelope.GroupName, ev.Envelope)
		}
		return nil
	})
	alerts := bus.Subscribe(events.EventTypeGroupAlert, func(e events.Event) error {
		if ev, ok := e.(*events.GroupAlertEvent); ok {
			hub.Publish(MsgTypeGroupAlert, ev.Alert.Group, ev.Alert)
		}
		return nil
	})
	return []*events.Subscription{parsed, alerts}
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth handles health check requests. A stopped worker pool marks
// the relay degraded; an unused price cache only shows in its own field.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.deps.Hub != nil {
		clients = s.deps.Hub.ClientCount()
	}
	resp := map[string]interface{}{
		"status":    "healthy",
		"time":      time.Now().Unix(),
		"uptime":    utils.FormatDuration(time.Since(s.started)),
		"wsClients": clients,
	}
	if s.deps.Pool != nil {
		running := s.deps.Pool.IsRunning()
		resp["workers"] = map[string]interface{}{
			"running": running,
			"stats":   s.deps.Pool.Stats(),
		}
		if !running {
			resp["status"] = "degraded"
		}
	}
	if s.deps.PriceCache != nil {
		state := "up"
		if !s.deps.PriceCache.Healthy() {
			state = "bypassed"
		}
		resp["priceCache"] = state
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConfig returns the live parser settings
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Settings.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"parser":  cfg.Parser,
		"spam":    cfg.Spam,
		"monitor": cfg.Monitor,
		"groups":  cfg.Telegram.Groups,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Dashboard())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	statuses := s.deps.Monitor.Statuses()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": statuses,
		"count":  len(statuses),
	})
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	status, ok := s.deps.Monitor.GroupStatus(name)
	if !ok {
		writeError(w, http.StatusNotFound, "group not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Handler.AllStats())
}

// handleSignals returns the newest signals of a group. Memory is served
// first; the journal covers groups with nothing in memory, e.g. after a
// restart.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]

	limit := defaultSignalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSignalLimit)
	}

	source := "memory"
	list := s.deps.Handler.ByGroup(group)
	slices.Reverse(list)
	if len(list) > limit {
		list = list[:limit]
	}

	if len(list) == 0 && s.deps.Journal != nil {
		journaled, err := s.deps.Journal.Recent(r.Context(), group, limit)
		if err != nil {
			s.logger.Error("failed to read journal", zap.String("group", group), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to read journal")
			return
		}
		source = "journal"
		list = journaled
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group":   group,
		"source":  source,
		"signals": list,
		"count":   len(list),
	})
}

// handleParse runs the filter and parser on a body without recording
// anything.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req ParseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxParseBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := s.deps.Settings.Current()
	valid, sanitized, info := s.deps.Filter.Preprocess(req.Text, "api", 0, 0, cfg.Spam)
	resp := ParseResponse{
		Valid:         valid,
		SanitizedText: sanitized,
		FilterInfo:    info,
	}
	if !valid {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sig, err := s.deps.Parser.Parse(r.Context(), sanitized, cfg.Parser)
	if err != nil {
		var nm *signals.NoMatchError
		if errors.As(err, &nm) {
			resp.Missing = nm.Missing
		}
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	sig.OriginalText = req.Text
	resp.Signal = sig
	writeJSON(w, http.StatusOK, resp)
}

// handleWebSocket upgrades the connection and attaches it to the hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.deps.Hub, conn)
	if !s.deps.Hub.Register(client) {
		conn.Close()
		return
	}

	s.logger.Debug("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}
