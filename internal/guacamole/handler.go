package guacamole

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/outpost-guac/guacbridge/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	Subprotocols: []string{"guacamole"},
}

// TokenResolver turns the opaque connect token a client presents into
// the ConnectionConfig the bridge dials with. The concrete
// implementation lives in internal/token; the bridge itself never
// sees token material.
type TokenResolver interface {
	Resolve(token string) (ConnectionConfig, error)
}

// SessionObserver is notified of bridge lifecycle events for a single
// WebSocket connection. internal/audit implements this to record
// session metadata without ever seeing instruction content.
type SessionObserver interface {
	SessionStarted(sessionID string, protocol Protocol)
	SessionEnded(sessionID string, err error)
}

// Handler upgrades incoming requests to WebSocket connections and
// drives one SessionBridge per connection.
type Handler struct {
	logger   *slog.Logger
	resolver TokenResolver
	observer SessionObserver

	guacdHost string
	guacdPort int

	inactivityTimeout time.Duration
	connectTimeout    time.Duration
	handshakeTimeout  time.Duration
}

// SetInactivityTimeout overrides the idle-session timeout applied to
// every bridge this handler starts; zero disables the check.
func (h *Handler) SetInactivityTimeout(d time.Duration) {
	h.inactivityTimeout = d
}

// SetConnectTimeouts overrides the guacd dial/handshake timeouts
// applied to every bridge this handler starts.
func (h *Handler) SetConnectTimeouts(connect, handshake time.Duration) {
	h.connectTimeout = connect
	h.handshakeTimeout = handshake
}

// NewHandler builds a Handler that proxies every upgraded connection
// to the given guacd address.
func NewHandler(logger *slog.Logger, resolver TokenResolver, observer SessionObserver, guacdHost string, guacdPort int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:            logger,
		resolver:          resolver,
		observer:          observer,
		guacdHost:         guacdHost,
		guacdPort:         guacdPort,
		inactivityTimeout: DefaultInactivityTimeout,
	}
}

// ServeHTTP upgrades one WebSocket connection and runs a session
// bridge for it. The connect token arrives as a query parameter so
// browser WebSocket clients, which cannot set headers, can present it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing connect token", http.StatusBadRequest)
		return
	}

	config, err := h.resolver.Resolve(token)
	if err != nil {
		h.logger.Warn("rejected connect token", "error", err)
		http.Error(w, "invalid connect token", http.StatusUnauthorized)
		return
	}

	if width := r.URL.Query().Get("width"); width != "" {
		if n, err := strconv.Atoi(width); err == nil {
			config.Display.Width = n
		}
	}
	if height := r.URL.Query().Get("height"); height != "" {
		if n, err := strconv.Atoi(height); err == nil {
			config.Display.Height = n
		}
	}
	if config.Display.DPI == 0 {
		config.Display.DPI = 96
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sessionID := uuid.NewString()
	logger := h.logger.With("session_id", sessionID)
	if reqID := middleware.FromContext(r.Context()); reqID != "" {
		logger = logger.With("request_id", reqID)
	}

	link := NewWebSocketClientLink(conn)
	bridge := NewSessionBridge(logger, FilterChain{ErrorFilter})
	bridge.SetInactivityTimeout(h.inactivityTimeout)
	bridge.SetConnectTimeouts(h.connectTimeout, h.handshakeTimeout)

	if h.observer != nil {
		h.observer.SessionStarted(sessionID, config.Protocol)
	}

	err = bridge.Start(r.Context(), config, h.guacdHost, h.guacdPort, link)

	if h.observer != nil {
		h.observer.SessionEnded(sessionID, err)
	}
	if err != nil {
		h.logger.Info("session ended", "session_id", sessionID, "error", err)
	}
}
