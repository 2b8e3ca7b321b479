package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"litepost/internal/auth"
	"litepost/internal/observability"
	"litepost/internal/ratelimit"
	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

// Config holds transport timings and limits.
type Config struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SendQueue       int
	MaxMessageBytes int64
	EventsPerMinute int
	AllowedOrigins  []string
}

// DefaultConfig mirrors the ping/read/write timings used in production.
func DefaultConfig() Config {
	return Config{
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    DefaultWriteTimeout,
		SendQueue:       DefaultSendQueue,
		MaxMessageBytes: 4096,
		EventsPerMinute: ratelimit.DefaultLimit,
	}
}

// Handler upgrades HTTP requests and pumps client frames into a ClientHandler.
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from group logic;
// the handler only authenticates, decodes and forwards
type Handler struct {
	clients  interfaces.ClientHandler
	verifier interfaces.TokenVerifier
	limiter  *ratelimit.Limiter
	config   Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Connection
	wg    sync.WaitGroup
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(clients interfaces.ClientHandler, verifier interfaces.TokenVerifier, config Config, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	defaults := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	h := &Handler{
		clients:  clients,
		verifier: verifier,
		limiter:  ratelimit.New(config.EventsPerMinute, time.Minute),
		config:   config,
		logger:   logger.With("component", "websocket"),
		metrics:  metrics,
		conns:    make(map[string]*Connection),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin allows every origin unless an allow-list is configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP accepts a websocket. A bad or missing token never rejects the handshake;
// the connection simply stays anonymous.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := h.authenticate(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	wsConn := NewConnection(conn, principal, h.config.SendQueue, h.config.WriteTimeout)
	h.track(wsConn)
	h.clients.Connect(wsConn)

	h.logger.Info("client connected",
		"conn", wsConn.ID(),
		"remote", r.RemoteAddr,
		"authenticated", principal != nil,
	)

	h.wg.Add(1)
	go h.handleConnection(wsConn)
}

func (h *Handler) authenticate(r *http.Request) *types.Principal {
	token := auth.TokenFromRequest(r)
	if token == "" || h.verifier == nil {
		return nil
	}
	principal, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Debug("handshake token rejected, continuing anonymously", "remote", r.RemoteAddr, "error", err)
		return nil
	}
	return principal
}

// handleConnection owns the read side of one connection. Its deferred teardown is the
// single place Disconnect is called from.
func (h *Handler) handleConnection(conn *Connection) {
	defer h.wg.Done()
	defer func() {
		h.clients.Disconnect(conn)
		h.limiter.Forget(conn.ID())
		_ = conn.Close()
		h.untrack(conn)
		h.logger.Info("client disconnected", "conn", conn.ID())
	}()

	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "conn", conn.ID(), "error", err)
			}
			return
		}
		conn.Touch()
		if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
			return
		}

		if messageType == websocket.TextMessage {
			h.dispatch(conn, data)
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

// dispatch decodes one client frame and forwards it. Malformed, unknown and
// rate-limited frames are dropped without a reply.
func (h *Handler) dispatch(conn *Connection, data []byte) {
	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Debug("malformed frame", "conn", conn.ID(), "error", err)
		return
	}

	if !h.limiter.Allow(conn.ID()) {
		h.metrics.ClientEventDropped()
		h.logger.Warn("client event rate limited", "conn", conn.ID(), "event", frame.Event)
		return
	}

	switch frame.Event {
	case types.ClientJoin:
		eventID, err := decodeEventID(frame.Data)
		if err != nil {
			h.logger.Debug("join without event id", "conn", conn.ID())
			eventID = ""
		}
		if err := h.clients.Join(conn.Context(), conn, eventID); err != nil {
			h.logger.Info("join failed", "conn", conn.ID(), "event_id", eventID, "error", err)
		}

	case types.ClientLeave:
		eventID, _ := decodeEventID(frame.Data)
		h.clients.Leave(conn, eventID)

	case types.ClientTyping:
		if err := h.clients.Typing(conn); err != nil {
			h.logger.Debug("typing ignored", "conn", conn.ID(), "error", err)
		}

	case types.ClientStopTyping:
		if err := h.clients.StopTyping(conn); err != nil {
			h.logger.Debug("stop-typing ignored", "conn", conn.ID(), "error", err)
		}

	default:
		h.logger.Debug("unknown client event", "conn", conn.ID(), "event", frame.Event)
	}
}

// decodeEventID accepts either a bare JSON string or {"eventId": "..."}.
func decodeEventID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", ErrMissingEventID
	}

	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}

	var obj struct {
		EventID string `json:"eventId"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", ErrMissingEventID
	}
	if obj.EventID != "" {
		return obj.EventID, nil
	}
	if obj.ID != "" {
		return obj.ID, nil
	}
	return "", ErrMissingEventID
}

func (h *Handler) track(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
}

func (h *Handler) untrack(conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn.ID())
	h.mu.Unlock()
}

// ActiveConnections reports how many sockets are open.
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CleanupLimiter drops rate-limit state for idle connections.
func (h *Handler) CleanupLimiter() int {
	return h.limiter.Cleanup()
}

// Shutdown closes every socket and waits for their teardown or ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
