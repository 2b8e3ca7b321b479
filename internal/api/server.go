// Package api is the write surface collaborators use to create accounts, events
// and messages. Every committed write is announced on the change feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"litepost/internal/auth"
	"litepost/internal/observability"
	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

const maxBodyBytes = 64 << 10

// ChangeEmitter is the typed publishing side of the change feed.
type ChangeEmitter interface {
	NewMessage(ctx context.Context, msg *types.Message) error
	UpdateMessage(ctx context.Context, msg *types.Message) error
	DeleteMessage(ctx context.Context, msg *types.Message) error
	NewUser(ctx context.Context, user *types.User, verificationToken string) error
}

// StatsSource reports live audience sizes.
type StatsSource interface {
	Stats() map[string]int
	GroupSizes() map[types.GroupID]int
	MemberCount(group types.GroupID) int
}

// Options holds optional collaborators.
type Options struct {
	Logger         *slog.Logger
	MetricsHandler http.Handler
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - persistence first, then the change feed, never the websocket layer directly
type Server struct {
	db       interfaces.DatabaseManager
	emitter  ChangeEmitter
	stats    StatsSource
	verifier interfaces.TokenVerifier
	logger   *slog.Logger
	router   *http.ServeMux
	started  time.Time
}

// NewServer wires the routes. verifier may be nil, in which case every
// authenticated route answers 401.
func NewServer(db interfaces.DatabaseManager, emitter ChangeEmitter, stats StatsSource, verifier interfaces.TokenVerifier, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &Server{
		db:       db,
		emitter:  emitter,
		stats:    stats,
		verifier: verifier,
		logger:   logger.With("component", "api"),
		router:   http.NewServeMux(),
		started:  time.Now(),
	}
	s.setupRoutes(opts.MetricsHandler)
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.handle("POST /api/users", s.createUser)
	s.handle("GET /api/users/verify", s.verifyUser)
	s.handle("POST /api/events", s.createEvent)
	s.handle("GET /api/events/{id}", s.getEvent)
	s.handle("GET /api/events/{id}/messages", s.listMessages)
	s.handle("POST /api/events/{id}/messages", s.createMessage)
	s.handle("PUT /api/events/{id}/messages/{messageID}", s.updateMessage)
	s.handle("DELETE /api/events/{id}/messages/{messageID}", s.deleteMessage)
	s.handle("GET /api/stats", s.getStats)
	s.handle("GET /health", s.healthCheck)
	s.router.Handle("OPTIONS /", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	if metrics != nil {
		s.router.Handle("GET /metrics", metrics)
	}
}

func (s *Server) handle(pattern string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.verifier != nil {
		h = auth.Middleware(s.verifier, h)
	}
	s.router.Handle(pattern, corsMiddleware(jsonMiddleware(h)))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// POST /api/users
func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !s.decode(w, r, &req) {
		return
	}

	user := &types.User{
		ID:        uuid.NewString(),
		Username:  strings.ToLower(req.Username),
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.ToLower(strings.TrimSpace(req.Email)),
		CreatedAt: time.Now().UTC(),
	}
	token := uuid.NewString()

	if err := s.db.CreateUser(r.Context(), user, token); err != nil {
		s.sendStoreError(w, "create user", err)
		return
	}

	// FUNCTIONAL DISCOVERY: The account is committed; a feed failure only loses the welcome email
	if err := s.emitter.NewUser(r.Context(), user, token); err != nil {
		s.logger.Error("publish new user", "user", user.ID, "error", err)
	}

	s.sendJSON(w, http.StatusCreated, user)
}

// GET /api/users/verify?t=<token>
func (s *Server) verifyUser(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("t")
	if token == "" {
		s.sendError(w, "verification token is required", http.StatusBadRequest)
		return
	}

	user, err := s.db.VerifyUser(r.Context(), token)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			s.sendError(w, "verification link is invalid or already used", http.StatusNotFound)
			return
		}
		s.sendStoreError(w, "verify user", err)
		return
	}
	s.sendJSON(w, http.StatusOK, user)
}

// POST /api/events
func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	var req CreateEventRequest
	if !s.decodeWith(w, r, &req, func() { req.ID = types.NormalizeEventID(req.ID) }) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	event := &types.Event{
		ID:        req.ID,
		Title:     strings.TrimSpace(req.Title),
		OwnerID:   principal.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.CreateEvent(r.Context(), event); err != nil {
		s.sendStoreError(w, "create event", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, event)
}

// GET /api/events/{id}
func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, EventResponse{
		Event:   event,
		Viewers: s.stats.MemberCount(types.GroupIDFor(event.ID)),
	})
}

// GET /api/events/{id}/messages
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	event, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	messages, err := s.db.ListMessages(r.Context(), event.ID)
	if err != nil {
		s.sendStoreError(w, "list messages", err)
		return
	}
	s.sendJSON(w, http.StatusOK, messages)
}

// POST /api/events/{id}/messages
func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	event, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	// FUNCTIONAL DISCOVERY: Only the event owner posts to its live blog
	if event.OwnerID != principal.ID {
		s.sendError(w, "only the event owner can post", http.StatusForbidden)
		return
	}

	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	profile := principal.PublicProfile()
	msg := &types.Message{
		ID:        uuid.NewString(),
		EventID:   event.ID,
		Author:    &profile,
		AuthorID:  principal.ID,
		Content:   req.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := msg.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.db.CreateMessage(r.Context(), msg); err != nil {
		s.sendStoreError(w, "create message", err)
		return
	}
	s.publish("new message", msg, s.emitter.NewMessage)
	s.sendJSON(w, http.StatusCreated, msg)
}

// PUT /api/events/{id}/messages/{messageID}
func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.loadOwnMessage(w, r)
	if !ok {
		return
	}

	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	msg.Content = req.Content
	msg.UpdatedAt = time.Now().UTC()
	if err := msg.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.db.UpdateMessage(r.Context(), msg); err != nil {
		s.sendStoreError(w, "update message", err)
		return
	}
	s.publish("updated message", msg, s.emitter.UpdateMessage)
	s.sendJSON(w, http.StatusOK, msg)
}

// DELETE /api/events/{id}/messages/{messageID}
func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.loadOwnMessage(w, r)
	if !ok {
		return
	}

	if err := s.db.DeleteMessage(r.Context(), msg.EventID, msg.ID); err != nil {
		s.sendStoreError(w, "delete message", err)
		return
	}
	s.publish("deleted message", msg, s.emitter.DeleteMessage)
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/stats
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	groups := lo.MapToSlice(s.stats.GroupSizes(), func(group types.GroupID, viewers int) GroupStat {
		return GroupStat{EventID: group.EventID(), Viewers: viewers}
	})
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Viewers != groups[j].Viewers {
			return groups[i].Viewers > groups[j].Viewers
		}
		return groups[i].EventID < groups[j].EventID
	})

	s.sendJSON(w, http.StatusOK, StatsResponse{
		Connections: s.stats.Stats(),
		Groups:      groups,
	})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:      "healthy",
		Database:    "healthy",
		Connections: s.stats.Stats(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	code := http.StatusOK

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	if err := s.db.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = "error: " + err.Error()
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

// publish announces a committed write. The write already succeeded, so a feed
// failure is logged and the request still succeeds.
func (s *Server) publish(what string, msg *types.Message, emit func(context.Context, *types.Message) error) {
	// The request context ends with the response; the announcement must not.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emit(ctx, msg); err != nil {
		s.logger.Error("publish change", "change", what, "event_id", msg.EventID, "message", msg.ID, "error", err)
	}
}

func (s *Server) requirePrincipal(w http.ResponseWriter, r *http.Request) (*types.Principal, bool) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		s.sendError(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}
	return principal, true
}

func (s *Server) loadEvent(w http.ResponseWriter, r *http.Request) (*types.Event, bool) {
	eventID := types.NormalizeEventID(r.PathValue("id"))
	if !types.IsValidEventID(eventID) {
		s.sendError(w, types.ErrInvalidEventID.Error(), http.StatusBadRequest)
		return nil, false
	}
	event, err := s.db.GetEvent(r.Context(), eventID)
	if err != nil {
		s.sendStoreError(w, "get event", err)
		return nil, false
	}
	return event, true
}

// loadOwnMessage resolves the path's message and checks the caller wrote it.
func (s *Server) loadOwnMessage(w http.ResponseWriter, r *http.Request) (*types.Message, bool) {
	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return nil, false
	}
	eventID := types.NormalizeEventID(r.PathValue("id"))
	if !types.IsValidEventID(eventID) {
		s.sendError(w, types.ErrInvalidEventID.Error(), http.StatusBadRequest)
		return nil, false
	}

	msg, err := s.db.GetMessage(r.Context(), eventID, r.PathValue("messageID"))
	if err != nil {
		s.sendStoreError(w, "get message", err)
		return nil, false
	}
	if msg.AuthorID != principal.ID {
		s.sendError(w, "only the author can change a message", http.StatusForbidden)
		return nil, false
	}
	return msg, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return s.decodeWith(w, r, v, nil)
}

// decodeWith decodes the body, runs normalize, then validates struct tags.
func (s *Server) decodeWith(w http.ResponseWriter, r *http.Request, v any, normalize func()) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	if normalize != nil {
		normalize()
	}
	if err := validate.Struct(v); err != nil {
		s.sendError(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

// sendStoreError maps persistence errors onto status codes.
func (s *Server) sendStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, interfaces.ErrEventNotFound):
		s.sendError(w, "event not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrMessageNotFound):
		s.sendError(w, "message not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrUserNotFound):
		s.sendError(w, "user not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrConflict):
		s.sendError(w, "already exists", http.StatusConflict)
	default:
		s.logger.Error("store operation failed", "op", op, "error", err)
		s.sendError(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
