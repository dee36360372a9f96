package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"rai/internal/agent"
	"rai/internal/chat"
	"rai/internal/config"
	"rai/internal/errorx"
	"rai/internal/logger"
	"rai/internal/session"
)

// SessionFactory starts new sessions
type SessionFactory interface {
	New(id string) (*session.Session, error)
}

// SessionGauge tracks the number of open sessions
type SessionGauge interface {
	SessionOpened()
	SessionClosed()
}

// Option configures an APIServer
type Option func(*APIServer)

// WithMetrics exposes h on /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *APIServer) { s.metrics = h }
}

// WithSessionGauge reports session opens and closes to g
func WithSessionGauge(g SessionGauge) Option {
	return func(s *APIServer) { s.gauge = g }
}

// WithRateLimiter limits messages per session, replacing the limiter
// built from the rate_limit setting.
func WithRateLimiter(l *RateLimiter) Option {
	return func(s *APIServer) { s.limiter = l }
}

// entry serializes the add-then-answer exchange of one session.
type entry struct {
	mu      sync.Mutex
	session *session.Session
}

// APIServer handles HTTP API requests
type APIServer struct {
	config  config.APIConfig
	factory SessionFactory
	metrics http.Handler
	gauge   SessionGauge
	limiter *RateLimiter
	server  *http.Server
	uptime  time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg config.APIConfig, factory SessionFactory, opts ...Option) *APIServer {
	s := &APIServer{
		config:   cfg,
		factory:  factory,
		uptime:   time.Now(),
		sessions: make(map[string]*entry),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	handler := recoveryMiddleware(mux)
	handler = authMiddleware(s.config.APIKey)(handler)
	handler = loggingMiddleware(handler)
	return corsMiddleware(handler)
}

// Start serves until ctx is cancelled
func (s *APIServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("API server starting on port %d", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// Stop gracefully shuts down the HTTP server and ends open sessions
func (s *APIServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	logger.Infof("Stopping API server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)

	s.mu.Lock()
	for id, e := range s.sessions {
		e.session.End()
		delete(s.sessions, id)
		s.closed()
	}
	s.mu.Unlock()
	return err
}

// MessageView is the wire form of a chat message
type MessageView struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Author  string    `json:"author"`
	Content string    `json:"content"`
	ReplyTo string    `json:"reply_to,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// SessionView describes a session
type SessionView struct {
	ID        string        `json:"id"`
	Username  string        `json:"username"`
	BotName   string        `json:"bot_name"`
	Over      bool          `json:"over"`
	CreatedAt time.Time     `json:"created_at"`
	Usage     agent.Usage   `json:"usage"`
	Messages  []MessageView `json:"messages,omitempty"`
}

// CreateSessionRequest opens a session. Greet asks the bot to speak first.
type CreateSessionRequest struct {
	ID    string `json:"id"`
	Greet bool   `json:"greet"`
}

// SendMessageRequest carries one user line
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse carries the bot's answer
type SendMessageResponse struct {
	Reply *MessageView `json:"reply,omitempty"`
	Over  bool         `json:"over"`
	Usage agent.Usage  `json:"usage"`
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	open := len(s.sessions)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.uptime).Round(time.Second).String(),
		"sessions": open,
	})
}

func (s *APIServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	views := make([]SessionView, 0, len(entries))
	for _, e := range entries {
		views = append(views, describe(e.session, false))
	}

	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

func (s *APIServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.factory == nil {
		writeJSONError(w, "Sessions not available", http.StatusServiceUnavailable)
		return
	}

	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	if req.ID != "" {
		if _, ok := s.lookup(req.ID); ok {
			writeJSONError(w, "Session already exists", http.StatusConflict)
			return
		}
	}

	sess, err := s.factory.New(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	e := &entry{session: sess}
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID()]; ok {
		s.mu.Unlock()
		writeJSONError(w, "Session already exists", http.StatusConflict)
		return
	}
	s.sessions[sess.ID()] = e
	s.mu.Unlock()
	if s.gauge != nil {
		s.gauge.SessionOpened()
	}

	if req.Greet {
		e.mu.Lock()
		_, err := sess.Answer(r.Context())
		e.mu.Unlock()
		if err != nil {
			s.remove(sess.ID(), e)
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, describe(sess, true))
}

func (s *APIServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeJSONError(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, describe(e.session, true))
}

func (s *APIServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := s.lookup(id)
	if !ok {
		writeJSONError(w, "Session not found", http.StatusNotFound)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(id) {
		wait := s.limiter.RemainingCooldown(id)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeJSONError(w, "Too many messages, slow down", http.StatusTooManyRequests)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	msg, err := e.session.AddUserMessage(req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	if msg == nil {
		writeJSON(w, http.StatusOK, SendMessageResponse{Over: true, Usage: e.session.Usage()})
		return
	}

	reply, err := e.session.Answer(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	view := messageView(reply)
	writeJSON(w, http.StatusOK, SendMessageResponse{Reply: &view, Usage: e.session.Usage()})
}

func (s *APIServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		writeJSONError(w, "Session not found", http.StatusNotFound)
		return
	}
	e.session.End()
	s.closed()
	if s.limiter != nil {
		s.limiter.Reset(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

// remove unregisters e and ends its session.
func (s *APIServer) remove(id string, e *entry) {
	s.mu.Lock()
	if s.sessions[id] == e {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	e.session.End()
	s.closed()
}

func (s *APIServer) closed() {
	if s.gauge != nil {
		s.gauge.SessionClosed()
	}
}

func describe(sess *session.Session, withMessages bool) SessionView {
	v := SessionView{
		ID:        sess.ID(),
		Username:  sess.Username(),
		BotName:   sess.BotName(),
		Over:      sess.IsOver(),
		CreatedAt: sess.CreatedAt(),
		Usage:     sess.Usage(),
	}
	if withMessages {
		for _, m := range sess.ChatLog().Messages() {
			v.Messages = append(v.Messages, messageView(m))
		}
	}
	return v
}

func messageView(m *chat.Message) MessageView {
	v := MessageView{
		ID:      m.ID(),
		Role:    m.Role(),
		Author:  m.Author(),
		Content: m.Content(),
		SentAt:  m.SentAt(),
	}
	if parent := m.ReplyTo(); parent != nil {
		v.ReplyTo = parent.ID()
	}
	return v
}

// writeError maps err to a status code and a message fit for the caller
func writeError(w http.ResponseWriter, err error) {
	status := errorx.HTTPStatus(err)
	if errors.Is(err, session.ErrSessionOver) {
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		errorx.Handle(err, errorx.ErrLevel, "API request failed")
	}
	writeJSONError(w, errorx.Describe(err), status)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
