package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/christopherjohns/relaydrop/internal/config"
	"github.com/christopherjohns/relaydrop/internal/message"
	"github.com/christopherjohns/relaydrop/internal/ratelimit"
	"github.com/christopherjohns/relaydrop/internal/session"
	"github.com/christopherjohns/relaydrop/internal/ws"
	"github.com/redis/go-redis/v9"
	"github.com/skip2/go-qrcode"
)

const (
	// maxBodyBytes caps JSON request bodies on the REST endpoints.
	maxBodyBytes = 4 << 10

	qrSize = 256

	shutdownTimeout = 10 * time.Second
)

// Server is the HTTP front of the relay: a small REST API for sessions
// and the WebSocket endpoint.
type Server struct {
	cfg      *config.Config
	mux      *http.ServeMux
	registry *session.Registry
	hub      *ws.Hub
	conns    *ws.ConnManager
	history  message.MessageStore

	createLimit *ratelimit.Limiter
	joinLimit   *ratelimit.Limiter
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithRedis keeps chat history in Redis instead of process memory.
// History keys expire after the session idle TTL.
func WithRedis(client redis.Cmdable) Option {
	return func(s *Server) {
		s.history = message.NewRedisStore(client, s.cfg.HistoryLimit, s.cfg.SessionIdleTTL)
	}
}

// New wires a Server from cfg.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = message.NewStore(cfg.HistoryLimit)
	}

	s.registry = session.NewRegistry(
		session.WithLimits(cfg.Limits()),
		session.WithCodeDigits(cfg.SessionCodeDigits),
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithIdleTTL(cfg.SessionIdleTTL),
		session.WithPasswordCost(cfg.PasswordCost),
	)
	s.registry.OnExpire(s.history.DeleteSession)

	s.conns = ws.NewConnManager(
		ws.WithMaxConns(cfg.MaxConns),
		ws.WithIdleTimeout(cfg.IdleTimeout),
		ws.WithSendBuffer(cfg.SendBuffer),
	)
	s.hub = ws.NewHub(s.registry, s.conns)

	s.createLimit = ratelimit.New(cfg.CreateRateLimit, cfg.RateWindow)
	s.joinLimit = ratelimit.New(cfg.JoinRateLimit, cfg.RateWindow)

	s.routes()
	return s
}

// Handler returns the server's root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves HTTP on the configured port until ctx is cancelled, then
// closes every WebSocket and drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	log.Printf("server: shutting down")
	// Hijacked WebSocket connections are not tracked by http.Server.
	s.conns.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	s.registry.Close()
	return err
}

// Close releases background workers without serving.
func (s *Server) Close() {
	s.conns.Shutdown()
	s.registry.Close()
}

func (s *Server) routes() {
	relay := ws.NewRelay(s.hub, s.registry, s.history, s.cfg.HistoryLimit)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions/{code}", s.handleSessionStatus)
	s.mux.HandleFunc("POST /api/sessions/{code}/join", s.handleJoinSession)
	s.mux.HandleFunc("GET /api/sessions/{code}/qr", s.handleSessionQR)
	s.mux.Handle("GET /ws", ws.NewHandler(s.hub, relay, s.cfg.ReadLimit, originPatterns(s.cfg.PublicURL)...))
}

// originPatterns allows browsers served from PUBLIC_URL to open WebSockets
// when the relay itself sits on another host.
func originPatterns(publicURL string) []string {
	u, err := url.Parse(publicURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}

type passwordRequest struct {
	Password string `json:"password"`
}

type createSessionResponse struct {
	Code              string    `json:"code"`
	CreatedAt         time.Time `json:"createdAt"`
	PasswordProtected bool      `json:"passwordProtected"`
}

type joinSessionResponse struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionStatusResponse struct {
	Code  string `json:"code"`
	Valid bool   `json:"valid"`
}

type statsResponse struct {
	Sessions    int          `json:"sessions"`
	Connections ws.ConnStats `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Sessions:    s.registry.Len(),
		Connections: s.conns.Stats(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.createLimit.Allow(ratelimit.ClientIP(r, s.cfg.TrustProxy)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req passwordRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.registry.Create(req.Password)
	switch {
	case errors.Is(err, session.ErrRegistryFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		log.Printf("server: create session: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	log.Printf("server: created session %s", sess.Code)
	writeJSON(w, http.StatusCreated, createSessionResponse{
		Code:              sess.Code,
		CreatedAt:         sess.CreatedAt,
		PasswordProtected: sess.HasPassword(),
	})
}

func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	if !s.joinLimit.Allow(ratelimit.ClientIP(r, s.cfg.TrustProxy)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req passwordRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.registry.ValidateJoin(r.PathValue("code"), req.Password)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, session.ErrWrongPassword):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to join session")
		return
	}

	writeJSON(w, http.StatusOK, joinSessionResponse{
		Code:      sess.Code,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	writeJSON(w, http.StatusOK, sessionStatusResponse{
		Code:  code,
		Valid: s.registry.IsValid(code),
	})
}

// handleSessionQR renders the session's invite link as a PNG so a second
// device can join by scanning it.
func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !s.registry.IsValid(code) {
		writeError(w, http.StatusNotFound, session.ErrSessionNotFound.Error())
		return
	}

	png, err := qrcode.Encode(s.inviteURL(code), qrcode.Medium, qrSize)
	if err != nil {
		log.Printf("server: qr for session %s: %v", code, err)
		writeError(w, http.StatusInternalServerError, "failed to render qr code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// inviteURL is the link a QR code points to.
func (s *Server) inviteURL(code string) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/?code=" + url.QueryEscape(code)
}

// decodeBody reads an optional JSON body into v. An empty body is valid.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
