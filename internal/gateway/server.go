// Package gateway exposes the orchestrator over HTTP for channel bridges
// that deliver inbound messages and manage conversations.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"agentgate/internal/agent"
	"agentgate/internal/domain"
	"agentgate/internal/metrics"
)

// Config configures the gateway HTTP server.
type Config struct {
	Host            string
	Port            int
	Secret          string // HMAC secret for verifying inbound signatures
	MetricsEnabled  bool
	MetricsEndpoint string
	Logger          *slog.Logger
}

// Server accepts inbound turns over HTTP and routes them to the orchestrator.
type Server struct {
	host            string
	port            int
	secret          string
	metricsEnabled  bool
	metricsEndpoint string
	orch            *agent.Orchestrator
	logger          *slog.Logger
	server          *http.Server
}

func NewServer(cfg Config, orch *agent.Orchestrator) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8480
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MetricsEndpoint == "" {
		cfg.MetricsEndpoint = "/metrics"
	}
	return &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		secret:          cfg.Secret,
		metricsEnabled:  cfg.MetricsEnabled,
		metricsEndpoint: cfg.MetricsEndpoint,
		orch:            orch,
		logger:          cfg.Logger,
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/turn", s.handleTurn)
	mux.HandleFunc("/v1/comment", s.handleComment)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/chats/clear", s.handleClear)
	mux.HandleFunc("/v1/chats/live", s.handleLive)
	mux.HandleFunc("/v1/sources/verify", s.handleVerify)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metricsEnabled {
		mux.HandleFunc(s.metricsEndpoint, metrics.Collector.Handler())
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("gateway starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var input agent.TurnInput
	if err := json.Unmarshal(body, &input); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if input.ChatID == "" || input.Text == "" {
		http.Error(w, "chat_id and text are required", http.StatusBadRequest)
		return
	}

	s.logger.Info("turn received", "chat_id", input.ChatID, "agent", input.Agent, "text_len", len(input.Text))

	outcome, err := s.orch.RunTurn(r.Context(), input)
	if err != nil {
		// A failed pipeline never leaks its cause to the channel; the
		// caller sees an uncommitted empty outcome and the log carries
		// the correlation tag.
		s.logger.Error("turn pipeline failed", "chat_id", input.ChatID, "err", err)
		writeJSON(w, http.StatusOK, &agent.TurnOutcome{})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req struct {
		Agent string `json:"agent,omitempty"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	response, err := s.orch.Comment(r.Context(), req.Agent, req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": response})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	models, err := s.orch.Models(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.ChatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	count, err := s.orch.ClearChat(r.Context(), req.ChatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": count})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		ChatID string `json:"chat_id"`
		Live   bool   `json:"live"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.ChatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	if err := s.orch.SetLive(r.Context(), req.ChatID, req.Live); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": req.ChatID, "live": req.Live})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("source")
	if name == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	reachable, err := s.orch.VerifyDataSource(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": name, "reachable": reachable})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readBody enforces POST, the body size cap, and the optional HMAC signature.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()

	if s.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(w, "Missing signature", http.StatusUnauthorized)
			return nil, false
		}
		if !verifyHMAC(body, s.secret, sig) {
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return nil, false
		}
	}
	return body, true
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		cfgErr   *domain.ConfigError
		parseErr *domain.ParseError
		backErr  *domain.BackendError
	)
	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case errors.As(err, &parseErr):
		status = http.StatusBadGateway
	case errors.As(err, &backErr):
		status = http.StatusBadGateway
	}
	s.logger.Error("request failed", "status", status, "err", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
