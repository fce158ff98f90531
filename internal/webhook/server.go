// Package webhook is the inbound HTTP surface: platform subscription
// verification, signature checking, body-size enforcement, and translation
// between the wire payload and the dispatch lifecycle manager.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ax-platform/ax-openclaw-plugin/internal/agents"
	"github.com/ax-platform/ax-openclaw-plugin/internal/config"
	"github.com/ax-platform/ax-openclaw-plugin/internal/dispatch"
	"github.com/ax-platform/ax-openclaw-plugin/internal/log"
)

// Dispatcher is the lifecycle entry point the server hands decoded payloads to.
type Dispatcher interface {
	Handle(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error)
}

// Server is the webhook HTTP server.
type Server struct {
	cfg        *config.Config
	agents     *agents.Registry
	dispatcher Dispatcher
	logger     *slog.Logger
	server     *http.Server
	maxBody    int64
}

// New creates a webhook server. The max body size comes from configuration
// and falls back to the package default on parse problems, which validate()
// has already ruled out for loaded configs.
func New(cfg *config.Config, reg *agents.Registry, d Dispatcher) *Server {
	maxBody, err := config.ParseMaxBodySize(cfg.Service.MaxBodySize)
	if err != nil {
		maxBody = config.DefaultMaxBodySize
	}
	return &Server{
		cfg:        cfg,
		agents:     reg,
		dispatcher: d,
		logger:     log.WithComponent("webhook"),
		maxBody:    maxBody,
	}
}

// Start runs the HTTP server until ctx is cancelled. Blocking.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Service.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.cfg.Service.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Routes builds the HTTP router. Exposed so tests can drive the handler
// without binding a socket.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/webhook", s.handleChallenge)
	r.Post("/webhook", s.handleDispatch)
	r.Get("/healthz", s.handleHealth)

	return r
}

// loggingMiddleware logs HTTP requests without payload content.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleChallenge answers the platform's subscription verification probe by
// echoing the challenge back as plain text.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("challenge")
	if challenge == "" {
		s.respondError(w, http.StatusBadRequest, "missing challenge")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.cfg.Service.Name,
	})
}

// handleDispatch is the main inbound path: enforce the body cap, verify the
// signature against the named agent's secret, and hand the decoded payload to
// the lifecycle manager.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.maxBody {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	var payload DispatchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	// Signature verification uses the named agent's secret. Agents registered
	// without a secret skip verification; an unknown agent falls through and
	// is rejected by the lifecycle manager's own validation.
	if creds, ok := s.resolveAgent(payload); ok {
		if creds.Secret == "" {
			s.logger.Warn("agent has no secret, skipping signature verification",
				"agent_id", creds.AgentID)
		} else {
			signature := r.Header.Get(s.cfg.Service.SignatureHeader)
			if err := verifyHMACSignature(body, signature, creds.Secret); err != nil {
				s.logger.Warn("webhook signature verification failed",
					"agent_id", creds.AgentID, "error", err)
				s.respondError(w, http.StatusForbidden, "forbidden")
				return
			}
		}
	}

	out, err := s.dispatcher.Handle(r.Context(), toDispatchRequest(payload))
	if err != nil {
		if errors.Is(err, dispatch.ErrEmptyMessage) || errors.Is(err, dispatch.ErrUnknownAgent) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	switch out.Status {
	case dispatch.StatusAccepted:
		s.respondJSON(w, http.StatusOK, AcceptedResponse{
			Status:     out.Status,
			DispatchID: out.DispatchID,
			Mode:       out.Mode,
		})
	case dispatch.StatusError:
		s.respondJSON(w, http.StatusInternalServerError, ResultResponse{
			Status:     out.Status,
			DispatchID: out.DispatchID,
			Error:      out.Error,
		})
	default:
		s.respondJSON(w, http.StatusOK, ResultResponse{
			Status:     out.Status,
			DispatchID: out.DispatchID,
			Response:   out.Response,
		})
	}
}

func (s *Server) resolveAgent(p DispatchPayload) (agents.Credentials, bool) {
	if creds, ok := s.agents.Resolve(p.AgentID); ok {
		return creds, true
	}
	if p.AgentHandle != "" {
		return s.agents.ResolveHandle(p.AgentHandle)
	}
	return agents.Credentials{}, false
}

func toDispatchRequest(p DispatchPayload) dispatch.Request {
	req := dispatch.Request{
		DispatchID:     p.DispatchID,
		AgentID:        p.AgentID,
		AgentHandle:    p.AgentHandle,
		SpaceID:        p.SpaceID,
		SpaceName:      p.SpaceName,
		SenderHandle:   p.SenderHandle,
		SenderType:     p.SenderType,
		Message:        p.UserMessage,
		AuthToken:      p.AuthToken,
		ToolEndpoint:   p.ToolEndpoint,
		CallbackURL:    p.CallbackURL,
		CallbackAPIKey: p.CallbackAPIKey,
		HeartbeatURL:   p.HeartbeatURL,
		FeatureFlags:   p.FeatureFlags,
	}
	if p.ContextData != nil {
		req.OrgID = p.ContextData.OrgID
		req.RecentMessages = p.ContextData.RecentMessages
		req.Collaborators = p.ContextData.Collaborators
	}
	return req
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
