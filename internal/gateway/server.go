// Package gateway is the HTTP intake boundary for Calendly webhooks. It
// authenticates each request, reserves an intake dedupe key, and enqueues a
// delivery for the processing worker. All security and malformed-input
// failures are resolved here; nothing unauthenticated reaches the queue.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkallio/calgate/internal/config"
	"github.com/mkallio/calgate/internal/dedupe"
	"github.com/mkallio/calgate/internal/event"
	"github.com/mkallio/calgate/internal/queue"
	"github.com/mkallio/calgate/internal/signature"
)

// Server receives webhook deliveries.
type Server struct {
	provider config.Provider
	store    dedupe.Store
	queue    Queuer
	logger   *slog.Logger
	server   *http.Server
	now      func() time.Time
}

// New creates a webhook gateway. Settings are read through provider on every
// request so token/key rotation applies immediately.
func New(provider config.Provider, store dedupe.Store, q Queuer, logger *slog.Logger) *Server {
	return &Server{
		provider: provider,
		store:    store,
		queue:    q,
		logger:   logger,
		now:      time.Now,
	}
}

// Start starts the gateway HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	cfg, err := s.provider.Settings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	router := s.setupRoutes(cfg.Webhook.Path)

	s.server = &http.Server{
		Addr:         cfg.Service.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("gateway starting", "listen", cfg.Service.Listen, "path", cfg.Webhook.Path)

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
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("gateway server error: %w", err)
	}
}

func (s *Server) setupRoutes(path string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(path, s.handleReceive)

	return r
}

// loggingMiddleware logs HTTP requests (excludes payload content).
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

// handleReceive implements the intake contract: authenticate, fingerprint,
// reserve, enqueue.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, err := s.provider.Settings()
	if err != nil {
		s.logger.Error("failed to load settings", "error", err)
		s.respondError(w, http.StatusInternalServerError, "configuration unavailable")
		return
	}

	limitedReader := io.LimitReader(r.Body, cfg.Webhook.MaxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > cfg.Webhook.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		s.logger.Warn("invalid JSON payload received")
		s.respondError(w, http.StatusBadRequest, "bad request")
		return
	}

	sharedToken := cfg.Webhook.SharedToken
	signingKey := cfg.SigningKey()
	if sharedToken == "" && signingKey == "" {
		// Refuse to run unauthenticated rather than accept anything.
		s.logger.Error("no shared token or signing key configured")
		s.respondError(w, http.StatusServiceUnavailable, "webhook authentication not configured")
		return
	}

	authOK := false
	if sharedToken != "" {
		reqToken := r.URL.Query().Get("token")
		authOK = subtle.ConstantTimeCompare([]byte(sharedToken), []byte(reqToken)) == 1
	}
	if !authOK && signingKey != "" {
		header := r.Header.Get(SignatureHeader)
		authOK = signature.Verify(signingKey, header, body, s.now(), signature.DefaultTolerance)
	}
	if !authOK {
		s.logger.Warn("unauthorized webhook attempt", "remote_addr", r.RemoteAddr)
		s.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	intakeKey := IntakeKey(payload, body)

	reserved, err := s.store.SetIfAbsent(ctx, dedupe.CollectionIntake, intakeKey, "", dedupe.IntakeTTL)
	if err != nil {
		s.logger.Error("intake reservation failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "reservation failed")
		return
	}
	if !reserved {
		// Already handled or in flight. The provider gets a 200 so it does
		// not retry content we already accepted.
		s.logger.Info("duplicate webhook delivery", "intake_key", intakeKey)
		s.respondJSON(w, http.StatusOK, ReceiveResponse{Status: "duplicate"})
		return
	}

	eventJSON, err := json.Marshal(event.ParseObject(payload))
	if err != nil {
		eventJSON = nil
	}

	deliveryID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Payload:    body,
		Event:      eventJSON,
		Source:     queue.SourceWebhook,
		IntakeKey:  intakeKey,
		ReceivedAt: s.now(),
	})
	if err != nil {
		// Release the reservation so the provider's retry is not swallowed
		// by our own failed enqueue.
		if delErr := s.store.Delete(ctx, dedupe.CollectionIntake, intakeKey); delErr != nil {
			s.logger.Error("failed to release intake reservation", "intake_key", intakeKey, "error", delErr)
		}
		s.logger.Error("failed to enqueue delivery", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue delivery")
		return
	}

	s.logger.Info("delivery enqueued", "delivery_id", deliveryID, "intake_key", intakeKey)
	s.respondJSON(w, http.StatusOK, ReceiveResponse{Status: "accepted", DeliveryID: deliveryID})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
