package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	errx "github.com/watssabi-collector/server/internal/core/error"
	"github.com/watssabi-collector/server/internal/gateway"
	"github.com/watssabi-collector/server/internal/orchestrator"
	logx "github.com/watssabi-collector/server/pkg/logger"
)

// Normalizer converts raw webhook requests into canonical inbound events.
type Normalizer interface {
	Normalize(r *http.Request) (gateway.InboundEvent, error)
}

// EventHandler is the orchestration entrypoint the webhook feeds.
type EventHandler interface {
	HandleEvent(ctx context.Context, event gateway.InboundEvent) (orchestrator.OutboundAction, error)
}

// Server exposes the messaging webhook and the liveness check. The webhook
// acknowledges with an empty body; the reply travels through the outbound
// gateway call, not the HTTP response.
type Server struct {
	normalizer Normalizer
	handler    EventHandler
	messenger  gateway.Messenger
}

func NewServer(normalizer Normalizer, handler EventHandler, messenger gateway.Messenger) *Server {
	return &Server{normalizer: normalizer, handler: handler, messenger: messenger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/twilio", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := s.normalizer.Normalize(r)
	if err != nil {
		// Rejected at the boundary: no valid context to reply to, so no
		// outbound message either.
		logx.Warn().Err(err).Msg("rejected inbound webhook payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	action, err := s.handler.HandleEvent(r.Context(), event)
	if err != nil {
		logx.Error().Err(err).
			Str("conversation_id", event.ConversationID).
			Str("event_id", event.EventID).
			Msg("event handling failed")
		status := http.StatusInternalServerError
		var appErr *errx.AppError
		if errors.As(err, &appErr) {
			status = appErr.Status
		}
		http.Error(w, "event handling failed", status)
		return
	}

	if action.Reply != "" {
		if err := s.messenger.Send(r.Context(), event.ConversationID, action.Reply); err != nil {
			// Twilio already got its ack path; a failed outbound send is
			// logged and the provider's own retry of the webhook covers it.
			logx.Error().Err(err).
				Str("conversation_id", event.ConversationID).
				Msg("failed to deliver outbound reply")
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
