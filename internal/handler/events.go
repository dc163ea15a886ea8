package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rollcall/ble-attendance/internal/auth"
	apperrors "github.com/rollcall/ble-attendance/internal/errors"
	"github.com/rollcall/ble-attendance/internal/sse"
)

// Subscriber hands out per-organization event streams.
type Subscriber interface {
	Subscribe(orgID string) *sse.Client
	Unsubscribe(client *sse.Client)
}

// OrgAuthorizer decides whether the caller may watch an organization.
type OrgAuthorizer interface {
	AuthorizeOrganization(ctx context.Context, orgID string) error
}

type EventsHandler struct {
	broker     Subscriber
	authorizer OrgAuthorizer
	heartbeat  time.Duration
}

func NewEventsHandler(broker Subscriber, authorizer OrgAuthorizer) *EventsHandler {
	return &EventsHandler{
		broker:     broker,
		authorizer: authorizer,
		heartbeat:  sse.HeartbeatInterval,
	}
}

// GET /v1/events?org_id=
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFrom(r.Context())
	if principal == nil {
		writeError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}

	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeError(w, apperrors.MissingRequired("org_id"))
		return
	}
	if err := h.authorizer.AuthorizeOrganization(r.Context(), orgID); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(orgID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("orgId", orgID).
		Str("userId", principal.UserID).
		Msg("sse connection established")

	ctx := r.Context()

	if err := h.sendEvent(w, flusher, "connected", map[string]any{"org_id": orgID}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("orgId", orgID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("orgId", orgID).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("orgId", orgID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
