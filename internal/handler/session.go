package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/rollcall/ble-attendance/internal/errors"
	"github.com/rollcall/ble-attendance/internal/model"
	"github.com/rollcall/ble-attendance/internal/service"
	"github.com/rollcall/ble-attendance/internal/token"
)

// SessionService is the part of service.SessionService the HTTP layer uses.
type SessionService interface {
	CreateSession(ctx context.Context, params service.CreateSessionParams) (*service.CreateSessionResult, error)
	ResolveSession(ctx context.Context, sessionToken string) (*model.ResolvedSession, error)
	ResolveBeacon(ctx context.Context, orgID string, major, minor uint16) (*model.ResolvedSession, error)
	GetActiveSessions(ctx context.Context, orgID string) ([]*model.ResolvedSession, error)
	GetSessionStatus(ctx context.Context, sessionToken string) (*service.SessionStatusResult, error)
	StopSession(ctx context.Context, sessionToken string) error
	AddAttendance(ctx context.Context, sessionToken string, method model.AttendanceMethod) (*model.AttendanceResult, error)
	NotifySessionStarted(ctx context.Context, sessionToken string) (*model.NotifyResult, error)
	AuthorizeOrganization(ctx context.Context, orgID string) error
}

type SessionHandler struct {
	sessionService SessionService
}

func NewSessionHandler(sessionService SessionService) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
	}
}

// Routes mounts under /v1.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions/{sessionToken}", h.ResolveSession)
	r.Get("/sessions/{sessionToken}/status", h.GetSessionStatus)
	r.Post("/sessions/{sessionToken}/stop", h.StopSession)
	r.Post("/sessions/{sessionToken}/attendance", h.AddAttendance)
	r.Post("/sessions/{sessionToken}/notify", h.NotifySessionStarted)
	r.Get("/beacons/resolve", h.ResolveBeacon)
	r.Get("/orgs/{orgID}/sessions/active", h.GetActiveSessions)

	return r
}

type createSessionRequest struct {
	OrgID      string     `json:"org_id"`
	Title      string     `json:"title"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	TTLSeconds int        `json:"ttl_seconds"`
}

// POST /v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, apperrors.InvalidInput("body", "too large"))
			return
		}
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.OrgID == "" {
		writeError(w, apperrors.MissingRequired("org_id"))
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, apperrors.InvalidInput("ttl_seconds", "must not be negative"))
		return
	}

	result, err := h.sessionService.CreateSession(r.Context(), service.CreateSessionParams{
		OrgID:      req.OrgID,
		Title:      req.Title,
		StartsAt:   req.StartsAt,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GET /v1/sessions/{sessionToken}
//
// Returns a list with zero or one entries so clients can treat "not found"
// and "not visible" the same way.
func (h *SessionHandler) ResolveSession(w http.ResponseWriter, r *http.Request) {
	sessionToken := sessionTokenParam(r)

	resolved, err := h.sessionService.ResolveSession(r.Context(), sessionToken)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resolvedList(resolved))
}

// GET /v1/sessions/{sessionToken}/status
func (h *SessionHandler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessionService.GetSessionStatus(r.Context(), sessionTokenParam(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /v1/sessions/{sessionToken}/stop
func (h *SessionHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionService.StopSession(r.Context(), sessionTokenParam(r)); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type addAttendanceRequest struct {
	Method model.AttendanceMethod `json:"method"`
}

// POST /v1/sessions/{sessionToken}/attendance
//
// Rule violations are reported in the body with 200; the body's error tag
// is the contract, not the status code.
func (h *SessionHandler) AddAttendance(w http.ResponseWriter, r *http.Request) {
	var req addAttendanceRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
			return
		}
	}
	if req.Method != "" && !req.Method.IsValid() {
		writeError(w, apperrors.InvalidInput("method", "must be ble or manual"))
		return
	}

	result, err := h.sessionService.AddAttendance(r.Context(), sessionTokenParam(r), req.Method)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /v1/sessions/{sessionToken}/notify
func (h *SessionHandler) NotifySessionStarted(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessionService.NotifySessionStarted(r.Context(), sessionTokenParam(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /v1/beacons/resolve?org_id=&major=&minor=
func (h *SessionHandler) ResolveBeacon(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orgID := q.Get("org_id")
	if orgID == "" {
		writeError(w, apperrors.MissingRequired("org_id"))
		return
	}
	major, err := parseUint16(q.Get("major"))
	if err != nil {
		writeError(w, apperrors.InvalidInput("major", "must be 0-65535"))
		return
	}
	minor, err := parseUint16(q.Get("minor"))
	if err != nil {
		writeError(w, apperrors.InvalidInput("minor", "must be 0-65535"))
		return
	}

	resolved, err := h.sessionService.ResolveBeacon(r.Context(), orgID, major, minor)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resolvedList(resolved))
}

// GET /v1/orgs/{orgID}/sessions/active
func (h *SessionHandler) GetActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionService.GetActiveSessions(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// sessionTokenParam accepts hand-typed tokens; anything that still fails the
// format check is passed through and rejected by the service.
func sessionTokenParam(r *http.Request) string {
	raw := chi.URLParam(r, "sessionToken")
	if cleaned, ok := token.Sanitize(raw); ok {
		return cleaned
	}
	return raw
}

func resolvedList(resolved *model.ResolvedSession) []*model.ResolvedSession {
	if resolved == nil {
		return []*model.ResolvedSession{}
	}
	return []*model.ResolvedSession{resolved}
}

func parseUint16(raw string) (uint16, error) {
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}
