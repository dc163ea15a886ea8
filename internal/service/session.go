package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rollcall/ble-attendance/internal/audit"
	"github.com/rollcall/ble-attendance/internal/auth"
	"github.com/rollcall/ble-attendance/internal/beacon"
	"github.com/rollcall/ble-attendance/internal/config"
	"github.com/rollcall/ble-attendance/internal/database"
	apperrors "github.com/rollcall/ble-attendance/internal/errors"
	"github.com/rollcall/ble-attendance/internal/model"
	"github.com/rollcall/ble-attendance/internal/obs"
	"github.com/rollcall/ble-attendance/internal/repository"
	"github.com/rollcall/ble-attendance/internal/sse"
	"github.com/rollcall/ble-attendance/internal/token"
)

const (
	defaultSessionTTL      = time.Hour
	maxSessionTTL          = 24 * time.Hour
	defaultDuplicateWindow = 30 * time.Second

	statusNotFound = "not_found"
)

// EventPublisher delivers organization events. It returns how many
// receivers got the event.
type EventPublisher interface {
	Publish(ctx context.Context, orgID string, event sse.Event) (int64, error)
}

type SessionConfig struct {
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	DuplicateWindow time.Duration
}

type CreateSessionParams struct {
	OrgID      string     `json:"org_id"`
	Title      string     `json:"title"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	TTLSeconds int        `json:"ttl_seconds"`
}

type CreateSessionResult struct {
	Success      bool           `json:"success"`
	SessionToken string         `json:"session_token"`
	EventID      string         `json:"event_id"`
	StartsAt     time.Time      `json:"starts_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Beacon       beacon.Payload `json:"beacon"`
}

type SessionStatusResult struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	IsActive bool   `json:"is_active"`
}

type SessionService struct {
	orgRepo        repository.OrganizationRepository
	membershipRepo repository.MembershipRepository
	sessionRepo    repository.SessionRepository
	attendanceRepo repository.AttendanceRepository
	guard          AttendanceGuard
	publisher      EventPublisher
	codec          *beacon.Codec
	cfg            SessionConfig
	now            func() time.Time
}

func NewSessionService(
	orgRepo repository.OrganizationRepository,
	membershipRepo repository.MembershipRepository,
	sessionRepo repository.SessionRepository,
	attendanceRepo repository.AttendanceRepository,
	guard AttendanceGuard,
	publisher EventPublisher,
	codec *beacon.Codec,
	cfg SessionConfig,
) *SessionService {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultSessionTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = maxSessionTTL
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = defaultDuplicateWindow
	}
	return &SessionService{
		orgRepo:        orgRepo,
		membershipRepo: membershipRepo,
		sessionRepo:    sessionRepo,
		attendanceRepo: attendanceRepo,
		guard:          guard,
		publisher:      publisher,
		codec:          codec,
		cfg:            cfg,
		now:            time.Now,
	}
}

// CreateSession starts an attendance window for an organization the caller
// runs. Nothing is written unless every check passes.
func (s *SessionService) CreateSession(ctx context.Context, params CreateSessionParams) (*CreateSessionResult, error) {
	caller := auth.PrincipalFrom(ctx)
	if caller == nil {
		return nil, apperrors.Unauthorized("Authentication required")
	}

	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, apperrors.MissingRequired("title")
	}

	now := s.now()
	startsAt := now
	if params.StartsAt != nil {
		startsAt = *params.StartsAt
	}
	expiresAt := now.Add(s.clampTTL(params.TTLSeconds))
	if !startsAt.Before(expiresAt) {
		return nil, apperrors.InvalidInput("starts_at", "must be before the session expires")
	}

	org, err := s.findOrganization(ctx, params.OrgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, apperrors.OrganizationNotFound()
	}

	membership, err := s.membershipRepo.Find(ctx, org.ID, caller.UserID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if membership == nil {
		return nil, apperrors.OrganizationMismatch()
	}
	if !membership.IsActive() || !membership.Role.IsOfficer() {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventPermissionDenied,
			UserID:  caller.UserID,
			OrgID:   org.ID,
			Details: map[string]interface{}{"operation": "create_session", "role": string(membership.Role)},
		})
		return nil, apperrors.PermissionDenied("Only officers can start attendance sessions")
	}


	var session *model.AttendanceSession
	var payload beacon.Payload
	for attempt := 0; attempt < config.MaxTokenAttempts && session == nil; attempt++ {
		tok, err := token.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		payload, err = s.codec.Encode(tok, org.Slug)
		if err != nil {
			return nil, apperrors.Internal("Organization has no beacon code").WithCause(err)
		}

		collision, err := s.sessionRepo.HasActiveCollision(ctx, org.ID, tok, int(payload.Minor))
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if collision {
			log.Debug().Str("orgId", org.ID).Int("attempt", attempt+1).Msg("session token or minor collision, retrying")
			continue
		}

		if report := token.ValidateSecurity(tok); report.LowAssurance {
			log.Warn().Str("token", token.Mask(tok)).Float64("entropy", report.EntropyBits).Msg("low assurance session token issued")
		}

		session, err = s.sessionRepo.Create(ctx, model.CreateSessionParams{
			OrgID:        org.ID,
			SessionToken: tok,
			BeaconMinor:  int(payload.Minor),
			EventTitle:   title,
			CreatedBy:    caller.UserID,
			StartsAt:     startsAt,
			ExpiresAt:    expiresAt,
		})
		if err != nil && !database.IsUniqueViolation(err) {
			return nil, apperrors.Database(err)
		}
	}
	if session == nil {
		return nil, apperrors.New(apperrors.ErrCodeTokenCollisionRetries, "Could not allocate a unique session token").
			WithAction(apperrors.ActionRetry)
	}

	obs.SessionCreated(org.ID)
	audit.Log(ctx, audit.Event{
		Type:   audit.EventSessionCreate,
		UserID: caller.UserID,
		OrgID:  org.ID,
		Details: map[string]interface{}{
			"session_id": session.ID,
			"token":      token.Mask(session.SessionToken),
			"expires_at": session.ExpiresAt.Format(time.RFC3339),
		},
	})
	log.Info().
		Str("sessionId", session.ID).
		Str("orgId", org.ID).
		Str("token", token.Mask(session.SessionToken)).
		Uint16("major", payload.Major).
		Uint16("minor", payload.Minor).
		Time("expiresAt", session.ExpiresAt).
		Msg("attendance session created")

	return &CreateSessionResult{
		Success:      true,
		SessionToken: session.SessionToken,
		EventID:      session.ID,
		StartsAt:     session.StartsAt,
		ExpiresAt:    session.ExpiresAt,
		Beacon:       payload,
	}, nil
}

// ResolveSession looks a session up by token. Unknown tokens, malformed
// tokens and sessions of other organizations all resolve to nil. Expired
// sessions are returned with IsValid false.
func (s *SessionService) ResolveSession(ctx context.Context, sessionToken string) (*model.ResolvedSession, error) {
	caller := auth.PrincipalFrom(ctx)
	if caller == nil {
		return nil, apperrors.Unauthorized("Authentication required")
	}
	if !token.ValidateFormat(sessionToken) {
		return nil, nil
	}

	session, err := s.sessionRepo.FindByToken(ctx, sessionToken)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, nil
	}

	visible, err := s.isMember(ctx, session.OrgID, caller.UserID)
	if err != nil || !visible {
		return nil, err
	}
	return model.NewResolvedSession(session, s.now()), nil
}

// ResolveBeacon maps a received (major, minor) pair to a session of orgID.
// The minor is only unique among an organization's live sessions, so the org
// scope is part of the key.
func (s *SessionService) ResolveBeacon(ctx context.Context, orgID string, major, minor uint16) (*model.ResolvedSession, error) {
	caller := auth.PrincipalFrom(ctx)
	if caller == nil {
		return nil, apperrors.Unauthorized("Authentication required")
	}
	if minor == 0 {
		return nil, nil
	}

	org, err := s.findOrganization(ctx, orgID)
	if err != nil || org == nil {
		return nil, err
	}
	if !s.codec.ValidatePayload(major, minor, org.Slug) {
		return nil, nil
	}

	visible, err := s.isMember(ctx, org.ID, caller.UserID)
	if err != nil || !visible {
		return nil, err
	}

	session, err := s.sessionRepo.FindByBeacon(ctx, org.ID, int(minor))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, nil
	}
	return model.NewResolvedSession(session, s.now()), nil
}

// AuthorizeOrganization succeeds when the caller is an active member of orgID.
func (s *SessionService) AuthorizeOrganization(ctx context.Context, orgID string) error {
	caller := auth.PrincipalFrom(ctx)
	if caller == nil {
		return apperrors.Unauthorized("Authentication required")
	}
	if _, err := uuid.Parse(orgID); err != nil {
		return apperrors.OrganizationNotFound()
	}

	visible, err := s.isMember(ctx, orgID, caller.UserID)
	if err != nil {
		return err
	}
	if !visible {
		return apperrors.OrganizationMismatch()
	}
	return nil
}

// GetActiveSessions lists the organization's unexpired, unstopped sessions.
// Session tokens are only shown to officers; members check in by beacon.
func (s *SessionService) GetActiveSessions(ctx context.Context, orgID string) ([]*model.ResolvedSession, error) {
	if err := s.AuthorizeOrganization(ctx, orgID); err != nil {
		return nil, err
	}

	membership, err := s.membershipRepo.Find(ctx, orgID, auth.PrincipalFrom(ctx).UserID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	showTokens := membership != nil && membership.IsActive() && membership.Role.IsOfficer()

	sessions, err := s.sessionRepo.FindActiveByOrg(ctx, orgID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	now := s.now()
	resolved := make([]*model.ResolvedSession, 0, len(sessions))
	for i := range sessions {
		rs := model.NewResolvedSession(&sessions[i], now)
		if !showTokens {
			rs.SessionToken = ""
		}
		resolved = append(resolved, rs)
	}
	return resolved, nil
}

// GetSessionStatus is a liveness check that never returns session details.
func (s *SessionService) GetSessionStatus(ctx context.Context, sessionToken string) (*SessionStatusResult, error) {
	resolved, err := s.ResolveSession(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return &SessionStatusResult{Success: false, Status: statusNotFound}, nil
	}
	return &SessionStatusResult{
		Success:  true,
		Status:   resolved.Status,
		IsActive: resolved.IsValid,
	}, nil
}

// StopSession ends an active session early. Stopping a session that already
// ended is a no-op.
func (s *SessionService) StopSession(ctx context.Context, sessionToken string) error {
	caller := auth.PrincipalFrom(ctx)
	if caller == nil {
		return apperrors.Unauthorized("Authentication required")
	}
	if !token.ValidateFormat(sessionToken) {
		return apperrors.InvalidToken("Invalid session token format")
	}

	session, err := s.sessionRepo.FindByToken(ctx, sessionToken)
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil {
		return apperrors.NotFound("Session")
	}

	membership, err := s.membershipRepo.Find(ctx, session.OrgID, caller.UserID)
	if err != nil {
		return apperrors.Database(err)
	}
	if membership == nil {
		return apperrors.NotFound("Session")
	}
	if !membership.IsActive() || !membership.Role.IsOfficer() {
		return apperrors.PermissionDenied("Only officers can stop attendance sessions")
	}

	if !session.IsActive(s.now()) {
		return nil
	}

	if err := s.sessionRepo.MarkStopped(ctx, session.ID); err != nil {
		return apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventSessionStop,
		UserID:  caller.UserID,
		OrgID:   session.OrgID,
		Details: map[string]interface{}{"session_id": session.ID},
	})
	log.Info().Str("sessionId", session.ID).Str("orgId", session.OrgID).Msg("attendance session stopped")

	s.publish(ctx, session.OrgID, sse.EventSessionStopped, map[string]any{
		"event_id": session.ID,
	})
	return nil
}

// AddAttendance records the caller's check-in. Rule violations come back as
// a tagged result; only unexpected failures are returned as errors.
func (s *SessionService) AddAttendance(ctx context.Context, sessionToken string, method model.AttendanceMethod) (*model.AttendanceResult, error) {
	caller := auth.PrincipalFrom(ctx)
	if caller == nil {
		return nil, apperrors.Unauthorized("Authentication required")
	}

	if !token.ValidateFormat(sessionToken) {
		return s.rejectAttendance(ctx, caller.UserID, "", apperrors.TagInvalidToken), nil
	}
	if !method.IsValid() {
		method = model.AttendanceMethodBLE
	}

	session, err := s.sessionRepo.FindByToken(ctx, sessionToken)
	if err != nil {
		obs.AttendanceSubmitted(obs.OutcomeError)
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return s.rejectAttendance(ctx, caller.UserID, "", apperrors.TagInvalidToken), nil
	}
	if !session.IsActive(s.now()) {
		return s.rejectAttendance(ctx, caller.UserID, session.OrgID, apperrors.TagSessionExpired), nil
	}

	membership, err := s.membershipRepo.Find(ctx, session.OrgID, caller.UserID)
	if err != nil {
		obs.AttendanceSubmitted(obs.OutcomeError)
		return nil, apperrors.Database(err)
	}
	if membership == nil {
		return s.rejectAttendance(ctx, caller.UserID, session.OrgID, apperrors.TagOrganizationMismatch), nil
	}
	if !membership.IsActive() {
		return s.rejectAttendance(ctx, caller.UserID, session.OrgID, apperrors.TagPermissionDenied), nil
	}

	acquired, err := s.guard.Acquire(ctx, session.ID, caller.UserID, s.cfg.DuplicateWindow)
	if err != nil {
		// the unique (session, member) constraint still holds without the guard
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("attendance guard unavailable")
		acquired = true
	}
	if !acquired {
		return s.rejectAttendance(ctx, caller.UserID, session.OrgID, apperrors.TagDuplicateAttendance), nil
	}

	existing, err := s.attendanceRepo.FindBySessionAndMember(ctx, session.ID, caller.UserID)
	if err != nil {
		s.releaseGuard(ctx, session.ID, caller.UserID)
		obs.AttendanceSubmitted(obs.OutcomeError)
		return nil, apperrors.Database(err)
	}
	if existing != nil {
		return s.rejectAttendance(ctx, caller.UserID, session.OrgID, apperrors.TagAlreadyCheckedIn), nil
	}

	record, err := s.attendanceRepo.Create(ctx, model.CreateAttendanceParams{
		SessionID: session.ID,
		OrgID:     session.OrgID,
		MemberID:  caller.UserID,
		Method:    method,
	})
	if err != nil {
		s.releaseGuard(ctx, session.ID, caller.UserID)
		obs.AttendanceSubmitted(obs.OutcomeError)
		return nil, apperrors.Database(err)
	}
	if record == nil {
		return s.rejectAttendance(ctx, caller.UserID, session.OrgID, apperrors.TagAlreadyCheckedIn), nil
	}

	obs.AttendanceSubmitted(obs.OutcomeSuccess)
	audit.Log(ctx, audit.Event{
		Type:    audit.EventAttendanceSubmit,
		UserID:  caller.UserID,
		OrgID:   session.OrgID,
		Details: map[string]interface{}{"session_id": session.ID, "attendance_id": record.ID},
	})

	return &model.AttendanceResult{Success: true, AttendanceID: record.ID}, nil
}

// NotifySessionStarted tells the organization's members a session began.
// Delivery failures are counted, never returned.
func (s *SessionService) NotifySessionStarted(ctx context.Context, sessionToken string) (*model.NotifyResult, error) {
	caller := auth.PrincipalFrom(ctx)
	if caller == nil {
		return nil, apperrors.Unauthorized("Authentication required")
	}
	if !token.ValidateFormat(sessionToken) {
		return nil, apperrors.InvalidToken("Invalid session token format")
	}

	session, err := s.sessionRepo.FindByToken(ctx, sessionToken)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}

	membership, err := s.membershipRepo.Find(ctx, session.OrgID, caller.UserID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if membership == nil || !membership.IsActive() || !membership.Role.IsOfficer() {
		return nil, apperrors.PermissionDenied("Only officers can announce attendance sessions")
	}

	// the token stays off the broadcast: members check in by proximity
	sent, failed := s.publish(ctx, session.OrgID, sse.EventSessionStarted, map[string]any{
		"event_id":    session.ID,
		"event_title": session.EventTitle,
		"starts_at":   session.StartsAt,
		"expires_at":  session.ExpiresAt,
	})

	log.Info().
		Str("sessionId", session.ID).
		Int("sent", sent).
		Int("failed", failed).
		Msg("session start notification dispatched")

	return &model.NotifyResult{Sent: sent, Failed: failed}, nil
}

func (s *SessionService) publish(ctx context.Context, orgID, eventType string, data any) (sent, failed int) {
	if s.publisher == nil {
		return 0, 0
	}
	event, err := sse.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to build event")
		return 0, 1
	}
	receivers, err := s.publisher.Publish(ctx, orgID, event)
	if err != nil {
		log.Warn().Err(err).Str("orgId", orgID).Str("eventType", eventType).Msg("failed to publish event")
		return 0, 1
	}
	return int(receivers), 0
}

func (s *SessionService) rejectAttendance(ctx context.Context, userID, orgID, tag string) *model.AttendanceResult {
	obs.AttendanceSubmitted(tag)
	audit.Log(ctx, audit.Event{
		Type:    audit.EventAttendanceRejected,
		UserID:  userID,
		OrgID:   orgID,
		Details: map[string]interface{}{"reason": tag},
	})
	return &model.AttendanceResult{Success: false, Error: tag}
}

func (s *SessionService) releaseGuard(ctx context.Context, sessionID, memberID string) {
	if err := s.guard.Release(ctx, sessionID, memberID); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to release attendance guard")
	}
}

func (s *SessionService) clampTTL(ttlSeconds int) time.Duration {
	if ttlSeconds <= 0 {
		return s.cfg.DefaultTTL
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl > s.cfg.MaxTTL {
		return s.cfg.MaxTTL
	}
	return ttl
}

// findOrganization returns nil for ids that cannot name an organization.
func (s *SessionService) findOrganization(ctx context.Context, orgID string) (*model.Organization, error) {
	if _, err := uuid.Parse(orgID); err != nil {
		return nil, nil
	}
	org, err := s.orgRepo.FindByID(ctx, orgID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return org, nil
}

func (s *SessionService) isMember(ctx context.Context, orgID, userID string) (bool, error) {
	membership, err := s.membershipRepo.Find(ctx, orgID, userID)
	if err != nil {
		return false, apperrors.Database(err)
	}
	return membership.IsActive(), nil
}
