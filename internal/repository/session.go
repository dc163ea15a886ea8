package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rollcall/ble-attendance/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.AttendanceSession, error)
	FindByToken(ctx context.Context, token string) (*model.AttendanceSession, error)
	FindByBeacon(ctx context.Context, orgID string, minor int) (*model.AttendanceSession, error)
	FindActiveByOrg(ctx context.Context, orgID string) ([]model.AttendanceSession, error)
	HasActiveCollision(ctx context.Context, orgID, token string, minor int) (bool, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.AttendanceSession, error)
	MarkStopped(ctx context.Context, id string) error
	DeleteAbandoned(ctx context.Context, expiredBefore time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db sqlxDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.AttendanceSession, error) {
	var session model.AttendanceSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM attendance_sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

// FindByToken returns the session regardless of expiry so callers can tell
// "expired" from "never existed".
func (r *sessionRepo) FindByToken(ctx context.Context, token string) (*model.AttendanceSession, error) {
	var session model.AttendanceSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM attendance_sessions WHERE session_token = $1
	`, token)
	return HandleNotFound(&session, err)
}

// FindByBeacon prefers a live session when an old one shares the minor.
func (r *sessionRepo) FindByBeacon(ctx context.Context, orgID string, minor int) (*model.AttendanceSession, error) {
	var session model.AttendanceSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM attendance_sessions
		WHERE org_id = $1 AND beacon_minor = $2
		ORDER BY (stopped_at IS NULL AND expires_at > NOW()) DESC, created_at DESC
		LIMIT 1
	`, orgID, minor)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindActiveByOrg(ctx context.Context, orgID string) ([]model.AttendanceSession, error) {
	var sessions []model.AttendanceSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM attendance_sessions
		WHERE org_id = $1 AND stopped_at IS NULL AND expires_at > NOW()
		ORDER BY starts_at DESC
	`, orgID)
	return sessions, err
}

func (r *sessionRepo) HasActiveCollision(ctx context.Context, orgID, token string, minor int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_sessions
			WHERE session_token = $2
			OR (org_id = $1 AND beacon_minor = $3 AND stopped_at IS NULL AND expires_at > NOW())
		)
	`, orgID, token, minor)
	return exists, err
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.AttendanceSession, error) {
	var session model.AttendanceSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO attendance_sessions (org_id, session_token, beacon_minor, event_title, created_by, starts_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, params.OrgID, params.SessionToken, params.BeaconMinor, params.EventTitle,
		params.CreatedBy, params.StartsAt, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) MarkStopped(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET stopped_at = $2
		WHERE id = $1 AND stopped_at IS NULL
	`, id, time.Now())
	return err
}

// DeleteAbandoned removes sessions that ended before the cutoff without a
// single check-in.
func (r *sessionRepo) DeleteAbandoned(ctx context.Context, expiredBefore time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM attendance_sessions s
		WHERE COALESCE(s.stopped_at, s.expires_at) < $1
		AND NOT EXISTS (SELECT 1 FROM attendance a WHERE a.session_id = s.id)
	`, expiredBefore)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
