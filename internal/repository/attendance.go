package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rollcall/ble-attendance/internal/model"
)

type AttendanceRepository interface {
	// Create inserts a record. It returns nil, nil when the member already has
	// a record for the session.
	Create(ctx context.Context, params model.CreateAttendanceParams) (*model.AttendanceRecord, error)
	FindBySessionAndMember(ctx context.Context, sessionID, memberID string) (*model.AttendanceRecord, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
	WithTx(tx *sqlx.Tx) AttendanceRepository
}

type attendanceRepo struct {
	db sqlxDB
}

func NewAttendanceRepository(db *sqlx.DB) AttendanceRepository {
	return &attendanceRepo{db: db}
}

func (r *attendanceRepo) WithTx(tx *sqlx.Tx) AttendanceRepository {
	return &attendanceRepo{db: tx}
}

func (r *attendanceRepo) Create(ctx context.Context, params model.CreateAttendanceParams) (*model.AttendanceRecord, error) {
	var record model.AttendanceRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO attendance (session_id, org_id, member_id, method)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, member_id) DO NOTHING
		RETURNING *
	`, params.SessionID, params.OrgID, params.MemberID, params.Method)
	return HandleNotFound(&record, err)
}

func (r *attendanceRepo) FindBySessionAndMember(ctx context.Context, sessionID, memberID string) (*model.AttendanceRecord, error) {
	var record model.AttendanceRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM attendance WHERE session_id = $1 AND member_id = $2
	`, sessionID, memberID)
	return HandleNotFound(&record, err)
}

func (r *attendanceRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM attendance WHERE session_id = $1
	`, sessionID)
	return count, err
}
