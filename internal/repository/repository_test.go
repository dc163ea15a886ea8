package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/ble-attendance/internal/model"
)

var sessionColumns = []string{
	"id", "org_id", "session_token", "beacon_minor", "event_title",
	"created_by", "starts_at", "expires_at", "stopped_at", "created_at",
}

func setupMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return sqlx.NewDb(db, "postgres"), mock
}

func q(sql string) string {
	return regexp.QuoteMeta(sql)
}

func TestHandleNotFound(t *testing.T) {
	v := 7
	got, err := HandleNotFound(&v, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, *got)

	got, err = HandleNotFound(&v, sql.ErrNoRows)
	assert.NoError(t, err)
	assert.Nil(t, got)

	boom := errors.New("boom")
	got, err = HandleNotFound(&v, boom)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, got)
}

func TestSessionRepository_FindByToken(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("returns session", func(t *testing.T) {
		mock.ExpectQuery(q("SELECT * FROM attendance_sessions WHERE session_token = $1")).
			WithArgs("ABC123DEF456").
			WillReturnRows(sqlmock.NewRows(sessionColumns).AddRow(
				"s-1", "org-1", "ABC123DEF456", 18248, "General Meeting",
				"user-1", now, now.Add(time.Hour), nil, now,
			))

		session, err := repo.FindByToken(ctx, "ABC123DEF456")
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, "s-1", session.ID)
		assert.Equal(t, 18248, session.BeaconMinor)
		assert.Nil(t, session.StoppedAt)
		assert.True(t, session.IsActive(now))
	})

	t.Run("returns nil for unknown token", func(t *testing.T) {
		mock.ExpectQuery(q("SELECT * FROM attendance_sessions WHERE session_token = $1")).
			WithArgs("ZZZZZZZZZZZZ").
			WillReturnRows(sqlmock.NewRows(sessionColumns))

		session, err := repo.FindByToken(ctx, "ZZZZZZZZZZZZ")
		require.NoError(t, err)
		assert.Nil(t, session)
	})
}

func TestSessionRepository_Create(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewSessionRepository(db)
	now := time.Now()

	params := model.CreateSessionParams{
		OrgID:        "org-1",
		SessionToken: "K7Q2M9X4B1ZP",
		BeaconMinor:  12428,
		EventTitle:   "Volunteer Day",
		CreatedBy:    "officer-1",
		StartsAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}

	mock.ExpectQuery(q("INSERT INTO attendance_sessions")).
		WithArgs(params.OrgID, params.SessionToken, params.BeaconMinor, params.EventTitle,
			params.CreatedBy, params.StartsAt, params.ExpiresAt).
		WillReturnRows(sqlmock.NewRows(sessionColumns).AddRow(
			"s-2", "org-1", "K7Q2M9X4B1ZP", 12428, "Volunteer Day",
			"officer-1", now, now.Add(time.Hour), nil, now,
		))

	session, err := repo.Create(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "s-2", session.ID)
	assert.Equal(t, "Volunteer Day", session.EventTitle)
}

func TestSessionRepository_HasActiveCollision(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(q("SELECT EXISTS")).
		WithArgs("org-1", "ABC123DEF456", 18248).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.HasActiveCollision(context.Background(), "org-1", "ABC123DEF456", 18248)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSessionRepository_MarkStopped(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectExec(q("UPDATE attendance_sessions SET stopped_at = $2 WHERE id = $1 AND stopped_at IS NULL")).
		WithArgs("s-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkStopped(context.Background(), "s-1"))
}

func TestSessionRepository_DeleteAbandoned(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewSessionRepository(db)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec(q("DELETE FROM attendance_sessions s")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.DeleteAbandoned(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestSessionRepository_WithTx(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE attendance_sessions SET stopped_at")).
		WithArgs("s-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)
	require.NoError(t, repo.WithTx(tx).MarkStopped(context.Background(), "s-1"))
	require.NoError(t, tx.Commit())
}

func TestAttendanceRepository_Create(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAttendanceRepository(db)
	ctx := context.Background()
	columns := []string{"id", "session_id", "org_id", "member_id", "method", "checked_in_at"}
	params := model.CreateAttendanceParams{
		SessionID: "s-1",
		OrgID:     "org-1",
		MemberID:  "user-1",
		Method:    model.AttendanceMethodBLE,
	}

	t.Run("inserts record", func(t *testing.T) {
		mock.ExpectQuery(q("ON CONFLICT (session_id, member_id) DO NOTHING")).
			WithArgs("s-1", "org-1", "user-1", model.AttendanceMethodBLE).
			WillReturnRows(sqlmock.NewRows(columns).AddRow("a-1", "s-1", "org-1", "user-1", "ble", time.Now()))

		record, err := repo.Create(ctx, params)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "a-1", record.ID)
		assert.Equal(t, model.AttendanceMethodBLE, record.Method)
	})

	t.Run("returns nil when member already checked in", func(t *testing.T) {
		mock.ExpectQuery(q("ON CONFLICT (session_id, member_id) DO NOTHING")).
			WithArgs("s-1", "org-1", "user-1", model.AttendanceMethodBLE).
			WillReturnRows(sqlmock.NewRows(columns))

		record, err := repo.Create(ctx, params)
		require.NoError(t, err)
		assert.Nil(t, record)
	})
}

func TestAttendanceRepository_CountBySession(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery(q("SELECT COUNT(*) FROM attendance WHERE session_id = $1")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := repo.CountBySession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestMembershipRepository_Find(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMembershipRepository(db)
	columns := []string{"org_id", "user_id", "role", "status", "created_at"}

	mock.ExpectQuery(q("SELECT * FROM memberships WHERE org_id = $1 AND user_id = $2")).
		WithArgs("org-1", "user-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("org-1", "user-1", "officer", "active", time.Now()))

	m, err := repo.Find(context.Background(), "org-1", "user-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Role.IsOfficer())
	assert.True(t, m.IsActive())

	mock.ExpectQuery(q("SELECT * FROM memberships WHERE org_id = $1 AND user_id = $2")).
		WithArgs("org-2", "user-1").
		WillReturnError(sql.ErrNoRows)

	m, err = repo.Find(context.Background(), "org-2", "user-1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestOrganizationRepository_FindBySlug(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewOrganizationRepository(db)

	mock.ExpectQuery(q("SELECT * FROM organizations WHERE slug = $1")).
		WithArgs("nhs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug", "name", "created_at"}).
			AddRow("org-1", "nhs", "National Honor Society", time.Now()))

	org, err := repo.FindBySlug(context.Background(), "nhs")
	require.NoError(t, err)
	assert.Equal(t, "org-1", org.ID)
	assert.Equal(t, "National Honor Society", org.Name)
}
