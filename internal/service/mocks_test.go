package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/rollcall/ble-attendance/internal/model"
	"github.com/rollcall/ble-attendance/internal/repository"
	"github.com/rollcall/ble-attendance/internal/sse"
)

type mockOrgRepo struct {
	mock.Mock
}

func (m *mockOrgRepo) FindByID(ctx context.Context, id string) (*model.Organization, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Organization), args.Error(1)
}

func (m *mockOrgRepo) FindBySlug(ctx context.Context, slug string) (*model.Organization, error) {
	args := m.Called(ctx, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Organization), args.Error(1)
}

type mockMembershipRepo struct {
	mock.Mock
}

func (m *mockMembershipRepo) Find(ctx context.Context, orgID, userID string) (*model.Membership, error) {
	args := m.Called(ctx, orgID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Membership), args.Error(1)
}

func (m *mockMembershipRepo) FindActiveByUser(ctx context.Context, userID string) ([]model.Membership, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Membership), args.Error(1)
}

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.AttendanceSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AttendanceSession), args.Error(1)
}

func (m *mockSessionRepo) FindByToken(ctx context.Context, tok string) (*model.AttendanceSession, error) {
	args := m.Called(ctx, tok)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AttendanceSession), args.Error(1)
}

func (m *mockSessionRepo) FindByBeacon(ctx context.Context, orgID string, minor int) (*model.AttendanceSession, error) {
	args := m.Called(ctx, orgID, minor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AttendanceSession), args.Error(1)
}

func (m *mockSessionRepo) FindActiveByOrg(ctx context.Context, orgID string) ([]model.AttendanceSession, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.AttendanceSession), args.Error(1)
}

func (m *mockSessionRepo) HasActiveCollision(ctx context.Context, orgID, tok string, minor int) (bool, error) {
	args := m.Called(ctx, orgID, tok, minor)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.AttendanceSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AttendanceSession), args.Error(1)
}

func (m *mockSessionRepo) MarkStopped(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSessionRepo) DeleteAbandoned(ctx context.Context, expiredBefore time.Time) (int64, error) {
	args := m.Called(ctx, expiredBefore)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository {
	return m
}

type mockAttendanceRepo struct {
	mock.Mock
}

func (m *mockAttendanceRepo) Create(ctx context.Context, params model.CreateAttendanceParams) (*model.AttendanceRecord, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AttendanceRecord), args.Error(1)
}

func (m *mockAttendanceRepo) FindBySessionAndMember(ctx context.Context, sessionID, memberID string) (*model.AttendanceRecord, error) {
	args := m.Called(ctx, sessionID, memberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AttendanceRecord), args.Error(1)
}

func (m *mockAttendanceRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	args := m.Called(ctx, sessionID)
	return args.Int(0), args.Error(1)
}

func (m *mockAttendanceRepo) WithTx(tx *sqlx.Tx) repository.AttendanceRepository {
	return m
}

type mockGuard struct {
	mock.Mock
}

func (m *mockGuard) Acquire(ctx context.Context, sessionID, memberID string, window time.Duration) (bool, error) {
	args := m.Called(ctx, sessionID, memberID, window)
	return args.Bool(0), args.Error(1)
}

func (m *mockGuard) Release(ctx context.Context, sessionID, memberID string) error {
	return m.Called(ctx, sessionID, memberID).Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, orgID string, event sse.Event) (int64, error) {
	args := m.Called(ctx, orgID, event)
	return args.Get(0).(int64), args.Error(1)
}
