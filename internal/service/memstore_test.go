package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rollcall/ble-attendance/internal/model"
	"github.com/rollcall/ble-attendance/internal/repository"
)

// memStore backs every repository with maps so scenarios can run without a
// database. It enforces the same uniqueness rules as the schema.
type memStore struct {
	mu          sync.Mutex
	orgs        map[string]model.Organization
	memberships map[string]model.Membership
	sessions    map[string]*model.AttendanceSession
	attendance  map[string]model.AttendanceRecord
	guards      map[string]time.Time
	seq         int
	now         func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		orgs:        make(map[string]model.Organization),
		memberships: make(map[string]model.Membership),
		sessions:    make(map[string]*model.AttendanceSession),
		attendance:  make(map[string]model.AttendanceRecord),
		guards:      make(map[string]time.Time),
		now:         now,
	}
}

func (s *memStore) addOrg(org model.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
}

func (s *memStore) addMember(orgID, userID string, role model.MemberRole, status model.MembershipStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[orgID+"/"+userID] = model.Membership{OrgID: orgID, UserID: userID, Role: role, Status: status}
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memStore) attendanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attendance)
}

func (s *memStore) attendanceMethod(sessionID, memberID string) model.AttendanceMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attendance[sessionID+"/"+memberID].Method
}

func (s *memStore) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type memOrgRepo struct{ *memStore }

func (r memOrgRepo) FindByID(ctx context.Context, id string) (*model.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if org, ok := r.orgs[id]; ok {
		return &org, nil
	}
	return nil, nil
}

func (r memOrgRepo) FindBySlug(ctx context.Context, slug string) (*model.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, org := range r.orgs {
		if org.Slug == slug {
			o := org
			return &o, nil
		}
	}
	return nil, nil
}

type memMembershipRepo struct{ *memStore }

func (r memMembershipRepo) Find(ctx context.Context, orgID, userID string) (*model.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.memberships[orgID+"/"+userID]; ok {
		return &m, nil
	}
	return nil, nil
}

func (r memMembershipRepo) FindActiveByUser(ctx context.Context, userID string) ([]model.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Membership
	for _, m := range r.memberships {
		if m.UserID == userID && m.IsActive() {
			out = append(out, m)
		}
	}
	return out, nil
}

type memSessionRepo struct{ *memStore }

func (r memSessionRepo) FindByID(ctx context.Context, id string) (*model.AttendanceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			c := *s
			return &c, nil
		}
	}
	return nil, nil
}

func (r memSessionRepo) FindByToken(ctx context.Context, tok string) (*model.AttendanceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tok]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (r memSessionRepo) FindByBeacon(ctx context.Context, orgID string, minor int) (*model.AttendanceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.AttendanceSession
	for _, s := range r.sessions {
		if s.OrgID != orgID || s.BeaconMinor != minor {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		live, bestLive := s.IsActive(r.now()), best.IsActive(r.now())
		if (live && !bestLive) || (live == bestLive && s.CreatedAt.After(best.CreatedAt)) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

func (r memSessionRepo) FindActiveByOrg(ctx context.Context, orgID string) ([]model.AttendanceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AttendanceSession
	for _, s := range r.sessions {
		if s.OrgID == orgID && s.IsActive(r.now()) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r memSessionRepo) HasActiveCollision(ctx context.Context, orgID, tok string, minor int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[tok]; ok {
		return true, nil
	}
	for _, s := range r.sessions {
		if s.OrgID == orgID && s.BeaconMinor == minor && s.IsActive(r.now()) {
			return true, nil
		}
	}
	return false, nil
}

func (r memSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.AttendanceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &model.AttendanceSession{
		ID:           r.nextID("session"),
		OrgID:        params.OrgID,
		SessionToken: params.SessionToken,
		BeaconMinor:  params.BeaconMinor,
		EventTitle:   params.EventTitle,
		CreatedBy:    params.CreatedBy,
		StartsAt:     params.StartsAt,
		ExpiresAt:    params.ExpiresAt,
		CreatedAt:    r.now(),
	}
	r.sessions[params.SessionToken] = s
	c := *s
	return &c, nil
}

func (r memSessionRepo) MarkStopped(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id && s.StoppedAt == nil {
			now := r.now()
			s.StoppedAt = &now
		}
	}
	return nil
}

func (r memSessionRepo) DeleteAbandoned(ctx context.Context, expiredBefore time.Time) (int64, error) {
	return 0, nil
}

func (r memSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository {
	return r
}

type memAttendanceRepo struct{ *memStore }

func (r memAttendanceRepo) Create(ctx context.Context, params model.CreateAttendanceParams) (*model.AttendanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := params.SessionID + "/" + params.MemberID
	if _, ok := r.attendance[key]; ok {
		return nil, nil
	}
	rec := model.AttendanceRecord{
		ID:          r.nextID("attendance"),
		SessionID:   params.SessionID,
		OrgID:       params.OrgID,
		MemberID:    params.MemberID,
		Method:      params.Method,
		CheckedInAt: r.now(),
	}
	r.attendance[key] = rec
	return &rec, nil
}

func (r memAttendanceRepo) FindBySessionAndMember(ctx context.Context, sessionID, memberID string) (*model.AttendanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.attendance[sessionID+"/"+memberID]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (r memAttendanceRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.attendance {
		if rec.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (r memAttendanceRepo) WithTx(tx *sqlx.Tx) repository.AttendanceRepository {
	return r
}

type memGuard struct{ *memStore }

func (g memGuard) Acquire(ctx context.Context, sessionID, memberID string, window time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := sessionID + "/" + memberID
	if until, ok := g.guards[key]; ok && g.now().Before(until) {
		return false, nil
	}
	g.guards[key] = g.now().Add(window)
	return true, nil
}

func (g memGuard) Release(ctx context.Context, sessionID, memberID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.guards, sessionID+"/"+memberID)
	return nil
}
