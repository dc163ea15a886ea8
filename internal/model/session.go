package model

import (
	"time"
)

// AttendanceSession is one officer-initiated attendance window. Rows are never
// updated except for stopped_at; expiry is read from expires_at.
type AttendanceSession struct {
	ID           string     `db:"id" json:"id"`
	OrgID        string     `db:"org_id" json:"orgId"`
	SessionToken string     `db:"session_token" json:"sessionToken"`
	BeaconMinor  int        `db:"beacon_minor" json:"beaconMinor"`
	EventTitle   string     `db:"event_title" json:"eventTitle"`
	CreatedBy    string     `db:"created_by" json:"createdBy"`
	StartsAt     time.Time  `db:"starts_at" json:"startsAt"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expiresAt"`
	StoppedAt    *time.Time `db:"stopped_at" json:"stoppedAt,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
}

// State derives the lifecycle state at now.
func (s *AttendanceSession) State(now time.Time) SessionState {
	switch {
	case s.StoppedAt != nil:
		return SessionStateStopped
	case !now.Before(s.ExpiresAt):
		return SessionStateExpired
	default:
		return SessionStateActive
	}
}

func (s *AttendanceSession) IsActive(now time.Time) bool {
	return s.State(now) == SessionStateActive
}

type CreateSessionParams struct {
	OrgID        string
	SessionToken string
	BeaconMinor  int
	EventTitle   string
	CreatedBy    string
	StartsAt     time.Time
	ExpiresAt    time.Time
}

// ResolvedSession is the caller-facing view of a session looked up by token
// or beacon. Expired sessions resolve too; IsValid tells them apart.
type ResolvedSession struct {
	EventID      string    `json:"event_id"`
	EventTitle   string    `json:"event_title"`
	OrgID        string    `json:"org_id"`
	SessionToken string    `json:"session_token"`
	StartsAt     time.Time `json:"starts_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsValid      bool      `json:"is_valid"`
	Status       string    `json:"status"`
}

// NewResolvedSession projects a session row at now.
func NewResolvedSession(s *AttendanceSession, now time.Time) *ResolvedSession {
	state := s.State(now)
	return &ResolvedSession{
		EventID:      s.ID,
		EventTitle:   s.EventTitle,
		OrgID:        s.OrgID,
		SessionToken: s.SessionToken,
		StartsAt:     s.StartsAt,
		ExpiresAt:    s.ExpiresAt,
		IsValid:      state == SessionStateActive,
		Status:       string(state),
	}
}
