package model

type MemberRole string

const (
	RoleMember    MemberRole = "member"
	RoleOfficer   MemberRole = "officer"
	RolePresident MemberRole = "president"
	RoleAdvisor   MemberRole = "advisor"
	RoleAdmin     MemberRole = "admin"
)

// IsOfficer reports whether the role may run attendance sessions.
func (r MemberRole) IsOfficer() bool {
	switch r {
	case RoleOfficer, RolePresident, RoleAdvisor, RoleAdmin:
		return true
	}
	return false
}

type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipInactive MembershipStatus = "inactive"
	MembershipPending  MembershipStatus = "pending"
)

// SessionState is derived from a session row and the current time.
type SessionState string

const (
	SessionStateCreated SessionState = "created"
	SessionStateActive  SessionState = "active"
	SessionStateExpired SessionState = "expired"
	SessionStateStopped SessionState = "stopped"
)

type AttendanceMethod string

const (
	AttendanceMethodBLE    AttendanceMethod = "ble"
	AttendanceMethodManual AttendanceMethod = "manual"
)

func (m AttendanceMethod) IsValid() bool {
	return m == AttendanceMethodBLE || m == AttendanceMethodManual
}
