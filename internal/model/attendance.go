package model

import "time"

// AttendanceRecord is unique per (session, member).
type AttendanceRecord struct {
	ID          string           `db:"id" json:"id"`
	SessionID   string           `db:"session_id" json:"sessionId"`
	OrgID       string           `db:"org_id" json:"orgId"`
	MemberID    string           `db:"member_id" json:"memberId"`
	Method      AttendanceMethod `db:"method" json:"method"`
	CheckedInAt time.Time        `db:"checked_in_at" json:"checkedInAt"`
}

type CreateAttendanceParams struct {
	SessionID string
	OrgID     string
	MemberID  string
	Method    AttendanceMethod
}

// AttendanceResult is the outcome of a submission. Error holds one of the
// attendance tags from internal/errors when Success is false.
type AttendanceResult struct {
	Success      bool   `json:"success"`
	AttendanceID string `json:"attendance_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// NotifyResult counts notification deliveries for a session start.
type NotifyResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}
