package model

import "time"

// Organization owns sessions. Its beacon major comes from the deployment's
// slug-to-code registry, not from this row.
type Organization struct {
	ID        string    `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type Membership struct {
	OrgID     string           `db:"org_id" json:"orgId"`
	UserID    string           `db:"user_id" json:"userId"`
	Role      MemberRole       `db:"role" json:"role"`
	Status    MembershipStatus `db:"status" json:"status"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
}

func (m *Membership) IsActive() bool {
	return m != nil && m.Status == MembershipActive
}
