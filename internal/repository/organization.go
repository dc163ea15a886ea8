package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rollcall/ble-attendance/internal/model"
)

type OrganizationRepository interface {
	FindByID(ctx context.Context, id string) (*model.Organization, error)
	FindBySlug(ctx context.Context, slug string) (*model.Organization, error)
}

type organizationRepo struct {
	db sqlxDB
}

func NewOrganizationRepository(db *sqlx.DB) OrganizationRepository {
	return &organizationRepo{db: db}
}

func (r *organizationRepo) FindByID(ctx context.Context, id string) (*model.Organization, error) {
	var org model.Organization
	err := r.db.GetContext(ctx, &org, `
		SELECT * FROM organizations WHERE id = $1
	`, id)
	return HandleNotFound(&org, err)
}

func (r *organizationRepo) FindBySlug(ctx context.Context, slug string) (*model.Organization, error) {
	var org model.Organization
	err := r.db.GetContext(ctx, &org, `
		SELECT * FROM organizations WHERE slug = $1
	`, slug)
	return HandleNotFound(&org, err)
}

type MembershipRepository interface {
	Find(ctx context.Context, orgID, userID string) (*model.Membership, error)
	FindActiveByUser(ctx context.Context, userID string) ([]model.Membership, error)
}

type membershipRepo struct {
	db sqlxDB
}

func NewMembershipRepository(db *sqlx.DB) MembershipRepository {
	return &membershipRepo{db: db}
}

func (r *membershipRepo) Find(ctx context.Context, orgID, userID string) (*model.Membership, error) {
	var m model.Membership
	err := r.db.GetContext(ctx, &m, `
		SELECT * FROM memberships WHERE org_id = $1 AND user_id = $2
	`, orgID, userID)
	return HandleNotFound(&m, err)
}

func (r *membershipRepo) FindActiveByUser(ctx context.Context, userID string) ([]model.Membership, error) {
	var memberships []model.Membership
	err := r.db.SelectContext(ctx, &memberships, `
		SELECT * FROM memberships
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at
	`, userID)
	return memberships, err
}
