package store

import (
	"context"
	"database/sql"
	"errors"
)

// Admin roles checked by the admin routes.
const (
	RoleCreditGrant = "credit_grant"
	RoleReconcile   = "reconcile"
	RoleAuditRead   = "audit_read"
	RoleProvision   = "provision"
)

var AdminRoles = []string{RoleCreditGrant, RoleReconcile, RoleAuditRead, RoleProvision}

func ValidRole(role string) bool {
	for _, known := range AdminRoles {
		if role == known {
			return true
		}
	}
	return false
}

type AdminStore struct {
	db DB
}

func NewAdminStore(db DB) *AdminStore {
	return &AdminStore{db: db}
}

// IsAdmin reports whether principalID is an admin and whether it is a super admin.
func (s *AdminStore) IsAdmin(ctx context.Context, principalID string) (bool, bool, error) {
	var isSuper bool
	err := s.db.GetContext(ctx, &isSuper, `
		SELECT is_super
		FROM admins
		WHERE user_id = $1
	`, principalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, isSuper, nil
}

func (s *AdminStore) HasRole(ctx context.Context, principalID, role string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(1)
		FROM admin_roles
		WHERE admin_user_id = $1 AND role = $2
	`, principalID, role)
	return count > 0, err
}

func (s *AdminStore) Roles(ctx context.Context, principalID string) ([]string, error) {
	var roles []string
	err := s.db.SelectContext(ctx, &roles, `
		SELECT role
		FROM admin_roles
		WHERE admin_user_id = $1
		ORDER BY role
	`, principalID)
	return roles, err
}

func (s *AdminStore) CreateAdmin(ctx context.Context, tx Execer, principalID string, isSuper bool, createdBy string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO admins (user_id, is_super, created_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, principalID, isSuper, nullString(createdBy))
	return err
}

func (s *AdminStore) GrantRole(ctx context.Context, tx Execer, principalID, role string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO admin_roles (admin_user_id, role)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, principalID, role)
	return err
}

func (s *AdminStore) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM admins`)
	return count > 0, err
}
