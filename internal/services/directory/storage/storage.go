// Package storage defines persistence interfaces for the directory service.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a membership row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a write collides with existing state.
var ErrConflict = errors.New("write conflict")

// MemberRecord is one org membership row. The (org_id, user_id) pair is
// unique; the role is stored as the raw provider value.
type MemberRecord struct {
	OrgID       string
	UserID      string
	DisplayName string
	Role        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MemberStore persists org memberships.
type MemberStore interface {
	// PutMember upserts one membership keyed on (org_id, user_id).
	PutMember(ctx context.Context, record MemberRecord) error
	// GetMember loads the membership for one (org, user) pair.
	GetMember(ctx context.Context, orgID string, userID string) (MemberRecord, error)
	// ListMembers lists an org's memberships ordered by user id.
	ListMembers(ctx context.Context, orgID string) ([]MemberRecord, error)
	// DeleteMember removes the membership for one (org, user) pair.
	DeleteMember(ctx context.Context, orgID string, userID string) error
}

// Store is the full persistence surface for the directory service.
type Store interface {
	MemberStore
}
