// Package domain implements the organization directory: the membership roster
// and the role lookups the task engine authorizes against.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/louisbranch/taskroom/internal/errors"
	"github.com/louisbranch/taskroom/internal/services/directory/storage"
)

// Member is one org roster entry. The role is the raw provider value;
// consumers resolve it to their own role set.
type Member struct {
	OrgID       string
	UserID      string
	DisplayName string
	Role        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Service exposes the org membership roster.
type Service struct {
	store storage.Store
	clock func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService constructs the directory service.
func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertMemberInput describes one roster write.
type UpsertMemberInput struct {
	OrgID       string
	UserID      string
	DisplayName string
	Role        string
}

// UpsertMember adds or updates one org membership. An existing (org, user)
// pair keeps its created_at.
func (s *Service) UpsertMember(ctx context.Context, input UpsertMemberInput) (Member, error) {
	orgID := strings.TrimSpace(input.OrgID)
	userID := strings.TrimSpace(input.UserID)
	if orgID == "" {
		return Member{}, apperrors.New(apperrors.CodeMemberOrgEmpty, "org id is required")
	}
	if userID == "" {
		return Member{}, apperrors.New(apperrors.CodeMemberUserEmpty, "user id is required")
	}
	role := strings.TrimSpace(input.Role)
	if role == "" {
		role = "member"
	}

	now := s.nowUTC()
	record := storage.MemberRecord{
		OrgID:       orgID,
		UserID:      userID,
		DisplayName: strings.TrimSpace(input.DisplayName),
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, err := s.store.GetMember(ctx, orgID, userID); err == nil {
		record.CreatedAt = existing.CreatedAt
	}
	if err := s.store.PutMember(ctx, record); err != nil {
		return Member{}, storeError("upsert member", err)
	}
	return memberFromRecord(record), nil
}

// RemoveMember removes one org membership.
func (s *Service) RemoveMember(ctx context.Context, orgID string, userID string) error {
	orgID = strings.TrimSpace(orgID)
	userID = strings.TrimSpace(userID)
	if orgID == "" {
		return apperrors.New(apperrors.CodeMemberOrgEmpty, "org id is required")
	}
	if userID == "" {
		return apperrors.New(apperrors.CodeMemberUserEmpty, "user id is required")
	}
	if err := s.store.DeleteMember(ctx, orgID, userID); err != nil {
		return storeError("remove member", err)
	}
	return nil
}

// RoleOf returns the raw role for one (org, user) pair. A missing membership
// resolves to an empty role rather than an error so role checks fail closed.
func (s *Service) RoleOf(ctx context.Context, orgID string, userID string) (string, error) {
	orgID = strings.TrimSpace(orgID)
	userID = strings.TrimSpace(userID)
	if orgID == "" || userID == "" {
		return "", nil
	}
	record, err := s.store.GetMember(ctx, orgID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", storeError("role lookup", err)
	}
	return record.Role, nil
}

// Members lists an org's roster.
func (s *Service) Members(ctx context.Context, orgID string) ([]Member, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, apperrors.New(apperrors.CodeMemberOrgEmpty, "org id is required")
	}
	records, err := s.store.ListMembers(ctx, orgID)
	if err != nil {
		return nil, storeError("list members", err)
	}
	members := make([]Member, 0, len(records))
	for _, record := range records {
		members = append(members, memberFromRecord(record))
	}
	return members, nil
}

func (s *Service) nowUTC() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.Wrap(apperrors.CodeNotFound, op+": record not found", err)
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Wrap(apperrors.CodeConflict, op+": write conflict", err)
	default:
		return apperrors.Wrap(apperrors.CodeUnknown, op+" failed", err)
	}
}

func memberFromRecord(record storage.MemberRecord) Member {
	return Member{
		OrgID:       record.OrgID,
		UserID:      record.UserID,
		DisplayName: record.DisplayName,
		Role:        record.Role,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
}
