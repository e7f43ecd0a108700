// Package sqlite provides SQLite-backed persistence for the directory service.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/taskroom/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/taskroom/internal/services/directory/storage"
	"github.com/louisbranch/taskroom/internal/services/directory/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for org memberships.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a directory SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

// PutMember upserts one membership row keyed on the (org_id, user_id) primary
// key; a colliding insert updates the existing row instead of producing a
// second one.
func (s *Store) PutMember(ctx context.Context, record storage.MemberRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeMemberRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
	INSERT INTO org_members (
		org_id, user_id, display_name, role, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(org_id, user_id) DO UPDATE SET
		display_name = excluded.display_name,
		role = excluded.role,
		updated_at = excluded.updated_at
	`,
		normalized.OrgID,
		normalized.UserID,
		normalized.DisplayName,
		normalized.Role,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

// GetMember loads the membership for one (org, user) pair.
func (s *Store) GetMember(ctx context.Context, orgID string, userID string) (storage.MemberRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MemberRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MemberRecord{}, fmt.Errorf("storage is not configured")
	}
	orgID = strings.TrimSpace(orgID)
	userID = strings.TrimSpace(userID)
	if orgID == "" {
		return storage.MemberRecord{}, fmt.Errorf("org id is required")
	}
	if userID == "" {
		return storage.MemberRecord{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT org_id, user_id, display_name, role, created_at, updated_at
FROM org_members
WHERE org_id = ? AND user_id = ?
`, orgID, userID)
	record, err := scanMember(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MemberRecord{}, storage.ErrNotFound
		}
		return storage.MemberRecord{}, fmt.Errorf("get member: %w", err)
	}
	return record, nil
}

// ListMembers lists an org's memberships ordered by user id.
func (s *Store) ListMembers(ctx context.Context, orgID string) ([]storage.MemberRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("org id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT org_id, user_id, display_name, role, created_at, updated_at
FROM org_members
WHERE org_id = ?
ORDER BY user_id ASC
`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var results []storage.MemberRecord
	for rows.Next() {
		record, scanErr := scanMember(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan member row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}
	return results, nil
}

// DeleteMember removes the membership for one (org, user) pair.
func (s *Store) DeleteMember(ctx context.Context, orgID string, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	orgID = strings.TrimSpace(orgID)
	userID = strings.TrimSpace(userID)
	if orgID == "" {
		return fmt.Errorf("org id is required")
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM org_members
WHERE org_id = ? AND user_id = ?
`, orgID, userID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete member rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type scanner func(dest ...any) error

func normalizeMemberRecord(record storage.MemberRecord) (storage.MemberRecord, error) {
	record.OrgID = strings.TrimSpace(record.OrgID)
	record.UserID = strings.TrimSpace(record.UserID)
	record.DisplayName = strings.TrimSpace(record.DisplayName)
	record.Role = strings.TrimSpace(record.Role)
	if record.OrgID == "" {
		return storage.MemberRecord{}, fmt.Errorf("org id is required")
	}
	if record.UserID == "" {
		return storage.MemberRecord{}, fmt.Errorf("user id is required")
	}
	if record.Role == "" {
		return storage.MemberRecord{}, fmt.Errorf("member role is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.MemberRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return storage.MemberRecord{}, fmt.Errorf("updated_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func scanMember(scan scanner) (storage.MemberRecord, error) {
	var record storage.MemberRecord
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.OrgID,
		&record.UserID,
		&record.DisplayName,
		&record.Role,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.MemberRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}
