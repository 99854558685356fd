// Package store provides the bot-side repositories: durable users, report
// definitions, and role-based grants on reports and commands.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrReportNotFound is returned when a report id has no row.
var ErrReportNotFound = errors.New("store: report not found")

// Store wraps the primary database connection.
type Store struct {
	db *sqlx.DB
}

// New constructs a Store over an established connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// MenuItem is an id/name pair rendered as one inline keyboard button.
type MenuItem struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

// Report is a stored report definition.
// Slug is used for generated file naming, Engine selects the output format.
type Report struct {
	ID     int64  `db:"id"`
	Name   string `db:"name"`
	Query  string `db:"report_query"`
	Engine string `db:"report_engine"`
	Slug   string `db:"slug"`
}

// User is the durable per-telegram-id record.
type User struct {
	TelegramID int64  `db:"telegram_id"`
	Name       string `db:"name"`
	FullName   string `db:"full_name"`
	JSONDump   []byte `db:"json_dump"`
}

// UpsertUser inserts or refreshes the durable user row, keeping a JSON
// snapshot of the conversation session at upsert time.
func (s *Store) UpsertUser(ctx context.Context, telegramID int64, name, fullName string, snapshot any) error {
	dump, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("store: encode user snapshot: %w", err)
	}
	query := `
		INSERT INTO bot_users (telegram_id, name, full_name, json_dump)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (telegram_id) DO UPDATE
		SET json_dump = $4, name = $2, full_name = $3
	`
	if _, err := s.db.ExecContext(ctx, query, telegramID, name, fullName, dump); err != nil {
		return fmt.Errorf("store: upsert user %d: %w", telegramID, err)
	}
	return nil
}

// DeleteUser removes the durable user row. Only the test harness calls this.
func (s *Store) DeleteUser(ctx context.Context, telegramID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bot_users WHERE telegram_id = $1`, telegramID); err != nil {
		return fmt.Errorf("store: delete user %d: %w", telegramID, err)
	}
	return nil
}

// TelegramIDsByRole lists the telegram ids of every user holding a role.
func (s *Store) TelegramIDsByRole(ctx context.Context, roleID int64) ([]int64, error) {
	query := `
		SELECT u.telegram_id
		FROM bot_users u
		JOIN bot_user_roles ur ON ur.user_id = u.id
		WHERE ur.role_id = $1
		ORDER BY u.telegram_id
	`
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, roleID); err != nil {
		return nil, fmt.Errorf("store: users by role %d: %w", roleID, err)
	}
	return ids, nil
}

// AllowedReports lists the reports granted to the user through any of their
// roles. Two roles granting the same report yield a single row.
func (s *Store) AllowedReports(ctx context.Context, telegramID int64) ([]MenuItem, error) {
	query := `
		SELECT DISTINCT r.id, r."name"
		FROM bot_reports r
		JOIN bot_roles_reports rr ON rr.report_id = r.id
		JOIN bot_user_roles ur ON ur.role_id = rr.role_id
		JOIN bot_users u ON u.id = ur.user_id
		WHERE u.telegram_id = $1
		ORDER BY r.id
	`
	var items []MenuItem
	if err := s.db.SelectContext(ctx, &items, query, telegramID); err != nil {
		return nil, fmt.Errorf("store: allowed reports for %d: %w", telegramID, err)
	}
	return items, nil
}

// AllowedCommands lists the commands granted to the user through any of
// their roles.
func (s *Store) AllowedCommands(ctx context.Context, telegramID int64) ([]MenuItem, error) {
	query := `
		SELECT DISTINCT c.id, c."name"
		FROM bot_commands c
		JOIN bot_roles_commands rc ON rc.command_id = c.id
		JOIN bot_user_roles ur ON ur.role_id = rc.role_id
		JOIN bot_users u ON u.id = ur.user_id
		WHERE u.telegram_id = $1
		ORDER BY c.id
	`
	var items []MenuItem
	if err := s.db.SelectContext(ctx, &items, query, telegramID); err != nil {
		return nil, fmt.Errorf("store: allowed commands for %d: %w", telegramID, err)
	}
	return items, nil
}

// AllReports lists every report for admin editing.
func (s *Store) AllReports(ctx context.Context) ([]MenuItem, error) {
	var items []MenuItem
	if err := s.db.SelectContext(ctx, &items, `SELECT id, "name" FROM bot_reports ORDER BY id`); err != nil {
		return nil, fmt.Errorf("store: list reports: %w", err)
	}
	return items, nil
}

// ReportByID fetches a full report definition.
func (s *Store) ReportByID(ctx context.Context, id int64) (*Report, error) {
	var r Report
	query := `SELECT id, "name", report_query, report_engine, slug FROM bot_reports WHERE id = $1`
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("store: report %d: %w", id, err)
	}
	return &r, nil
}

// UpdateReportQuery replaces the stored query of a report.
func (s *Store) UpdateReportQuery(ctx context.Context, id int64, reportQuery string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE bot_reports SET report_query = $1 WHERE id = $2`, reportQuery, id); err != nil {
		return fmt.Errorf("store: update report query %d: %w", id, err)
	}
	return nil
}

// AllowedRoles lists the roles currently granted a report.
func (s *Store) AllowedRoles(ctx context.Context, reportID int64) ([]MenuItem, error) {
	query := `
		SELECT bot_roles.id, bot_roles."name"
		FROM bot_roles
		JOIN bot_roles_reports rr ON rr.role_id = bot_roles.id
		WHERE rr.report_id = $1
		ORDER BY bot_roles.id
	`
	var items []MenuItem
	if err := s.db.SelectContext(ctx, &items, query, reportID); err != nil {
		return nil, fmt.Errorf("store: allowed roles for report %d: %w", reportID, err)
	}
	return items, nil
}

// UnallowedRoles lists the roles not yet granted a report.
func (s *Store) UnallowedRoles(ctx context.Context, reportID int64) ([]MenuItem, error) {
	query := `
		SELECT id, "name"
		FROM bot_roles
		WHERE id NOT IN (
			SELECT role_id
			FROM bot_roles_reports
			WHERE report_id = $1)
		ORDER BY id
	`
	var items []MenuItem
	if err := s.db.SelectContext(ctx, &items, query, reportID); err != nil {
		return nil, fmt.Errorf("store: unallowed roles for report %d: %w", reportID, err)
	}
	return items, nil
}

// AddGrant inserts a role-to-report permission row.
func (s *Store) AddGrant(ctx context.Context, roleID, reportID int64) error {
	query := `INSERT INTO bot_roles_reports (role_id, report_id) VALUES ($1, $2)`
	if _, err := s.db.ExecContext(ctx, query, roleID, reportID); err != nil {
		return fmt.Errorf("store: add grant role=%d report=%d: %w", roleID, reportID, err)
	}
	return nil
}

// RemoveGrant deletes a role-to-report permission row.
func (s *Store) RemoveGrant(ctx context.Context, roleID, reportID int64) error {
	query := `DELETE FROM bot_roles_reports WHERE role_id = $1 AND report_id = $2`
	if _, err := s.db.ExecContext(ctx, query, roleID, reportID); err != nil {
		return fmt.Errorf("store: remove grant role=%d report=%d: %w", roleID, reportID, err)
	}
	return nil
}

// SeedDefaults makes a fresh install administrable: an admin role exists and
// holds every command, so the operator only has to attach their user to it.
func (s *Store) SeedDefaults(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_roles ("name") VALUES ('admin')
		ON CONFLICT ("name") DO NOTHING`); err != nil {
		return fmt.Errorf("store: seed admin role: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_roles_commands (role_id, command_id)
		SELECT r.id, c.id
		FROM bot_roles r, bot_commands c
		WHERE r."name" = 'admin'
		ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("store: seed admin command grants: %w", err)
	}
	return nil
}
