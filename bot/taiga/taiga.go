// Package taiga reads billable tasks and project data from the Taiga
// database, joining the per-project tracking fields kept in
// bpm_project_settings and the CRM identity mapping in bpm_users.
package taiga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// ErrNoSettings is returned when the bpm_settings table has no complete
// connector configuration.
var ErrNoSettings = errors.New("taiga: creatio settings not found")

// Project is one selectable Taiga project.
type Project struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

// Task is one billable task eligible for receipt creation. BPMUserGUID is
// empty when the assignee has no CRM identity mapping.
type Task struct {
	ID           int64
	Ref          int64
	Subject      string
	AssignedToID int64
	UserFullName string
	BPMUserGUID  string
	DeskGUID     string
	Hours        float64
	Minutes      float64
	URL          string
}

// Settings is the CRM connector configuration kept in bpm_settings.
type Settings struct {
	URL        string `db:"url"`
	User       string `db:"user"`
	Password   string `db:"pass"`
	APIVersion string `db:"api_version"`
}

type taskRow struct {
	ID           int64          `db:"id"`
	Ref          int64          `db:"ref"`
	Subject      string         `db:"subject"`
	AssignedToID sql.NullInt64  `db:"assigned_to_id"`
	UserFullName sql.NullString `db:"user_full_name"`
	BPMUserGUID  sql.NullString `db:"user_bpm_guid"`
	DeskGUID     sql.NullString `db:"desk_bpm_guid"`
	Hours        sql.NullString `db:"hours"`
	Minutes      sql.NullString `db:"minutes"`
	ProjectSlug  string         `db:"project_slug"`
}

// Repo queries the Taiga side of the primary database.
type Repo struct {
	db   *sqlx.DB
	host string
}

// NewRepo builds a Repo. host is the Taiga web root used for task deep links.
func NewRepo(db *sqlx.DB, host string) *Repo {
	return &Repo{db: db, host: host}
}

// Projects lists every project, ordered by name for stable menus.
func (r *Repo) Projects(ctx context.Context) ([]Project, error) {
	var projects []Project
	query := `SELECT id, name FROM projects_project ORDER BY name`
	if err := r.db.SelectContext(ctx, &projects, query); err != nil {
		return nil, fmt.Errorf("taiga: list projects: %w", err)
	}
	return projects, nil
}

// BillableTasks returns the tasks of a project sitting in its configured
// to-pay status, with tracked time pulled out of the JSON custom-attribute
// blob by the per-project field ids.
func (r *Repo) BillableTasks(ctx context.Context, projectID int64) ([]Task, error) {
	query := `
		SELECT
			task.id,
			task.ref,
			task.subject,
			task.assigned_to_id,
			assignee.full_name AS user_full_name,
			assigned_bpm_user.guid AS user_bpm_guid,
			fields.desk_guid AS desk_bpm_guid,
			attr.attributes_values::json ->> fields.tracked_hours_id::text AS hours,
			attr.attributes_values::json ->> fields.tracked_minutes_id::text AS minutes,
			project.slug AS project_slug
		FROM tasks_task AS task
			INNER JOIN custom_attributes_taskcustomattributesvalues AS attr
				ON attr.task_id = task.id
			INNER JOIN projects_project AS project
				ON project.id = task.project_id
			LEFT JOIN bpm_project_settings AS fields
				ON fields.project_id = task.project_id
			LEFT JOIN bpm_users AS assigned_bpm_user
				ON assigned_bpm_user.user_id = task.assigned_to_id
			LEFT JOIN users_user AS assignee
				ON assignee.id = task.assigned_to_id
		WHERE task.status_id = fields.topay_status_id
			AND task.project_id = $1
		ORDER BY task.ref
	`
	var rows []taskRow
	if err := r.db.SelectContext(ctx, &rows, query, projectID); err != nil {
		return nil, fmt.Errorf("taiga: billable tasks for project %d: %w", projectID, err)
	}
	tasks := make([]Task, 0, len(rows))
	for _, row := range rows {
		t := Task{
			ID:           row.ID,
			Ref:          row.Ref,
			Subject:      row.Subject,
			AssignedToID: row.AssignedToID.Int64,
			UserFullName: row.UserFullName.String,
			BPMUserGUID:  row.BPMUserGUID.String,
			DeskGUID:     row.DeskGUID.String,
			URL:          fmt.Sprintf("%s/project/%s/task/%d", r.host, row.ProjectSlug, row.Ref),
		}
		var err error
		if t.Hours, err = parseTracked(row.Hours); err != nil {
			return nil, fmt.Errorf("taiga: task %d tracked hours: %w", row.ID, err)
		}
		if t.Minutes, err = parseTracked(row.Minutes); err != nil {
			return nil, fmt.Errorf("taiga: task %d tracked minutes: %w", row.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// parseTracked converts a JSON custom-attribute value to a float. Upstream
// stores these as either numbers or strings, and unset fields come back NULL.
func parseTracked(v sql.NullString) (float64, error) {
	if !v.Valid || v.String == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v.String, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", v.String, err)
	}
	return f, nil
}

// CreatioSettings reads the CRM connector configuration from bpm_settings.
func (r *Repo) CreatioSettings(ctx context.Context) (*Settings, error) {
	query := `
		SELECT
			url_settings.value AS url,
			user_settings.value AS "user",
			pass_settings.value AS pass,
			api_settings.value AS api_version
		FROM
			bpm_settings AS url_settings,
			bpm_settings AS user_settings,
			bpm_settings AS pass_settings,
			bpm_settings AS api_settings
		WHERE
			url_settings."key" = 'bpm_url'
			AND user_settings."key" = 'bpm_user'
			AND pass_settings."key" = 'bpm_password'
			AND api_settings."key" = 'bpm_version'
	`
	var s Settings
	if err := r.db.GetContext(ctx, &s, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSettings
		}
		return nil, fmt.Errorf("taiga: creatio settings: %w", err)
	}
	return &s, nil
}

// CloseBillableTasks moves every to-pay task of the project to its finished
// status in one statement and reports how many rows changed.
func (r *Repo) CloseBillableTasks(ctx context.Context, projectID int64) (int64, error) {
	query := `
		UPDATE tasks_task t
		SET status_id = ps.task_finished_status_id
		FROM bpm_project_settings ps
		WHERE ps.project_id = t.project_id
			AND t.status_id = ps.topay_status_id
			AND t.project_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, projectID)
	if err != nil {
		return 0, fmt.Errorf("taiga: close billable tasks for project %d: %w", projectID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("taiga: close billable tasks for project %d: %w", projectID, err)
	}
	return affected, nil
}
