package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

// History keeps an audit trail of deployment outcomes in SQLite.
type History struct {
	db *sql.DB
}

// NewHistory opens (or creates) the history database at dbPath.
func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", dbPath))
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to initialize schema", goerr.V("path", dbPath))
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS deployments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			project TEXT NOT NULL,
			branch TEXT NOT NULL,
			ref TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			exit_code INTEGER,
			commit_hash TEXT,
			delivery_id TEXT,
			error_message TEXT,
			output TEXT
		)
	`)
	if err != nil {
		return goerr.Wrap(err, "failed to create table")
	}

	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_project_id
		ON deployments(project, id DESC)
	`)
	if err != nil {
		return goerr.Wrap(err, "failed to create index")
	}

	return nil
}

// RecordDeployment stores record and returns its row id.
func (h *History) RecordDeployment(ctx context.Context, record *DeploymentRecord) (int64, error) {
	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	var completedAt *string
	if record.CompletedAt != nil {
		formatted := record.CompletedAt.UTC().Format(time.RFC3339Nano)
		completedAt = &formatted
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO deployments
		(task_id, project, branch, ref, status, started_at, completed_at,
		 duration_seconds, exit_code, commit_hash, delivery_id, error_message, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.TaskID,
		record.Project,
		record.Branch,
		record.Ref,
		record.Status,
		startedAt.UTC().Format(time.RFC3339Nano),
		completedAt,
		record.DurationSeconds,
		record.ExitCode,
		record.CommitHash,
		record.DeliveryID,
		record.ErrorMessage,
		record.Output,
	)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to insert deployment record", goerr.V("project", record.Project))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, goerr.Wrap(err, "failed to get last insert ID")
	}

	return id, nil
}

const selectColumns = `
	SELECT id, task_id, project, branch, ref, status, started_at, completed_at,
	       duration_seconds, exit_code, commit_hash, delivery_id, error_message, output
	FROM deployments`

// GetLatestDeployment returns the most recent deployment for a project, or
// nil if there is none.
func (h *History) GetLatestDeployment(ctx context.Context, project string) (*DeploymentRecord, error) {
	row := h.db.QueryRowContext(ctx, selectColumns+`
		WHERE project = ?
		ORDER BY id DESC
		LIMIT 1
	`, project)

	record, err := scanDeploymentRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query latest deployment", goerr.V("project", project))
	}

	return record, nil
}

// GetDeploymentHistory returns up to limit deployments for a project, newest first.
func (h *History) GetDeploymentHistory(ctx context.Context, project string, limit int) ([]DeploymentRecord, error) {
	rows, err := h.db.QueryContext(ctx, selectColumns+`
		WHERE project = ?
		ORDER BY id DESC
		LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query deployment history", goerr.V("project", project))
	}
	defer rows.Close()

	return collect(rows)
}

// GetRecent returns up to limit deployments across all projects, newest first.
func (h *History) GetRecent(ctx context.Context, limit int) ([]DeploymentRecord, error) {
	rows, err := h.db.QueryContext(ctx, selectColumns+`
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query recent deployments")
	}
	defer rows.Close()

	return collect(rows)
}

// GetAllProjectsStatus returns the latest deployment for each project.
func (h *History) GetAllProjectsStatus(ctx context.Context) (map[string]*DeploymentRecord, error) {
	rows, err := h.db.QueryContext(ctx, selectColumns+`
		WHERE id IN (SELECT MAX(id) FROM deployments GROUP BY project)
	`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query all projects status")
	}
	defer rows.Close()

	records, err := collect(rows)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*DeploymentRecord, len(records))
	for i := range records {
		result[records[i].Project] = &records[i]
	}
	return result, nil
}

// GetStatus builds the status payload for one project.
func (h *History) GetStatus(ctx context.Context, project string, limit int) (*DeploymentStatus, error) {
	records, err := h.GetDeploymentHistory(ctx, project, limit)
	if err != nil {
		return nil, err
	}

	status := &DeploymentStatus{
		Project:       project,
		RecentHistory: records,
	}
	if status.RecentHistory == nil {
		status.RecentHistory = []DeploymentRecord{}
	}
	if len(records) > 0 {
		latest := records[0]
		status.LatestDeployment = &latest
	}
	return status, nil
}

func collect(rows *sql.Rows) ([]DeploymentRecord, error) {
	var records []DeploymentRecord
	for rows.Next() {
		record, err := scanDeploymentRecord(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan deployment record")
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "error iterating rows")
	}

	return records, nil
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeploymentRecord(s scanner) (*DeploymentRecord, error) {
	var record DeploymentRecord
	var startedAtStr string
	var completedAtStr sql.NullString
	var exitCode sql.NullInt64

	err := s.Scan(
		&record.ID,
		&record.TaskID,
		&record.Project,
		&record.Branch,
		&record.Ref,
		&record.Status,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&exitCode,
		&record.CommitHash,
		&record.DeliveryID,
		&record.ErrorMessage,
		&record.Output,
	)
	if err != nil {
		return nil, err
	}

	startedAt, err := time.Parse(time.RFC3339Nano, startedAtStr)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse started_at timestamp")
	}
	record.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339Nano, completedAtStr.String)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to parse completed_at timestamp")
		}
		record.CompletedAt = &completedAt
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		record.ExitCode = &code
	}

	return &record, nil
}
