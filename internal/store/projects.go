package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateProject inserts a new project. pipelineJSON is the resolver's
// serialized stage list; the store treats it as opaque.
func (s *Store) CreateProject(ctx context.Context, p Project) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, path, rules, patterns, pipeline_json)
			VALUES (?, ?, ?, ?, ?);
		`, p.ID, p.Path, p.Rules, p.Patterns, p.PipelineJSON)
		if err != nil {
			return fmt.Errorf("create project %s: %w", p.ID, err)
		}
		return nil
	})
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, rules, patterns, pipeline_json, created_at, updated_at
		FROM projects WHERE id = ?;
	`, id)
	err := row.Scan(&p.ID, &p.Path, &p.Rules, &p.Patterns, &p.PipelineJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// ListProjects returns all registered projects.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, rules, patterns, pipeline_json, created_at, updated_at
		FROM projects ORDER BY created_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Path, &p.Rules, &p.Patterns, &p.PipelineJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertWorkerType creates or replaces the worker type for (project, stage).
// Used both at project registration and when a planning outcome requests
// new worker types.
func (s *Store) UpsertWorkerType(ctx context.Context, wt WorkerType) error {
	if wt.ArgsJSON == "" {
		wt.ArgsJSON = "[]"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_types (project_id, stage, command, args_json, system_prompt, permission_mode, timeout_seconds, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(project_id, stage) DO UPDATE SET
				command = excluded.command,
				args_json = excluded.args_json,
				system_prompt = excluded.system_prompt,
				permission_mode = excluded.permission_mode,
				timeout_seconds = excluded.timeout_seconds,
				updated_at = CURRENT_TIMESTAMP;
		`, wt.ProjectID, wt.Stage, wt.Command, wt.ArgsJSON, wt.SystemPrompt, wt.PermissionMode, wt.TimeoutSeconds)
		if err != nil {
			return fmt.Errorf("upsert worker type %s/%s: %w", wt.ProjectID, wt.Stage, err)
		}
		return nil
	})
}

const workerTypeSelectColumns = `
	SELECT project_id, stage, command, args_json, system_prompt, permission_mode, timeout_seconds, created_at, updated_at
	FROM worker_types`

// GetWorkerType fetches the worker type configured for (projectID, stage).
func (s *Store) GetWorkerType(ctx context.Context, projectID, stage string) (WorkerType, error) {
	var wt WorkerType
	row := s.db.QueryRowContext(ctx, workerTypeSelectColumns+` WHERE project_id = ? AND stage = ?;`, projectID, stage)
	err := row.Scan(&wt.ProjectID, &wt.Stage, &wt.Command, &wt.ArgsJSON, &wt.SystemPrompt, &wt.PermissionMode, &wt.TimeoutSeconds, &wt.CreatedAt, &wt.UpdatedAt)
	if err == sql.ErrNoRows {
		return WorkerType{}, ErrWorkerTypeNotFound
	}
	if err != nil {
		return WorkerType{}, fmt.Errorf("get worker type %s/%s: %w", projectID, stage, err)
	}
	return wt, nil
}

// ListWorkerTypes returns every worker type configured for a project.
func (s *Store) ListWorkerTypes(ctx context.Context, projectID string) ([]WorkerType, error) {
	rows, err := s.db.QueryContext(ctx, workerTypeSelectColumns+` WHERE project_id = ?;`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list worker types for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []WorkerType
	for rows.Next() {
		var wt WorkerType
		if err := rows.Scan(&wt.ProjectID, &wt.Stage, &wt.Command, &wt.ArgsJSON, &wt.SystemPrompt, &wt.PermissionMode, &wt.TimeoutSeconds, &wt.CreatedAt, &wt.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker type: %w", err)
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}
