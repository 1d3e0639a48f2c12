package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mux-run/mux/internal/db/dialect"
	"github.com/mux-run/mux/internal/workspace"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// WorkspaceStore is the sqlx-backed workspace.Store implementation:
// workspace metadata lives in a single `workspaces` table, with the
// discriminated RuntimeConfig and optional AISettings stored as JSON
// columns. Plain SQL, db.Rebind for dialect-portable placeholders, and a
// manual initSchema rather than a migration framework.
type WorkspaceStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ workspace.Store = (*WorkspaceStore)(nil)

// NewWorkspaceStore wraps an already-open writer/reader pair and ensures
// the workspaces table exists.
func NewWorkspaceStore(writer, reader *sqlx.DB) (*WorkspaceStore, error) {
	s := &WorkspaceStore{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace schema: %w", err)
	}
	return s, nil
}

func (s *WorkspaceStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		project_name TEXT NOT NULL,
		project_path TEXT NOT NULL,
		runtime_config TEXT NOT NULL,
		ai_settings TEXT,
		trunk_branch TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(project_path, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *WorkspaceStore) Create(ctx context.Context, meta v1.WorkspaceMetadata) error {
	runtimeConfig, aiSettings, err := marshalWorkspaceMetadata(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workspaces (id, name, project_name, project_path, runtime_config, ai_settings, trunk_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), meta.ID, meta.Name, meta.ProjectName, meta.ProjectPath, runtimeConfig, aiSettings, meta.TrunkBranch, meta.CreatedAt, meta.UpdatedAt)
	return err
}

func (s *WorkspaceStore) Get(ctx context.Context, id string) (v1.WorkspaceMetadata, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, name, project_name, project_path, runtime_config, ai_settings, trunk_branch, created_at, updated_at
		FROM workspaces WHERE id = ?
	`), id)
	return scanWorkspace(row)
}

func (s *WorkspaceStore) GetByProjectAndName(ctx context.Context, projectPath, name string) (v1.WorkspaceMetadata, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, name, project_name, project_path, runtime_config, ai_settings, trunk_branch, created_at, updated_at
		FROM workspaces WHERE project_path = ? AND name = ?
	`), projectPath, name)
	return scanWorkspace(row)
}

func (s *WorkspaceStore) Update(ctx context.Context, meta v1.WorkspaceMetadata) error {
	runtimeConfig, aiSettings, err := marshalWorkspaceMetadata(meta)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces
		SET name = ?, project_name = ?, project_path = ?, runtime_config = ?, ai_settings = ?, trunk_branch = ?, updated_at = ?
		WHERE id = ?
	`), meta.Name, meta.ProjectName, meta.ProjectPath, runtimeConfig, aiSettings, meta.TrunkBranch, meta.UpdatedAt, meta.ID)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (s *WorkspaceStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (s *WorkspaceStore) List(ctx context.Context) ([]v1.WorkspaceMetadata, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, name, project_name, project_path, runtime_config, ai_settings, trunk_branch, created_at, updated_at
		FROM workspaces ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []v1.WorkspaceMetadata
	for rows.Next() {
		meta, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func requireRowsAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workspace.ErrNotFound
	}
	return nil
}

func marshalWorkspaceMetadata(meta v1.WorkspaceMetadata) (runtimeConfig string, aiSettings sql.NullString, err error) {
	rcBytes, err := json.Marshal(meta.RuntimeConfig)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("marshal runtime config: %w", err)
	}
	runtimeConfig = string(rcBytes)

	if meta.AISettings != nil {
		aiBytes, err := json.Marshal(meta.AISettings)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("marshal ai settings: %w", err)
		}
		aiSettings = sql.NullString{String: string(aiBytes), Valid: true}
	}
	return runtimeConfig, aiSettings, nil
}

func scanWorkspace(scanner interface{ Scan(dest ...any) error }) (v1.WorkspaceMetadata, error) {
	var (
		meta          v1.WorkspaceMetadata
		runtimeConfig string
		aiSettings    sql.NullString
		trunkBranch   sql.NullString
		createdAt     time.Time
		updatedAt     time.Time
	)
	if err := scanner.Scan(&meta.ID, &meta.Name, &meta.ProjectName, &meta.ProjectPath,
		&runtimeConfig, &aiSettings, &trunkBranch, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v1.WorkspaceMetadata{}, workspace.ErrNotFound
		}
		return v1.WorkspaceMetadata{}, err
	}

	if err := json.Unmarshal([]byte(runtimeConfig), &meta.RuntimeConfig); err != nil {
		return v1.WorkspaceMetadata{}, fmt.Errorf("unmarshal runtime config: %w", err)
	}
	if aiSettings.Valid && aiSettings.String != "" {
		var settings v1.AISettings
		if err := json.Unmarshal([]byte(aiSettings.String), &settings); err != nil {
			return v1.WorkspaceMetadata{}, fmt.Errorf("unmarshal ai settings: %w", err)
		}
		meta.AISettings = &settings
	}
	meta.TrunkBranch = trunkBranch.String
	meta.CreatedAt = createdAt
	meta.UpdatedAt = updatedAt
	return meta, nil
}

// ListByRuntimeKind returns every workspace whose runtime config discriminant
// matches kind, e.g. for an admin tool auditing how many workspaces are
// SSH-backed before a connection-pool capacity change.
func (s *WorkspaceStore) ListByRuntimeKind(ctx context.Context, kind v1.RuntimeKind) ([]v1.WorkspaceMetadata, error) {
	extract := dialect.JSONExtract(s.ro.DriverName(), "runtime_config", "kind")
	query := fmt.Sprintf(`
		SELECT id, name, project_name, project_path, runtime_config, ai_settings, trunk_branch, created_at, updated_at
		FROM workspaces WHERE %s = ?
		ORDER BY created_at ASC
	`, extract)
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), string(kind))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []v1.WorkspaceMetadata
	for rows.Next() {
		meta, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}
