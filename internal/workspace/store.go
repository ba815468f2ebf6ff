package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLiteStore implements Store using SQLite via sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite-backed workspace store.
// It uses the provided sqlx.DB connection and ensures the workspaces table exists.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace schema: %w", err)
	}
	return store, nil
}

// initSchema creates the workspaces table if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_workspaces_agent_id ON workspaces(agent_id);
	CREATE INDEX IF NOT EXISTS idx_workspaces_status ON workspaces(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateWorkspace persists a new workspace record.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	if ws.UpdatedAt.IsZero() {
		ws.UpdatedAt = now
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workspaces (
			id, agent_id, repo_path, path, branch, base_branch,
			status, created_at, updated_at, deleted_at
		) VALUES (
			:id, :agent_id, :repo_path, :path, :branch, :base_branch,
			:status, :created_at, :updated_at, :deleted_at
		)
	`, ws)

	return err
}

// GetWorkspaceByAgentID retrieves the most recent active workspace for an agent.
func (s *SQLiteStore) GetWorkspaceByAgentID(ctx context.Context, agentID string) (*Workspace, error) {
	ws := &Workspace{}
	err := s.db.GetContext(ctx, ws, `
		SELECT id, agent_id, repo_path, path, branch, base_branch,
		       status, created_at, updated_at, deleted_at
		FROM workspaces WHERE agent_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, agentID, StatusActive)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found, return nil without error
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// UpdateWorkspace updates an existing workspace record.
func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	ws.UpdatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE workspaces SET
			repo_path = :repo_path, path = :path, branch = :branch,
			base_branch = :base_branch, status = :status,
			updated_at = :updated_at, deleted_at = :deleted_at
		WHERE id = :id
	`, ws)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %s", ws.ID)
	}
	return nil
}

// ListActiveWorkspaces returns all workspaces with status 'active'.
func (s *SQLiteStore) ListActiveWorkspaces(ctx context.Context) ([]*Workspace, error) {
	var result []*Workspace
	err := s.db.SelectContext(ctx, &result, `
		SELECT id, agent_id, repo_path, path, branch, base_branch,
		       status, created_at, updated_at, deleted_at
		FROM workspaces WHERE status = ? ORDER BY created_at ASC
	`, StatusActive)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
