package assignment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store persists assignments.
type Store interface {
	CreateAssignment(ctx context.Context, a *Assignment) error
	GetAssignment(ctx context.Context, id string) (*Assignment, error)
	GetAssignmentByAgentID(ctx context.Context, agentID string) (*Assignment, error)
	UpdateAssignment(ctx context.Context, a *Assignment) error
	ListAssignments(ctx context.Context) ([]*Assignment, error)
	ListAssignmentsByStatus(ctx context.Context, status Status) ([]*Assignment, error)
}

// SQLiteStore implements Store using SQLite via sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite-backed assignment store and ensures
// the assignments table exists.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize assignment schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		agent_id TEXT NOT NULL DEFAULT '',
		repo_path TEXT NOT NULL DEFAULT '',
		pr_number INTEGER NOT NULL DEFAULT 0,
		pr_url TEXT NOT NULL DEFAULT '',
		merged_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_status ON assignments(status);
	CREATE INDEX IF NOT EXISTS idx_assignments_agent_id ON assignments(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateAssignment persists a new assignment record.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	if a.Status == "" {
		a.Status = StatusPending
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO assignments (
			id, title, description, base_branch, status, agent_id,
			repo_path, pr_number, pr_url, merged_at, created_at, updated_at
		) VALUES (
			:id, :title, :description, :base_branch, :status, :agent_id,
			:repo_path, :pr_number, :pr_url, :merged_at, :created_at, :updated_at
		)
	`, a)

	return err
}

// GetAssignment retrieves one assignment by id. Missing rows return nil
// without error.
func (s *SQLiteStore) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	a := &Assignment{}
	err := s.db.GetContext(ctx, a, `
		SELECT id, title, description, base_branch, status, agent_id,
		       repo_path, pr_number, pr_url, merged_at, created_at, updated_at
		FROM assignments WHERE id = ?
	`, id)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAssignmentByAgentID retrieves the assignment linked to an agent.
// Missing rows return nil without error.
func (s *SQLiteStore) GetAssignmentByAgentID(ctx context.Context, agentID string) (*Assignment, error) {
	a := &Assignment{}
	err := s.db.GetContext(ctx, a, `
		SELECT id, title, description, base_branch, status, agent_id,
		       repo_path, pr_number, pr_url, merged_at, created_at, updated_at
		FROM assignments WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, agentID)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAssignment updates an existing assignment record.
func (s *SQLiteStore) UpdateAssignment(ctx context.Context, a *Assignment) error {
	a.UpdatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE assignments SET
			title = :title, description = :description,
			base_branch = :base_branch, status = :status,
			agent_id = :agent_id, repo_path = :repo_path,
			pr_number = :pr_number, pr_url = :pr_url,
			merged_at = :merged_at, updated_at = :updated_at
		WHERE id = :id
	`, a)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("assignment not found: %s", a.ID)
	}
	return nil
}

// ListAssignments returns all assignments in creation order.
func (s *SQLiteStore) ListAssignments(ctx context.Context) ([]*Assignment, error) {
	var result []*Assignment
	err := s.db.SelectContext(ctx, &result, `
		SELECT id, title, description, base_branch, status, agent_id,
		       repo_path, pr_number, pr_url, merged_at, created_at, updated_at
		FROM assignments ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListAssignmentsByStatus returns assignments in a given status.
func (s *SQLiteStore) ListAssignmentsByStatus(ctx context.Context, status Status) ([]*Assignment, error) {
	var result []*Assignment
	err := s.db.SelectContext(ctx, &result, `
		SELECT id, title, description, base_branch, status, agent_id,
		       repo_path, pr_number, pr_url, merged_at, created_at, updated_at
		FROM assignments WHERE status = ? ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, err
	}
	return result, nil
}

var _ Store = (*SQLiteStore)(nil)
