package txstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/croanalysis/core/pkg/svcerr"
	"github.com/jmoiron/sqlx"
)

// ProjectRepo persists Project rows. Deletion cascades to connectors,
// surveys, feedback analyses and CRO reports via foreign-key ON DELETE
// CASCADE (§3 "Ownership").
type ProjectRepo struct {
	db *sqlx.DB
}

// Create inserts a new project and returns it with server-assigned fields.
func (r *ProjectRepo) Create(ctx context.Context, name string, description *string) (*Project, error) {
	if name == "" {
		return nil, svcerr.NewValidationError("name", "required")
	}

	var p Project
	err := r.db.GetContext(ctx, &p, `
		INSERT INTO projects (name, description)
		VALUES ($1, $2)
		RETURNING id, name, description, created_at
	`, name, description)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}

// Get fetches a project by id.
func (r *ProjectRepo) Get(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := r.db.GetContext(ctx, &p, `
		SELECT id, name, description, created_at FROM projects WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// List returns every project, newest first.
func (r *ProjectRepo) List(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := r.db.SelectContext(ctx, &projects, `
		SELECT id, name, description, created_at FROM projects ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// Update modifies a project's mutable fields.
func (r *ProjectRepo) Update(ctx context.Context, id, name string, description *string) (*Project, error) {
	if name == "" {
		return nil, svcerr.NewValidationError("name", "required")
	}

	var p Project
	err := r.db.GetContext(ctx, &p, `
		UPDATE projects SET name = $2, description = $3
		WHERE id = $1
		RETURNING id, name, description, created_at
	`, id, name, description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	return &p, nil
}

// Delete removes a project; cascades handle child rows and the caller is
// responsible for removing the connector's columnar store directories
// first (the transactional store has no knowledge of the filesystem).
func (r *ProjectRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n == 0 {
		return svcerr.ErrNotFound
	}
	return nil
}
