package txstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/croanalysis/core/pkg/svcerr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// ConnectorRepo persists Connector rows. The unique (project_id, kind)
// constraint enforces §3's "at most one connector per project per kind"
// invariant at the database layer; Create maps the resulting constraint
// violation to svcerr.ErrConflict (HTTP 409 per §6/§7).
type ConnectorRepo struct {
	db *sqlx.DB
}

// Create inserts a new connector for a project.
func (r *ConnectorRepo) Create(ctx context.Context, projectID string, kind ConnectorKind, cfg ConnectorConfig) (*Connector, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal connector config: %w", err)
	}

	var c Connector
	err = r.db.GetContext(ctx, &c, `
		INSERT INTO connectors (project_id, kind, config)
		VALUES ($1, $2, $3)
		RETURNING id, project_id, kind, config, last_sync_at, created_at
	`, projectID, string(kind), raw)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, svcerr.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, svcerr.ErrNotFound
		}
		return nil, fmt.Errorf("create connector: %w", err)
	}
	return &c, nil
}

// Get fetches a connector by id, scoped to its project.
func (r *ConnectorRepo) Get(ctx context.Context, projectID, id string) (*Connector, error) {
	var c Connector
	err := r.db.GetContext(ctx, &c, `
		SELECT id, project_id, kind, config, last_sync_at, created_at
		FROM connectors WHERE id = $1 AND project_id = $2
	`, id, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connector: %w", err)
	}
	return &c, nil
}

// List returns every connector belonging to a project.
func (r *ConnectorRepo) List(ctx context.Context, projectID string) ([]Connector, error) {
	var connectors []Connector
	err := r.db.SelectContext(ctx, &connectors, `
		SELECT id, project_id, kind, config, last_sync_at, created_at
		FROM connectors WHERE project_id = $1 ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	return connectors, nil
}

// UpdateConfig replaces the connector's config blob (used when the GA4
// property is selected via PUT .../property).
func (r *ConnectorRepo) UpdateConfig(ctx context.Context, id string, cfg ConnectorConfig) (*Connector, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal connector config: %w", err)
	}

	var c Connector
	err = r.db.GetContext(ctx, &c, `
		UPDATE connectors SET config = $2
		WHERE id = $1
		RETURNING id, project_id, kind, config, last_sync_at, created_at
	`, id, raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update connector config: %w", err)
	}
	return &c, nil
}

// TouchLastSync stamps last_sync_at on a successful pull (§4.5).
func (r *ConnectorRepo) TouchLastSync(ctx context.Context, id string, ts sql.NullTime) error {
	_, err := r.db.ExecContext(ctx, `UPDATE connectors SET last_sync_at = $2 WHERE id = $1`, id, ts)
	if err != nil {
		return fmt.Errorf("touch last_sync_at: %w", err)
	}
	return nil
}

// Delete removes a connector. The caller must delete the connector's
// columnar store directory separately (§3 "connectors exclusively own
// their columnar store").
func (r *ConnectorRepo) Delete(ctx context.Context, projectID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connectors WHERE id = $1 AND project_id = $2`, id, projectID)
	if err != nil {
		return fmt.Errorf("delete connector: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete connector: %w", err)
	}
	if n == 0 {
		return svcerr.ErrNotFound
	}
	return nil
}

// isUniqueViolation inspects a pgx error for SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}

// isForeignKeyViolation inspects a pgx error for SQLSTATE 23503.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return strings.Contains(err.Error(), "23503") || strings.Contains(err.Error(), "violates foreign key")
}
