// Package tokenstore persists per-connector OAuth2 credentials and exposes
// them as an oauth2.TokenSource so callers never see a raw refresh token.
// Follows the shape of a Google OAuth flow like internal/api/auth_google.go
// and google_data_api.go (form-encoded token exchange, refresh-on-401),
// but the transport is golang.org/x/oauth2's standard client-credential
// exchange instead of hand-rolled HTTP calls.
package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/croanalysis/core/pkg/svcerr"
	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"
)

// Store persists the oauth2.Token for each (project_id, connector_id) pair.
type Store struct {
	db     *sqlx.DB
	config *oauth2.Config
}

// New wires a Store against an existing transactional-store connection pool
// and the Google OAuth2 client configuration.
func New(db *sqlx.DB, config *oauth2.Config) *Store {
	return &Store{db: db, config: config}
}

type tokenRow struct {
	ConnectorID  string     `db:"connector_id"`
	AccessToken  string     `db:"access_token"`
	RefreshToken string     `db:"refresh_token"`
	TokenType    string     `db:"token_type"`
	Expiry       *time.Time `db:"expiry"`
}

// Save persists a token obtained from the OAuth2 authorization-code exchange
// or user-driven refresh, upserting on connector_id.
func (s *Store) Save(ctx context.Context, connectorID string, tok *oauth2.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_tokens (connector_id, access_token, refresh_token, token_type, expiry)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connector_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN connector_tokens.refresh_token ELSE EXCLUDED.refresh_token END,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry
	`, connectorID, tok.AccessToken, tok.RefreshToken, tok.TokenType, nullableExpiry(tok.Expiry))
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Get loads the raw stored token for a connector, before refresh.
func (s *Store) Get(ctx context.Context, connectorID string) (*oauth2.Token, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `
		SELECT connector_id, access_token, refresh_token, token_type, expiry
		FROM connector_tokens WHERE connector_id = $1
	`, connectorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    row.TokenType,
	}
	if row.Expiry != nil {
		tok.Expiry = *row.Expiry
	}
	return tok, nil
}

// TokenSource returns an oauth2.TokenSource that refreshes the stored token
// whenever it is within 60 seconds of expiry (the skew window required by
// the Sync Coordinator before every pull, §4.5) and persists the refreshed
// token back to the store so the next pull reuses it without a round trip.
func (s *Store) TokenSource(ctx context.Context, connectorID string) (oauth2.TokenSource, error) {
	tok, err := s.Get(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	base := s.config.TokenSource(ctx, tok)
	return &persistingTokenSource{
		store:       s,
		ctx:         ctx,
		connectorID: connectorID,
		base:        oauth2.ReuseTokenSourceWithExpiry(tok, base, 60*time.Second),
	}, nil
}

// persistingTokenSource wraps oauth2's reuse-until-expiry source so a
// refreshed token is durably saved, matching the store-then-reuse pattern
// of a GA4 refresh-on-401 flow but done proactively instead of reactively.
type persistingTokenSource struct {
	store       *Store
	ctx         context.Context
	connectorID string
	base        oauth2.TokenSource
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh oauth token: %w", err)
	}
	if err := p.store.Save(p.ctx, p.connectorID, tok); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	return tok, nil
}

func nullableExpiry(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
