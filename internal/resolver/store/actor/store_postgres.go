package actor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fedgate/internal/ap"
	"fedgate/internal/resolver/models"
	"fedgate/pkg/sentinel"
)

// Schema creates the actors table. Applied by EnsureSchema; kept inline so
// integration tests and fresh deployments need no external migration step.
const Schema = `
CREATE TABLE IF NOT EXISTS actors (
    iri        TEXT PRIMARY KEY,
    username   TEXT NOT NULL DEFAULT '',
    domain     TEXT NOT NULL DEFAULT '',
    local      BOOLEAN NOT NULL DEFAULT FALSE,
    document   JSONB NOT NULL,
    fetched_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS actors_local_username_idx ON actors (username) WHERE local;
`

// PostgresStore persists actor records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed actor store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the store's schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure actors schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *models.ActorRecord) error {
	if rec == nil || rec.Actor == nil || rec.Actor.ID == "" {
		return sentinel.ErrInvalidState
	}
	const q = `
INSERT INTO actors (iri, username, domain, local, document, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (iri) DO UPDATE SET
    username = EXCLUDED.username,
    domain = EXCLUDED.domain,
    local = EXCLUDED.local,
    document = EXCLUDED.document,
    fetched_at = EXCLUDED.fetched_at`
	_, err := s.db.ExecContext(ctx, q,
		rec.Actor.ID,
		rec.Actor.PreferredUsername,
		rec.Actor.Domain(),
		rec.Local,
		rec.Raw,
		rec.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByIRI(ctx context.Context, iri string) (*models.ActorRecord, error) {
	const q = `SELECT document, local, fetched_at FROM actors WHERE iri = $1`
	return s.scanRecord(s.db.QueryRowContext(ctx, q, iri))
}

func (s *PostgresStore) FindLocalByUsername(ctx context.Context, username string) (*models.ActorRecord, error) {
	const q = `SELECT document, local, fetched_at FROM actors WHERE local AND username = $1`
	return s.scanRecord(s.db.QueryRowContext(ctx, q, username))
}

func (s *PostgresStore) CountLocal(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actors WHERE local`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count local actors: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) scanRecord(row *sql.Row) (*models.ActorRecord, error) {
	var rec models.ActorRecord
	if err := row.Scan(&rec.Raw, &rec.Local, &rec.FetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan actor: %w", err)
	}
	decoded, err := ap.DecodeObject(rec.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode stored actor: %w", err)
	}
	a, ok := decoded.(*ap.Actor)
	if !ok {
		return nil, fmt.Errorf("stored document is not an actor: %w", sentinel.ErrInvalidState)
	}
	rec.Actor = a
	return &rec, nil
}
