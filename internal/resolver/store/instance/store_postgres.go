package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fedgate/internal/resolver/models"
	"fedgate/pkg/sentinel"
)

// Schema creates the instances table, applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS instances (
    domain        TEXT PRIMARY KEY,
    shared_inbox  TEXT NOT NULL DEFAULT '',
    first_seen_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore persists instances in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed instance store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the store's schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure instances schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, domain, sharedInbox string) (*models.Instance, error) {
	if domain == "" {
		return nil, sentinel.ErrInvalidState
	}
	const q = `
INSERT INTO instances (domain, shared_inbox, first_seen_at)
VALUES ($1, $2, $3)
ON CONFLICT (domain) DO UPDATE SET
    shared_inbox = CASE WHEN EXCLUDED.shared_inbox <> '' THEN EXCLUDED.shared_inbox ELSE instances.shared_inbox END
RETURNING domain, shared_inbox, first_seen_at`
	var inst models.Instance
	err := s.db.QueryRowContext(ctx, q, domain, sharedInbox, time.Now().UTC()).
		Scan(&inst.Domain, &inst.SharedInbox, &inst.FirstSeenAt)
	if err != nil {
		return nil, fmt.Errorf("get or create instance: %w", err)
	}
	return &inst, nil
}

func (s *PostgresStore) FindByDomain(ctx context.Context, domain string) (*models.Instance, error) {
	const q = `SELECT domain, shared_inbox, first_seen_at FROM instances WHERE domain = $1`
	var inst models.Instance
	err := s.db.QueryRowContext(ctx, q, domain).Scan(&inst.Domain, &inst.SharedInbox, &inst.FirstSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find instance: %w", err)
	}
	return &inst, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}
