package keypair

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fedgate/internal/keys"
	"fedgate/pkg/sentinel"
)

// Schema creates the keypairs table, applied by EnsureSchema. The private
// half is empty for remote actors.
const Schema = `
CREATE TABLE IF NOT EXISTS keypairs (
    id          UUID PRIMARY KEY,
    owner_iri   TEXT NOT NULL UNIQUE,
    key_id      TEXT NOT NULL UNIQUE,
    public_pem  BYTEA NOT NULL,
    private_pem BYTEA NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresStore persists keypairs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed keypair store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the store's schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure keypairs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, kp *keys.Keypair) error {
	if kp == nil || kp.OwnerID == "" {
		return sentinel.ErrInvalidState
	}
	id := kp.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	const q = `
INSERT INTO keypairs (id, owner_iri, key_id, public_pem, private_pem, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (owner_iri) DO UPDATE SET
    key_id = EXCLUDED.key_id,
    public_pem = EXCLUDED.public_pem,
    private_pem = CASE WHEN length(EXCLUDED.private_pem) > 0 THEN EXCLUDED.private_pem ELSE keypairs.private_pem END`
	_, err := s.db.ExecContext(ctx, q, id, kp.OwnerID, kp.KeyID, kp.PublicPEM, kp.PrivatePEM, kp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByOwner(ctx context.Context, ownerID string) (*keys.Keypair, error) {
	const q = `SELECT id, owner_iri, key_id, public_pem, private_pem, created_at FROM keypairs WHERE owner_iri = $1`
	return s.scan(s.db.QueryRowContext(ctx, q, ownerID))
}

func (s *PostgresStore) FindByKeyID(ctx context.Context, keyID string) (*keys.Keypair, error) {
	const q = `SELECT id, owner_iri, key_id, public_pem, private_pem, created_at FROM keypairs WHERE key_id = $1`
	return s.scan(s.db.QueryRowContext(ctx, q, keyID))
}

func (s *PostgresStore) scan(row *sql.Row) (*keys.Keypair, error) {
	var kp keys.Keypair
	err := row.Scan(&kp.ID, &kp.OwnerID, &kp.KeyID, &kp.PublicPEM, &kp.PrivatePEM, &kp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan keypair: %w", err)
	}
	return &kp, nil
}
