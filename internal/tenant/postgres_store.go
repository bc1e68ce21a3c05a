package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db  DB
	now func() time.Time
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const selectTenant = `
		SELECT id, platform, tier, sandbox_id, COALESCE(api_key_hash, ''), created_at, updated_at
		FROM tenants
	`

func (s *PostgresStore) Lookup(ctx context.Context, key Key) (*Tenant, error) {
	var where string
	switch key.Kind {
	case KeySandbox:
		where = "WHERE sandbox_id = $1"
	case KeyAPIKey:
		where = "WHERE api_key_hash = $1"
	default:
		return nil, fmt.Errorf("unsupported key kind %q", key.Kind)
	}

	var t Tenant
	err := s.db.QueryRow(ctx, selectTenant+where, key.Value).Scan(
		&t.ID, &t.Platform, &t.Tier, &t.SandboxID, &t.APIKeyHash, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

// Create provisions a tenant. Timestamps and id are set here, not by the database.
func (s *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	if !t.Tier.Valid() {
		return fmt.Errorf("invalid tier %q", t.Tier)
	}
	if t.SandboxID == "" {
		return fmt.Errorf("sandbox_id is required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	var keyHash any
	if t.APIKeyHash != "" {
		keyHash = t.APIKeyHash
	}

	query := `
		INSERT INTO tenants (id, platform, tier, sandbox_id, api_key_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query,
		t.ID, t.Platform, string(t.Tier), t.SandboxID, keyHash, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrSandboxConflict, pgErr.ConstraintName)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}
