package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
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

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	id := uuid.NewString()
	createdAt := s.now().UTC()

	query := `
		INSERT INTO usage_records (id, tenant_id, request_id, model, tokens_in, tokens_out, latency_ms, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		id, rec.TenantID, rec.RequestID, rec.Model,
		rec.TokensIn, rec.TokensOut, rec.LatencyMs, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = createdAt
	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, tenant_id, COALESCE(request_id, ''), model, tokens_in, tokens_out, latency_ms, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.RequestID, &r.Model,
			&r.TokensIn, &r.TokensOut, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, tenantID string, from, to time.Time) (Summary, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`
	var sum Summary
	err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&sum.Requests, &sum.TokensIn, &sum.TokensOut)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize usage: %w", err)
	}

	return sum, nil
}
