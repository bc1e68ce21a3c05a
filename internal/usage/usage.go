// Package usage keeps the append-only ledger of successful inference calls.
package usage

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidRecord = errors.New("usage: invalid record")

type Record struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	RequestID string    `json:"request_id,omitempty"`
	Model     string    `json:"model"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Record) Validate() error {
	switch {
	case r.TenantID == "":
		return errors.Join(ErrInvalidRecord, errors.New("tenant_id is required"))
	case r.Model == "":
		return errors.Join(ErrInvalidRecord, errors.New("model is required"))
	case r.TokensIn < 0 || r.TokensOut < 0:
		return errors.Join(ErrInvalidRecord, errors.New("token counts must not be negative"))
	case r.LatencyMs < 0:
		return errors.Join(ErrInvalidRecord, errors.New("latency must not be negative"))
	}
	return nil
}

// Summary totals a tenant's usage over a time range.
type Summary struct {
	Requests  int64 `json:"requests"`
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

type Store interface {
	// Insert assigns ID and CreatedAt and appends the record.
	Insert(ctx context.Context, rec *Record) error
	ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error)
	Summarize(ctx context.Context, tenantID string, from, to time.Time) (Summary, error)
}
