package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTenantNotFound means a signal was present but matched no tenant.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrAmbiguousSignal means the request carried no usable tenant signal.
	ErrAmbiguousSignal = errors.New("no usable tenant signal")
	// ErrSandboxConflict means a sandbox id or api key is already bound to another tenant.
	ErrSandboxConflict = errors.New("sandbox id already assigned")
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremium, TierEnterprise:
		return true
	}
	return false
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

type Tenant struct {
	ID         string    `json:"id"`
	Platform   string    `json:"platform"`
	Tier       Tier      `json:"tier"`
	SandboxID  string    `json:"sandbox_id"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// cachedTenant is the cache encoding; unlike the API shape it keeps the key hash.
type cachedTenant struct {
	ID         string    `json:"id"`
	Platform   string    `json:"platform"`
	Tier       Tier      `json:"tier"`
	SandboxID  string    `json:"sandbox_id"`
	APIKeyHash string    `json:"api_key_hash,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (t *Tenant) MarshalBinary() ([]byte, error) {
	return json.Marshal(cachedTenant(*t))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (t *Tenant) UnmarshalBinary(data []byte) error {
	var c cachedTenant
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	*t = Tenant(c)
	return nil
}

// KeyKind names the indexed column a Key is looked up by.
type KeyKind string

const (
	KeySandbox KeyKind = "sandbox"
	KeyAPIKey  KeyKind = "api_key"
)

// Key is an opaque resolution key for a point lookup.
type Key struct {
	Kind  KeyKind
	Value string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Value
}

type Store interface {
	Lookup(ctx context.Context, key Key) (*Tenant, error)
}

// HashAPIKey returns the hex sha256 of a raw API key. Raw keys are never stored.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

type contextKey string

const tenantKey contextKey = "tenant"

func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(*Tenant)
	return t, ok && t != nil
}
