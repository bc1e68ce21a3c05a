package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/inference-dispatch/internal/apierr"
)

const defaultLookupTimeout = 2 * time.Second

// Resolver maps request signals to a tenant. It never writes tenant state.
type Resolver struct {
	store         Store
	opts          Options
	lookupTimeout time.Duration
	logger        zerolog.Logger
}

func NewResolver(store Store, opts Options, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:         store,
		opts:          opts,
		lookupTimeout: defaultLookupTimeout,
		logger:        logger.With().Str("name", "tenant_resolver").Logger(),
	}
}

// Resolve looks up the tenant for the highest-priority signal. Lower-priority
// signals are never consulted, even when the primary one matches nothing.
func (r *Resolver) Resolve(ctx context.Context, signals Signals) (*Tenant, error) {
	sig, ok := signals.Primary()
	if !ok {
		return nil, ErrAmbiguousSignal
	}

	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	t, err := r.store.Lookup(ctx, sig.Key)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, fmt.Errorf("%w (source=%s)", ErrTenantNotFound, sig.Source)
		}
		return nil, fmt.Errorf("resolve tenant from %s: %w", sig.Source, err)
	}
	return t, nil
}

// ResolveRequest extracts signals from req and resolves them.
func (r *Resolver) ResolveRequest(req *http.Request) (*Tenant, error) {
	return r.Resolve(req.Context(), ExtractSignals(req, r.opts))
}

// Middleware resolves the tenant and stores it in the request context.
// Resolution failures are rejected before any downstream work.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t, err := r.ResolveRequest(req)
		switch {
		case err == nil:
			next.ServeHTTP(w, req.WithContext(WithTenant(req.Context(), t)))
		case errors.Is(err, ErrAmbiguousSignal):
			apierr.Write(w, apierr.AmbiguousSignal, "request carries no tenant signal")
		case errors.Is(err, ErrTenantNotFound):
			apierr.Write(w, apierr.TenantNotFound, "unknown tenant")
		default:
			r.logger.Error().Err(err).Msg("tenant lookup failed")
			apierr.Write(w, apierr.Internal, "tenant lookup failed")
		}
	})
}
