package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/inference-dispatch/internal/apierr"
	"github.com/vnmchuo/inference-dispatch/internal/tenant"
	"github.com/vnmchuo/inference-dispatch/internal/usage"
)

const defaultUsageRange = 30 * 24 * time.Hour

// AdminHandler serves the read-only operator endpoints. Identity is checked
// by the gate before these run.
type AdminHandler struct {
	tenants tenant.Store
	usage   usage.Store
	now     func() time.Time
	logger  zerolog.Logger
}

func NewAdminHandler(tenants tenant.Store, usageStore usage.Store, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		tenants: tenants,
		usage:   usageStore,
		now:     time.Now,
		logger:  logger.With().Str("name", "admin").Logger(),
	}
}

func (h *AdminHandler) HandleGetTenant(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandbox_id")
	t, err := h.tenants.Lookup(r.Context(), tenant.Key{Kind: tenant.KeySandbox, Value: sandboxID})
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		apierr.Write(w, apierr.NotFound, "tenant not found")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("sandbox_id", sandboxID).Msg("tenant lookup failed")
		apierr.Write(w, apierr.Internal, "tenant lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *AdminHandler) HandleTenantUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenant_id")
	if _, err := uuid.Parse(tenantID); err != nil {
		apierr.Write(w, apierr.InvalidRequest, "tenant_id must be a UUID")
		return
	}

	to := h.now().UTC()
	from := to.Add(-defaultUsageRange)

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			apierr.Write(w, apierr.InvalidRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			apierr.Write(w, apierr.InvalidRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}
	if !from.Before(to) {
		apierr.Write(w, apierr.InvalidRequest, "'from' must be before 'to'")
		return
	}

	records, err := h.usage.ListByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("usage listing failed")
		apierr.Write(w, apierr.Internal, "usage query failed")
		return
	}
	summary, err := h.usage.Summarize(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("usage summary failed")
		apierr.Write(w, apierr.Internal, "usage query failed")
		return
	}
	if records == nil {
		records = []*usage.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"from":      from,
		"to":        to,
		"summary":   summary,
		"records":   records,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
