package proxy

import (
	"context"
	"encoding/json"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/inference-dispatch/internal/apierr"
	"github.com/vnmchuo/inference-dispatch/internal/backend"
	"github.com/vnmchuo/inference-dispatch/internal/dispatch"
	"github.com/vnmchuo/inference-dispatch/internal/tenant"
	"github.com/vnmchuo/inference-dispatch/internal/usage"
)

const maxRequestBody = 1 << 20

type Dispatcher interface {
	Dispatch(ctx context.Context, t *tenant.Tenant, payload *backend.Payload) (*dispatch.Outcome, error)
}

// Observer receives every finished dispatch. It must not block.
type Observer interface {
	Observe(obs usage.Observation)
}

type Handler struct {
	dispatcher Dispatcher
	observer   Observer
	tracer     trace.Tracer
	logger     zerolog.Logger
}

func NewHandler(dispatcher Dispatcher, observer Observer, tracer trace.Tracer, logger zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		observer:   observer,
		tracer:     tracer,
		logger:     logger.With().Str("name", "proxy").Logger(),
	}
}

type inferenceResponse struct {
	ID       string         `json:"id"`
	Model    string         `json:"model"`
	Content  string         `json:"content"`
	Usage    *backend.Usage `json:"usage,omitempty"`
	Fallback bool           `json:"fallback"`
}

// HandleInference runs one inference request for the tenant resolved upstream.
func (h *Handler) HandleInference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, ok := tenant.FromContext(ctx)
	if !ok {
		// Routes are always mounted behind the resolver.
		h.logger.Error().Str("path", r.URL.Path).Msg("inference request reached handler without a tenant")
		apierr.Write(w, apierr.Internal, "tenant context missing")
		return
	}

	requestID := chimiddleware.GetReqID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx = backend.WithRequestID(ctx, requestID)

	ctx, span := h.tracer.Start(ctx, "proxy.inference")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", t.ID),
		attribute.String("request_id", requestID),
		attribute.String("tier", string(t.Tier)),
	)

	var payload backend.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&payload); err != nil {
		apierr.Write(w, apierr.InvalidRequest, "invalid request body")
		return
	}
	if err := payload.Validate(); err != nil {
		apierr.Write(w, apierr.InvalidRequest, err.Error())
		return
	}

	out, err := h.dispatcher.Dispatch(ctx, t, &payload)
	defer h.observer.Observe(usage.Observation{TenantID: t.ID, RequestID: requestID, Outcome: out})

	if err != nil {
		writeDispatchError(w, err)
		return
	}

	resp := inferenceResponse{
		ID:       out.Result.ID,
		Model:    out.Model,
		Content:  out.Result.Content,
		Usage:    out.Result.Usage,
		Fallback: out.UsedFallback,
	}
	if resp.ID == "" {
		resp.ID = requestID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeDispatchError maps a dispatch failure onto the public contract. The
// message never names a model or provider.
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case dispatch.IsRejected(err):
		apierr.Write(w, apierr.InferenceRejected, "inference request was rejected upstream")
	case dispatch.IsUnavailable(err):
		apierr.Write(w, apierr.InferenceUnavailable, "inference is temporarily unavailable")
	default:
		apierr.Write(w, apierr.Internal, "inference failed")
	}
}
