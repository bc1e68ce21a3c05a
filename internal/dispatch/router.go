package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/vnmchuo/inference-dispatch/internal/backend"
	"github.com/vnmchuo/inference-dispatch/internal/telemetry"
	"github.com/vnmchuo/inference-dispatch/internal/tenant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StatePending     State = "pending"
	StateInvoking    State = "invoking"
	StateRetrying    State = "retrying"
	StateFallingBack State = "falling_back"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// codeCircuitOpen marks attempts refused by an open breaker. It qualifies for
// retry and fallback like any other overload.
const codeCircuitOpen backend.ErrorCode = "circuit_open"

type Attempt struct {
	Model    string
	Fallback bool
	Code     backend.ErrorCode // empty on success
	Duration time.Duration
}

// Outcome is the terminal state of one dispatch.
type Outcome struct {
	State        State
	Tier         tenant.Tier
	Model        string // model that produced the terminal result
	UsedFallback bool
	Attempts     []Attempt
	Result       *backend.Result
	Latency      time.Duration
	Err          error
}

func (o *Outcome) Succeeded() bool {
	return o != nil && o.State == StateSucceeded
}

type Router struct {
	invoker  backend.Invoker
	policy   PolicyTable
	breakers map[string]*gobreaker.CircuitBreaker
	tracer   trace.Tracer
	logger   zerolog.Logger
}

type Option func(*routerOptions)

type routerOptions struct {
	tracer   trace.Tracer
	breakers bool
	settings func(model string) gobreaker.Settings
}

func WithTracer(t trace.Tracer) Option {
	return func(o *routerOptions) { o.tracer = t }
}

// WithoutBreakers disables per-model circuit breaking.
func WithoutBreakers() Option {
	return func(o *routerOptions) { o.breakers = false }
}

// WithBreakerSettings overrides the per-model breaker configuration.
func WithBreakerSettings(fn func(model string) gobreaker.Settings) Option {
	return func(o *routerOptions) { o.settings = fn }
}

func defaultBreakerSettings(model string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        model,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

func NewRouter(invoker backend.Invoker, policy PolicyTable, logger zerolog.Logger, opts ...Option) *Router {
	o := routerOptions{
		tracer:   otel.Tracer("inference-dispatch/dispatch"),
		breakers: true,
		settings: defaultBreakerSettings,
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Router{
		invoker:  invoker,
		policy:   policy,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		tracer:   o.tracer,
		logger:   logger.With().Str("name", "dispatch").Logger(),
	}
	if o.breakers {
		for _, model := range policy.Models() {
			settings := o.settings(model)
			// Only transient upstream failures count against a model.
			settings.IsSuccessful = func(err error) bool {
				return err == nil || !backend.CodeOf(err).Qualifying()
			}
			r.breakers[model] = gobreaker.NewCircuitBreaker(settings)
		}
	}
	return r
}

// Dispatch runs the tier's retry and fallback policy for payload. The returned
// Outcome is never nil; its Err equals the returned error.
func (r *Router) Dispatch(ctx context.Context, t *tenant.Tenant, payload *backend.Payload) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{State: StatePending, Tier: t.Tier}

	ctx, span := r.tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		attribute.String("tenant.id", t.ID),
		attribute.String("tenant.tier", string(t.Tier)),
	))
	defer span.End()

	primary, fallback, err := r.policy.Plan(t.Tier)
	if err != nil {
		out.State = StateFailed
		out.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}

	log := r.logger.With().Str("tenant_id", t.ID).Str("tier", string(t.Tier)).Logger()

	var res *backend.Result
	for i := 0; i <= primary.Retries; i++ {
		if i == 0 {
			out.State = StateInvoking
		} else {
			out.State = StateRetrying
			log.Warn().Str("model", primary.Model).Int("attempt", i+1).Msg("retrying after transient upstream error")
		}
		res, err = r.attempt(ctx, t, out, primary, payload, false)
		if err == nil || !qualifying(err) {
			return r.finish(span, log, out, res, err, start)
		}
	}

	if fallback != nil {
		out.State = StateFallingBack
		out.UsedFallback = true
		log.Warn().Str("from", primary.Model).Str("to", fallback.Model).Msg("retry budget spent, falling back")
		res, err = r.attempt(ctx, t, out, *fallback, payload, true)
		if err == nil || !qualifying(err) {
			return r.finish(span, log, out, res, err, start)
		}
	}

	return r.finish(span, log, out, nil, err, start)
}

func (r *Router) attempt(ctx context.Context, t *tenant.Tenant, out *Outcome, p TierPolicy, payload *backend.Payload, fallback bool) (*backend.Result, error) {
	// A caller disconnect must not abort an attempt already in flight; only
	// the tier timeout bounds it.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Timeout)
	defer cancel()

	attemptCtx, span := r.tracer.Start(attemptCtx, "dispatch.attempt", trace.WithAttributes(
		attribute.String("model", p.Model),
		attribute.Int("attempt", len(out.Attempts)+1),
		attribute.Bool("fallback", fallback),
	))
	defer span.End()

	out.Model = p.Model
	call := &backend.Call{
		Model:     p.Model,
		Payload:   payload,
		Timeout:   p.Timeout,
		TenantID:  t.ID,
		RequestID: backend.GetRequestID(ctx),
	}

	started := time.Now()
	res, err := r.invokeWithin(attemptCtx, call)
	code := classify(err)

	out.Attempts = append(out.Attempts, Attempt{
		Model:    p.Model,
		Fallback: fallback,
		Code:     code,
		Duration: time.Since(started),
	})

	label := string(code)
	if err == nil {
		label = "ok"
	}
	telemetry.BackendAttempts.WithLabelValues(p.Model, label).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
	}
	return res, err
}

type invokeResult struct {
	res *backend.Result
	err error
}

// invokeWithin returns when the backend answers or ctx expires, whichever is
// first, so a backend that ignores its context still cannot exceed the budget.
func (r *Router) invokeWithin(ctx context.Context, call *backend.Call) (*backend.Result, error) {
	done := make(chan invokeResult, 1)
	go func() {
		res, err := r.invoke(ctx, call)
		done <- invokeResult{res, err}
	}()

	select {
	case ir := <-done:
		return ir.res, ir.err
	case <-ctx.Done():
		return nil, &backend.Error{Code: backend.CodeTimeout, Provider: "dispatch", Err: ctx.Err()}
	}
}

func (r *Router) invoke(ctx context.Context, call *backend.Call) (*backend.Result, error) {
	cb, ok := r.breakers[call.Model]
	if !ok {
		return r.invoker.Invoke(ctx, call)
	}
	v, err := cb.Execute(func() (interface{}, error) {
		return r.invoker.Invoke(ctx, call)
	})
	if err != nil {
		return nil, err
	}
	return v.(*backend.Result), nil
}

func (r *Router) finish(span trace.Span, log zerolog.Logger, out *Outcome, res *backend.Result, err error, start time.Time) (*Outcome, error) {
	out.Latency = time.Since(start)
	out.Result = res

	switch {
	case err == nil && res != nil && res.Success:
		out.State = StateSucceeded
	case out.UsedFallback:
		// Any fallback failure reads the same to the caller, so which model
		// refused stays hidden.
		cause := err
		if cause == nil {
			cause = errors.New("upstream reported an unsuccessful result")
		}
		out.State = StateFailed
		out.Err = &RouterError{
			Err:      ErrAllFallbacksExhausted,
			Cause:    cause,
			Tier:     string(out.Tier),
			Model:    out.Model,
			Attempts: len(out.Attempts),
		}
	case err == nil:
		out.State = StateFailed
		out.Err = &RouterError{
			Err:      ErrUpstreamRejected,
			Cause:    errors.New("upstream reported an unsuccessful result"),
			Tier:     string(out.Tier),
			Model:    out.Model,
			Attempts: len(out.Attempts),
		}
	case !qualifying(err):
		out.State = StateFailed
		out.Err = &RouterError{Err: ErrUpstreamRejected, Cause: err, Tier: string(out.Tier), Model: out.Model, Attempts: len(out.Attempts)}
	default:
		class := ErrUpstreamOverloaded
		if classify(err) == backend.CodeTimeout {
			class = ErrUpstreamTimeout
		}
		out.State = StateFailed
		out.Err = &RouterError{
			Err:      ErrAllFallbacksExhausted,
			Cause:    fmt.Errorf("%w: %w", class, err),
			Tier:     string(out.Tier),
			Model:    out.Model,
			Attempts: len(out.Attempts),
		}
	}

	telemetry.DispatchOutcomes.WithLabelValues(string(out.Tier), string(out.State), strconv.FormatBool(out.UsedFallback)).Inc()
	telemetry.DispatchDurations.WithLabelValues(string(out.Tier)).Observe(out.Latency.Seconds())

	span.SetAttributes(
		attribute.String("dispatch.state", string(out.State)),
		attribute.String("dispatch.model", out.Model),
		attribute.Int("dispatch.attempts", len(out.Attempts)),
		attribute.Bool("dispatch.fallback", out.UsedFallback),
	)

	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "dispatch failed")
		log.Error().Err(out.Err).Int("attempts", len(out.Attempts)).Dur("latency", out.Latency).Msg("dispatch failed")
		return out, out.Err
	}

	log.Debug().Str("model", out.Model).Int("attempts", len(out.Attempts)).Bool("fallback", out.UsedFallback).Dur("latency", out.Latency).Msg("dispatch succeeded")
	return out, nil
}

func classify(err error) backend.ErrorCode {
	if err == nil {
		return ""
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return codeCircuitOpen
	}
	return backend.CodeOf(err)
}

func qualifying(err error) bool {
	code := classify(err)
	return code == codeCircuitOpen || code.Qualifying()
}
