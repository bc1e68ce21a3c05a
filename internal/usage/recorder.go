package usage

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/vnmchuo/inference-dispatch/internal/dispatch"
	"github.com/vnmchuo/inference-dispatch/internal/telemetry"
	"github.com/vnmchuo/inference-dispatch/internal/worker"
)

const writeTimeout = 5 * time.Second

// Scheduler runs a task detached from the caller. worker.Pool satisfies it.
type Scheduler interface {
	Go(name string, task worker.Task) error
}

// Observation is what the request path hands over once the response is out.
type Observation struct {
	TenantID  string
	RequestID string
	Outcome   *dispatch.Outcome
}

// ShouldRecord reports whether an outcome earns a ledger entry: the dispatch
// succeeded, the upstream flagged success, and it reported usage.
func ShouldRecord(o *dispatch.Outcome) bool {
	if !o.Succeeded() || o.Result == nil || !o.Result.Success {
		return false
	}
	u := o.Result.Usage
	return u != nil && u.TokensIn >= 0 && u.TokensOut >= 0
}

type Recorder struct {
	store       Store
	sched       Scheduler
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	logger      zerolog.Logger
}

func NewRecorder(store Store, sched Scheduler, maxAttempts uint, logger zerolog.Logger) *Recorder {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return &Recorder{
		store:       store,
		sched:       sched,
		maxAttempts: maxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		logger: logger.With().Str("name", "usage_recorder").Logger(),
	}
}

// Observe schedules the ledger write for obs and returns at once. Nothing it
// does is visible to the caller.
func (r *Recorder) Observe(obs Observation) {
	if !ShouldRecord(obs.Outcome) {
		telemetry.UsageWrites.WithLabelValues("skipped").Inc()
		return
	}

	rec := &Record{
		TenantID:  obs.TenantID,
		RequestID: obs.RequestID,
		Model:     obs.Outcome.Model,
		TokensIn:  obs.Outcome.Result.Usage.TokensIn,
		TokensOut: obs.Outcome.Result.Usage.TokensOut,
		LatencyMs: obs.Outcome.Latency.Milliseconds(),
	}

	if err := r.sched.Go("usage.write", func(ctx context.Context) {
		_ = r.Write(ctx, rec)
	}); err != nil {
		telemetry.UsageWrites.WithLabelValues("dropped").Inc()
		r.logger.Error().Err(err).Str("tenant_id", rec.TenantID).Str("request_id", rec.RequestID).Msg("usage record dropped, could not schedule write")
	}
}

// Write persists rec, retrying transient store failures with exponential
// backoff. A record that still cannot be written is logged and dropped.
func (r *Recorder) Write(ctx context.Context, rec *Record) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		err := r.store.Insert(wctx, rec)
		switch {
		case err == nil:
			return struct{}{}, nil
		case IsTransient(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		telemetry.UsageWrites.WithLabelValues("retried").Inc()
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("transient usage write failure, retrying")
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.maxAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		telemetry.UsageWrites.WithLabelValues("dropped").Inc()
		r.logger.Error().Err(err).
			Str("tenant_id", rec.TenantID).
			Str("request_id", rec.RequestID).
			Str("model", rec.Model).
			Int("attempts", attempt).
			Msg("telemetry write failed, usage record dropped")
		return err
	}

	telemetry.UsageWrites.WithLabelValues("written").Inc()
	return nil
}

// IsTransient reports whether a store error is worth retrying: connection
// failures, resource exhaustion, serialization conflicts and timeouts.
func IsTransient(err error) bool {
	if errors.Is(err, ErrInvalidRecord) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "57P03",               // cannot connect now
			pgErr.Code == "40001",               // serialization failure
			pgErr.Code == "40P01":               // deadlock detected
			return true
		}
		return false
	}

	if pgconn.SafeToRetry(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
