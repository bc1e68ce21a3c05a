package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/inference-dispatch/internal/backend"
	"github.com/vnmchuo/inference-dispatch/internal/tenant"
)

const (
	freeModel    = "gpt-4o-mini"
	premiumModel = "claude-3-5-sonnet-latest"
)

type scriptedInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, call *backend.Call, n int) (*backend.Result, error)
}

func newInvoker(fn func(ctx context.Context, call *backend.Call, n int) (*backend.Result, error)) *scriptedInvoker {
	return &scriptedInvoker{calls: make(map[string]int), fn: fn}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, call *backend.Call) (*backend.Result, error) {
	s.mu.Lock()
	s.calls[call.Model]++
	n := s.calls[call.Model]
	s.mu.Unlock()
	return s.fn(ctx, call, n)
}

func (s *scriptedInvoker) count(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[model]
}

func ok(call *backend.Call) *backend.Result {
	return &backend.Result{Success: true, Model: call.Model, Content: "ok", Usage: &backend.Usage{TokensIn: 3, TokensOut: 5}}
}

func fail(code backend.ErrorCode) error {
	return &backend.Error{Code: code, Provider: "test", Err: errors.New(string(code))}
}

func shortPolicy() PolicyTable {
	p := DefaultPolicy()
	free := p.Tiers[tenant.TierFree]
	free.Timeout = 50 * time.Millisecond
	p.Tiers[tenant.TierFree] = free
	premium := p.Tiers[tenant.TierPremium]
	premium.Timeout = 50 * time.Millisecond
	p.Tiers[tenant.TierPremium] = premium
	return p
}

func newTestRouter(inv backend.Invoker, policy PolicyTable, opts ...Option) *Router {
	return NewRouter(inv, policy, zerolog.Nop(), opts...)
}

func tenantOf(tier tenant.Tier) *tenant.Tenant {
	return &tenant.Tenant{ID: "t-1", Tier: tier, SandboxID: "acme"}
}

func payload() *backend.Payload {
	return &backend.Payload{Messages: []backend.Message{{Role: "user", Content: "hi"}}}
}

func TestDispatch_SucceedsFirstAttempt(t *testing.T) {
	inv := newInvoker(func(_ context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		return ok(call), nil
	})
	r := newTestRouter(inv, DefaultPolicy())

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierPremium), payload())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, premiumModel, out.Model)
	assert.False(t, out.UsedFallback)
	assert.Len(t, out.Attempts, 1)
	assert.True(t, out.Succeeded())
}

func TestDispatch_FreeTierRetriesThenFailsWithoutFallback(t *testing.T) {
	inv := newInvoker(func(_ context.Context, _ *backend.Call, _ int) (*backend.Result, error) {
		return nil, fail(backend.CodeServerError)
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierFree), payload())
	require.Error(t, err)
	assert.Equal(t, 3, inv.count(freeModel))
	assert.Len(t, inv.calls, 1, "free tier must never invoke another model")
	assert.Equal(t, StateFailed, out.State)
	assert.False(t, out.UsedFallback)
	assert.ErrorIs(t, err, ErrAllFallbacksExhausted)
	assert.ErrorIs(t, err, ErrUpstreamOverloaded)
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsRejected(err))
}

func TestDispatch_FreeTierRecoversOnRetry(t *testing.T) {
	inv := newInvoker(func(_ context.Context, call *backend.Call, n int) (*backend.Result, error) {
		if n < 3 {
			return nil, fail(backend.CodeRateLimited)
		}
		return ok(call), nil
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierFree), payload())
	require.NoError(t, err)
	assert.Equal(t, 3, inv.count(freeModel))
	assert.Equal(t, freeModel, out.Model)
	require.Len(t, out.Attempts, 3)
	assert.Equal(t, backend.CodeRateLimited, out.Attempts[0].Code)
	assert.Equal(t, backend.ErrorCode(""), out.Attempts[2].Code)
}

func TestDispatch_PremiumFallsBackAfterRetryBudget(t *testing.T) {
	inv := newInvoker(func(ctx context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		if call.Model == premiumModel {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return ok(call), nil
	})
	r := newTestRouter(inv, shortPolicy(), WithoutBreakers())

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierPremium), payload())
	require.NoError(t, err)
	assert.Equal(t, 2, inv.count(premiumModel))
	assert.Equal(t, 1, inv.count(freeModel))
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, freeModel, out.Model, "effective model is the fallback")
	assert.True(t, out.UsedFallback)
	require.Len(t, out.Attempts, 3)
	assert.Equal(t, backend.CodeTimeout, out.Attempts[0].Code)
	assert.True(t, out.Attempts[2].Fallback)
}

func TestDispatch_EnterpriseBehavesAsPremium(t *testing.T) {
	inv := newInvoker(func(_ context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		if call.Model == premiumModel {
			return nil, fail(backend.CodeGatewayError)
		}
		return ok(call), nil
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierEnterprise), payload())
	require.NoError(t, err)
	assert.Equal(t, 2, inv.count(premiumModel))
	assert.Equal(t, 1, inv.count(freeModel))
	assert.Equal(t, freeModel, out.Model)
	assert.Equal(t, tenant.TierEnterprise, out.Tier)
}

func TestDispatch_FallbackIsNotRetried(t *testing.T) {
	inv := newInvoker(func(_ context.Context, _ *backend.Call, _ int) (*backend.Result, error) {
		return nil, fail(backend.CodeServerError)
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierPremium), payload())
	require.Error(t, err)
	assert.Equal(t, 2, inv.count(premiumModel))
	assert.Equal(t, 1, inv.count(freeModel))
	assert.Len(t, out.Attempts, 3)
	assert.ErrorIs(t, err, ErrAllFallbacksExhausted)
}

func TestDispatch_FallbackRejectionIsExhaustion(t *testing.T) {
	inv := newInvoker(func(_ context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		if call.Model == premiumModel {
			return nil, fail(backend.CodeServerError)
		}
		return nil, fail(backend.CodeRejected)
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierPremium), payload())
	require.Error(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.UsedFallback)
	assert.Len(t, out.Attempts, 3)
	assert.ErrorIs(t, err, ErrAllFallbacksExhausted)
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsRejected(err))
	assert.Equal(t, backend.CodeRejected, backend.CodeOf(err), "last upstream error is kept as the cause")
}

func TestDispatch_FallbackUnsuccessfulResultIsExhaustion(t *testing.T) {
	inv := newInvoker(func(_ context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		if call.Model == premiumModel {
			return nil, fail(backend.CodeRateLimited)
		}
		return &backend.Result{Success: false, Model: call.Model}, nil
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	_, err := r.Dispatch(context.Background(), tenantOf(tenant.TierPremium), payload())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsRejected(err))
}

func TestDispatch_NonQualifyingErrorTerminates(t *testing.T) {
	inv := newInvoker(func(_ context.Context, _ *backend.Call, _ int) (*backend.Result, error) {
		return nil, fail(backend.CodeRejected)
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierPremium), payload())
	require.Error(t, err)
	assert.Equal(t, 1, inv.count(premiumModel))
	assert.Equal(t, 0, inv.count(freeModel))
	assert.Equal(t, StateFailed, out.State)
	assert.True(t, IsRejected(err))
	assert.False(t, IsUnavailable(err))
}

func TestDispatch_UnsuccessfulResultIsRejected(t *testing.T) {
	inv := newInvoker(func(_ context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		return &backend.Result{Success: false, Model: call.Model}, nil
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierFree), payload())
	require.Error(t, err)
	assert.Equal(t, 1, inv.count(freeModel))
	assert.Equal(t, StateFailed, out.State)
	assert.True(t, IsRejected(err))
	assert.NotNil(t, out.Result)
}

func TestDispatch_TimeoutEnforcedOnUnresponsiveBackend(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	inv := newInvoker(func(_ context.Context, _ *backend.Call, _ int) (*backend.Result, error) {
		<-release // ignores its context
		return nil, nil
	})
	r := newTestRouter(inv, shortPolicy(), WithoutBreakers())

	start := time.Now()
	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierFree), payload())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
	assert.Len(t, out.Attempts, 3)
	for _, a := range out.Attempts {
		assert.Equal(t, backend.CodeTimeout, a.Code)
	}
}

func TestDispatch_CallerCancelDoesNotAbortAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	inv := newInvoker(func(attemptCtx context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		cancel()
		select {
		case <-attemptCtx.Done():
			return nil, attemptCtx.Err()
		case <-time.After(10 * time.Millisecond):
			return ok(call), nil
		}
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	out, err := r.Dispatch(ctx, tenantOf(tenant.TierFree), payload())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 1, inv.count(freeModel))
}

func TestDispatch_OpenBreakerCountsAsOverload(t *testing.T) {
	inv := newInvoker(func(_ context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		if call.Model == premiumModel {
			return nil, fail(backend.CodeServerError)
		}
		return ok(call), nil
	})
	r := newTestRouter(inv, DefaultPolicy(), WithBreakerSettings(func(model string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:    model,
			Timeout: time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 1
			},
		}
	}))

	out, err := r.Dispatch(context.Background(), tenantOf(tenant.TierPremium), payload())
	require.NoError(t, err)
	assert.Equal(t, 1, inv.count(premiumModel), "second attempt is refused by the open breaker")
	require.Len(t, out.Attempts, 3)
	assert.Equal(t, codeCircuitOpen, out.Attempts[1].Code)
	assert.Equal(t, freeModel, out.Model)
}

func TestDispatch_RejectionsDoNotTripBreaker(t *testing.T) {
	inv := newInvoker(func(_ context.Context, _ *backend.Call, _ int) (*backend.Result, error) {
		return nil, fail(backend.CodeRejected)
	})
	r := newTestRouter(inv, DefaultPolicy(), WithBreakerSettings(func(model string) gobreaker.Settings {
		return gobreaker.Settings{
			Name: model,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 1
			},
		}
	}))

	for i := 0; i < 3; i++ {
		_, err := r.Dispatch(context.Background(), tenantOf(tenant.TierFree), payload())
		require.True(t, IsRejected(err))
	}
	assert.Equal(t, 3, inv.count(freeModel))
}

func TestDispatch_UnknownTier(t *testing.T) {
	inv := newInvoker(func(_ context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		return ok(call), nil
	})
	r := newTestRouter(inv, DefaultPolicy())

	out, err := r.Dispatch(context.Background(), tenantOf("gold"), payload())
	require.ErrorIs(t, err, ErrUnknownTier)
	assert.Equal(t, StateFailed, out.State)
	assert.Empty(t, inv.calls)
}

func TestDispatch_PropagatesRequestID(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	inv := newInvoker(func(_ context.Context, call *backend.Call, _ int) (*backend.Result, error) {
		mu.Lock()
		seen = append(seen, call.RequestID)
		mu.Unlock()
		if call.Model == premiumModel {
			return nil, fail(backend.CodeServerError)
		}
		return ok(call), nil
	})
	r := newTestRouter(inv, DefaultPolicy(), WithoutBreakers())

	ctx := backend.WithRequestID(context.Background(), "req-7")
	_, err := r.Dispatch(ctx, tenantOf(tenant.TierPremium), payload())
	require.NoError(t, err)
	assert.Equal(t, []string{"req-7", "req-7", "req-7"}, seen, "every attempt carries the caller's id")
}
