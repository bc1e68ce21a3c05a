package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type recordingStore struct {
	allowed bool
	err     error
	key     string
	n       int
}

func (s *recordingStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	s.key, s.n = key, n
	if s.err != nil {
		return nil, s.err
	}
	return &extratelimit.Result{Allowed: s.allowed}, nil
}

func (s *recordingStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *recordingStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	s.key = key
	return &extratelimit.Result{Allowed: s.allowed}, s.err
}

func TestAllow_KeysBySubject(t *testing.T) {
	store := &recordingStore{allowed: true}
	l := NewTestLimiter(store, time.Minute)

	ok, err := l.Allow(context.Background(), "sandbox:acme", 250)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ratelimit:tenant:sandbox:acme", store.key)
	assert.Equal(t, 250, store.n)
}

func TestAllow_MinimumCost(t *testing.T) {
	store := &recordingStore{allowed: true}
	l := NewTestLimiter(store, time.Minute)

	_, err := l.Allow(context.Background(), "sandbox:acme", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, store.n)
}

func TestAllow_Denied(t *testing.T) {
	l := NewTestLimiter(&recordingStore{allowed: false}, time.Minute)

	ok, err := l.Allow(context.Background(), "api_key:abc", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllow_StoreError(t *testing.T) {
	l := NewTestLimiter(&recordingStore{err: errors.New("redis down")}, time.Minute)

	ok, err := l.Allow(context.Background(), "sandbox:acme", 1)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestStatusAndWindow(t *testing.T) {
	store := &recordingStore{allowed: true}
	l := NewTestLimiter(store, 30*time.Second)

	res, err := l.Status(context.Background(), "sandbox:acme")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "ratelimit:tenant:sandbox:acme", store.key)
	assert.Equal(t, 30*time.Second, l.Window())
}
