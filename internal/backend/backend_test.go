package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorCode
	}{
		{http.StatusRequestTimeout, CodeTimeout},
		{http.StatusTooManyRequests, CodeRateLimited},
		{http.StatusInternalServerError, CodeServerError},
		{http.StatusServiceUnavailable, CodeServerError},
		{529, CodeServerError},
		{http.StatusBadGateway, CodeGatewayError},
		{http.StatusGatewayTimeout, CodeGatewayError},
		{http.StatusBadRequest, CodeRejected},
		{http.StatusForbidden, CodeRejected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeFromStatus(tt.status), "status %d", tt.status)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, CodeRateLimited, CodeOf(fmt.Errorf("wrapped: %w", &Error{Code: CodeRateLimited})))
	assert.Equal(t, CodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeTimeout, CodeOf(timeoutErr{}))
	assert.Equal(t, CodeGatewayError, CodeOf(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.Equal(t, CodeRejected, CodeOf(errors.New("bad payload")))
}

func TestQualifying(t *testing.T) {
	for _, c := range []ErrorCode{CodeTimeout, CodeRateLimited, CodeServerError, CodeGatewayError} {
		assert.True(t, c.Qualifying(), c)
	}
	assert.False(t, CodeRejected.Qualifying())
}

func TestPayloadValidate(t *testing.T) {
	var nilPayload *Payload
	assert.Error(t, nilPayload.Validate())
	assert.Error(t, (&Payload{}).Validate())
	assert.Error(t, (&Payload{Messages: []Message{{Role: "user", Content: "x"}}, MaxTokens: -1}).Validate())
	assert.NoError(t, (&Payload{Messages: []Message{{Role: "user", Content: "x"}}}).Validate())
}

type stubProvider struct {
	name   string
	models []string
}

func (s *stubProvider) Invoke(ctx context.Context, call *Call) (*Result, error) {
	return &Result{Success: true, Model: call.Model, Content: s.name}, nil
}
func (s *stubProvider) Name() string              { return s.name }
func (s *stubProvider) SupportedModels() []string { return s.models }

func TestRegistry(t *testing.T) {
	a := &stubProvider{name: "a", models: []string{"m1", "m2"}}
	b := &stubProvider{name: "b", models: []string{"m2", "m3"}}
	reg := NewRegistry(a, b)

	p, ok := reg.Lookup("m2")
	require.True(t, ok)
	assert.Equal(t, "a", p.Name())
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, reg.Models())

	res, err := reg.Invoke(context.Background(), &Call{Model: "m3"})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Content)

	_, err = reg.Invoke(context.Background(), &Call{Model: "unknown"})
	require.Error(t, err)
	assert.Equal(t, CodeRejected, CodeOf(err))
}

func TestRequestIDContext(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
	ctx := WithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", GetRequestID(ctx))
}
