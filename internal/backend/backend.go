package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Payload is the tenant-supplied part of an inference request. The model is
// never taken from it; the dispatcher chooses one by tier.
type Payload struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

func (p *Payload) Validate() error {
	if p == nil || len(p.Messages) == 0 {
		return errors.New("messages are required")
	}
	if p.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	return nil
}

type Call struct {
	Model   string
	Payload *Payload
	// Timeout is the per-attempt budget already applied to ctx; providers
	// may forward it upstream.
	Timeout time.Duration
	// Metadata for tracing
	TenantID  string
	RequestID string
}

type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

type Result struct {
	ID      string
	Success bool
	Content string
	Model   string
	Usage   *Usage // nil when the upstream reported no usage
}

type Provider interface {
	Invoke(ctx context.Context, call *Call) (*Result, error)
	Name() string
	SupportedModels() []string
}

// Invoker is the boundary the dispatcher calls through.
type Invoker interface {
	Invoke(ctx context.Context, call *Call) (*Result, error)
}

// ErrorCode is the fixed set of upstream failure classes.
type ErrorCode string

const (
	CodeTimeout      ErrorCode = "timeout"
	CodeRateLimited  ErrorCode = "rate_limited"
	CodeServerError  ErrorCode = "server_error"
	CodeGatewayError ErrorCode = "gateway_error"
	CodeRejected     ErrorCode = "rejected"
)

// Qualifying reports whether the code is transient and eligible for retry or fallback.
func (c ErrorCode) Qualifying() bool {
	switch c {
	case CodeTimeout, CodeRateLimited, CodeServerError, CodeGatewayError:
		return true
	}
	return false
}

type Error struct {
	Code     ErrorCode
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Code, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeFromStatus maps an upstream HTTP status to an error code.
func CodeFromStatus(status int) ErrorCode {
	switch {
	case status == http.StatusRequestTimeout:
		return CodeTimeout
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return CodeGatewayError
	case status >= 500:
		return CodeServerError
	default:
		return CodeRejected
	}
}

// CodeOf classifies any error returned by an Invoke call. Deadline and network
// timeouts count as CodeTimeout; other transport failures as CodeGatewayError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CodeTimeout
		}
		return CodeGatewayError
	}
	return CodeRejected
}
