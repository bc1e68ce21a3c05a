// Package gate enforces admin identity and tenant quota before any tenant
// lookup or inference work happens.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vnmchuo/inference-dispatch/config"
	"github.com/vnmchuo/inference-dispatch/internal/apierr"
	"github.com/vnmchuo/inference-dispatch/internal/telemetry"
	"github.com/vnmchuo/inference-dispatch/internal/tenant"
)

// DefaultTokenCost is charged under the tokens unit when a request names no max_tokens.
const DefaultTokenCost = 1000

const maxPeekBody = 1 << 20

type RouteClass string

const (
	RouteHealth RouteClass = "health"
	RouteAdmin  RouteClass = "admin"
	RoutePublic RouteClass = "public"
)

var healthPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

func Classify(path string) RouteClass {
	switch {
	case healthPaths[path]:
		return RouteHealth
	case path == "/admin" || strings.HasPrefix(path, "/admin/"):
		return RouteAdmin
	default:
		return RoutePublic
	}
}

// Quota consumes cost units from a subject's rolling budget.
type Quota interface {
	Allow(ctx context.Context, subject string, cost int) (bool, error)
	Window() time.Duration
}

type Options struct {
	Quota    Quota
	Identity *IdentityVerifier
	Unit     config.QuotaUnit
	Signals  tenant.Options
	Logger   zerolog.Logger
}

type Gate struct {
	quota    Quota
	identity *IdentityVerifier
	unit     config.QuotaUnit
	signals  tenant.Options
	logger   zerolog.Logger
}

func New(opts Options) *Gate {
	if opts.Unit == "" {
		opts.Unit = config.QuotaRequests
	}
	return &Gate{
		quota:    opts.Quota,
		identity: opts.Identity,
		unit:     opts.Unit,
		signals:  opts.Signals,
		logger:   opts.Logger.With().Str("name", "gate").Logger(),
	}
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch Classify(r.URL.Path) {
		case RouteHealth:
			next.ServeHTTP(w, r)
		case RouteAdmin:
			g.admin(next, w, r)
		default:
			g.public(next, w, r)
		}
	})
}

func (g *Gate) admin(next http.Handler, w http.ResponseWriter, r *http.Request) {
	id, err := g.identity.VerifyRequest(r)
	if err != nil {
		telemetry.GateRejections.WithLabelValues("access_denied").Inc()
		g.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("admin access denied")
		apierr.Write(w, apierr.AccessDenied, "access denied")
		return
	}
	g.logger.Debug().Str("subject", id.Subject).Str("path", r.URL.Path).Msg("admin access granted")
	next.ServeHTTP(w, r)
}

// public charges the quota of the request's primary signal. The gate never
// looks tenants up, so the bucket is per signal rather than per tenant: a
// tenant reachable by both a sandbox id and an API key owns two buckets, one
// for each. Size QUOTA_LIMIT with that in mind.
func (g *Gate) public(next http.Handler, w http.ResponseWriter, r *http.Request) {
	primary, ok := tenant.ExtractSignals(r, g.signals).Primary()
	if !ok {
		// The resolver rejects signal-less requests before any cost.
		next.ServeHTTP(w, r)
		return
	}

	cost := 1
	if g.unit == config.QuotaTokens {
		cost = requestedTokens(r)
	}

	subject := primary.Key.String()
	allowed, err := g.quota.Allow(r.Context(), subject, cost)
	if err != nil {
		g.logger.Error().Err(err).Str("subject", subject).Msg("quota check failed, rejecting")
	}
	if err != nil || !allowed {
		telemetry.GateRejections.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(g.quota.Window())))
		apierr.Write(w, apierr.RateLimited, "quota exceeded")
		return
	}
	next.ServeHTTP(w, r)
}

// requestedTokens peeks max_tokens from a JSON body and restores the body for
// the next handler.
func requestedTokens(r *http.Request) int {
	if r.Body == nil {
		return DefaultTokenCost
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBody))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return DefaultTokenCost
	}

	var peek struct {
		MaxTokens int `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &peek); err != nil || peek.MaxTokens <= 0 {
		return DefaultTokenCost
	}
	return peek.MaxTokens
}

func retryAfterSeconds(window time.Duration) int {
	s := int(math.Ceil(window.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
