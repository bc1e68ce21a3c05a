package tenant

import (
	"net"
	"net/http"
	"strings"
)

const (
	HeaderOverride = "X-Tenant-Override"
	HeaderSandbox  = "X-Sandbox-ID"

	pathPrefix = "/t/"
)

// Source identifies where a tenant signal came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceHost     Source = "host"
	SourcePath     Source = "path"
	SourceHeader   Source = "header"
	SourceBearer   Source = "bearer"
)

type Signal struct {
	Source Source
	Key    Key
}

// Signals holds the signals present on a request, highest priority first.
type Signals []Signal

// Primary returns the highest-priority signal, the only one resolution consults.
func (s Signals) Primary() (Signal, bool) {
	if len(s) == 0 {
		return Signal{}, false
	}
	return s[0], true
}

type Options struct {
	// Relaxed enables the override header. Production deployments leave it false.
	Relaxed bool
	// BaseDomain enables host resolution of "<sandbox>.<BaseDomain>".
	BaseDomain string
}

// ExtractSignals reads tenant signals from r in fixed precedence:
// override, host, path, header, bearer token.
func ExtractSignals(r *http.Request, opts Options) Signals {
	var out Signals

	if opts.Relaxed {
		if v := strings.TrimSpace(r.Header.Get(HeaderOverride)); v != "" {
			out = append(out, Signal{SourceOverride, Key{KeySandbox, v}})
		}
	}

	if v := sandboxFromHost(r.Host, opts.BaseDomain); v != "" {
		out = append(out, Signal{SourceHost, Key{KeySandbox, v}})
	}

	if v := SandboxFromPath(r.URL.Path); v != "" {
		out = append(out, Signal{SourcePath, Key{KeySandbox, v}})
	}

	if v := strings.TrimSpace(r.Header.Get(HeaderSandbox)); v != "" {
		out = append(out, Signal{SourceHeader, Key{KeySandbox, v}})
	}

	if v := bearerToken(r); v != "" {
		out = append(out, Signal{SourceBearer, Key{KeyAPIKey, HashAPIKey(v)}})
	}

	return out
}

func sandboxFromHost(host, baseDomain string) string {
	if baseDomain == "" || host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	suffix := "." + strings.ToLower(baseDomain)
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}

// SandboxFromPath returns the sandbox id of a "/t/{sandbox}/..." path.
func SandboxFromPath(path string) string {
	if !strings.HasPrefix(path, pathPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, pathPrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
