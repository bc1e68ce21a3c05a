package backend

import (
	"context"
	"fmt"
)

// Registry routes a call to the provider serving its model.
type Registry struct {
	byModel map[string]Provider
}

var _ Invoker = (*Registry)(nil)

// NewRegistry indexes providers by their supported models. When two providers
// claim a model, the first one wins.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byModel: make(map[string]Provider)}
	for _, p := range providers {
		for _, m := range p.SupportedModels() {
			if _, taken := r.byModel[m]; !taken {
				r.byModel[m] = p
			}
		}
	}
	return r
}

func (r *Registry) Lookup(model string) (Provider, bool) {
	p, ok := r.byModel[model]
	return p, ok
}

// Models lists every model the registry can serve.
func (r *Registry) Models() []string {
	out := make([]string, 0, len(r.byModel))
	for m := range r.byModel {
		out = append(out, m)
	}
	return out
}

func (r *Registry) Invoke(ctx context.Context, call *Call) (*Result, error) {
	p, ok := r.byModel[call.Model]
	if !ok {
		return nil, &Error{Code: CodeRejected, Provider: "registry", Err: fmt.Errorf("no provider serves model %q", call.Model)}
	}
	return p.Invoke(ctx, call)
}
