package dispatch

import (
	"fmt"
	"os"
	"time"

	"github.com/vnmchuo/inference-dispatch/internal/tenant"
	"gopkg.in/yaml.v3"
)

// TierPolicy is one row of the routing table. An alias row carries only Alias
// and behaves exactly like the tier it names.
type TierPolicy struct {
	Model    string        `yaml:"model,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Retries  int           `yaml:"retries,omitempty"`
	Fallback tenant.Tier   `yaml:"fallback,omitempty"`
	Alias    tenant.Tier   `yaml:"alias,omitempty"`
}

// PolicyTable maps each tier to its routing policy.
type PolicyTable struct {
	Tiers map[tenant.Tier]TierPolicy `yaml:"tiers"`
}

// DefaultPolicy is the built-in table: free retries only, premium retries once
// then falls back to the free model, enterprise follows premium.
func DefaultPolicy() PolicyTable {
	return PolicyTable{Tiers: map[tenant.Tier]TierPolicy{
		tenant.TierFree: {
			Model:   "gpt-4o-mini",
			Timeout: 8 * time.Second,
			Retries: 2,
		},
		tenant.TierPremium: {
			Model:    "claude-3-5-sonnet-latest",
			Timeout:  20 * time.Second,
			Retries:  1,
			Fallback: tenant.TierFree,
		},
		tenant.TierEnterprise: {Alias: tenant.TierPremium},
	}}
}

// LoadPolicy reads a YAML table from path and overlays it on DefaultPolicy.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadPolicy(path string) (PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyTable{}, fmt.Errorf("dispatch: read policy: %w", err)
	}

	var file PolicyTable
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return PolicyTable{}, fmt.Errorf("dispatch: parse policy: %w", err)
	}

	table := DefaultPolicy()
	for tier, p := range file.Tiers {
		table.Tiers[tier] = p
	}
	if err := table.Validate(); err != nil {
		return PolicyTable{}, err
	}
	return table, nil
}

// Validate checks that every known tier resolves to a usable policy.
func (t PolicyTable) Validate() error {
	for tier, p := range t.Tiers {
		if !tier.Valid() {
			return fmt.Errorf("dispatch: policy: unknown tier %q", tier)
		}
		if p.Alias != "" {
			if p.Model != "" || p.Timeout != 0 || p.Retries != 0 || p.Fallback != "" {
				return fmt.Errorf("dispatch: policy: tier %q: alias rows take no other fields", tier)
			}
			target, ok := t.Tiers[p.Alias]
			if !ok {
				return fmt.Errorf("dispatch: policy: tier %q: alias target %q is not defined", tier, p.Alias)
			}
			if target.Alias != "" {
				return fmt.Errorf("dispatch: policy: tier %q: alias target %q is itself an alias", tier, p.Alias)
			}
			continue
		}
		if p.Model == "" {
			return fmt.Errorf("dispatch: policy: tier %q: model is required", tier)
		}
		if p.Timeout <= 0 {
			return fmt.Errorf("dispatch: policy: tier %q: timeout must be positive", tier)
		}
		if p.Retries < 0 {
			return fmt.Errorf("dispatch: policy: tier %q: retries must not be negative", tier)
		}
		if p.Fallback != "" {
			if p.Fallback == tier {
				return fmt.Errorf("dispatch: policy: tier %q: cannot fall back to itself", tier)
			}
			if _, err := t.resolve(p.Fallback); err != nil {
				return fmt.Errorf("dispatch: policy: tier %q: fallback: %w", tier, err)
			}
		}
	}

	for _, tier := range []tenant.Tier{tenant.TierFree, tenant.TierPremium, tenant.TierEnterprise} {
		if _, ok := t.Tiers[tier]; !ok {
			return fmt.Errorf("dispatch: policy: tier %q is not defined", tier)
		}
	}
	return nil
}

func (t PolicyTable) resolve(tier tenant.Tier) (TierPolicy, error) {
	p, ok := t.Tiers[tier]
	if !ok {
		return TierPolicy{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if p.Alias != "" {
		p, ok = t.Tiers[p.Alias]
		if !ok || p.Alias != "" {
			return TierPolicy{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
		}
	}
	return p, nil
}

// Plan returns the primary policy for tier and, when the tier has one, the
// policy of its fallback target. Only the target's model and timeout apply.
func (t PolicyTable) Plan(tier tenant.Tier) (TierPolicy, *TierPolicy, error) {
	primary, err := t.resolve(tier)
	if err != nil {
		return TierPolicy{}, nil, err
	}
	if primary.Fallback == "" {
		return primary, nil, nil
	}
	fb, err := t.resolve(primary.Fallback)
	if err != nil {
		return TierPolicy{}, nil, err
	}
	return primary, &fb, nil
}

// Models lists every model the table can route to.
func (t PolicyTable) Models() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range t.Tiers {
		if p.Model != "" && !seen[p.Model] {
			seen[p.Model] = true
			out = append(out, p.Model)
		}
	}
	return out
}
