package seeder

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/vnmchuo/inference-dispatch/internal/tenant"
)

// DevTenant is a development tenant with a known API key.
type DevTenant struct {
	SandboxID string
	Platform  string
	Tier      tenant.Tier
	APIKey    string
}

var DevTenants = []DevTenant{
	{SandboxID: "dev-free", Platform: "cli", Tier: tenant.TierFree, APIKey: "test-api-key-free"},
	{SandboxID: "dev-premium", Platform: "web", Tier: tenant.TierPremium, APIKey: "test-api-key-premium"},
	{SandboxID: "dev-enterprise", Platform: "partner", Tier: tenant.TierEnterprise, APIKey: "test-api-key-enterprise"},
}

type Creator interface {
	Create(ctx context.Context, t *tenant.Tenant) error
}

// SeedDevTenants provisions DevTenants, skipping any that already exist.
// It returns how many were created.
func SeedDevTenants(ctx context.Context, store Creator, logger zerolog.Logger) (int, error) {
	log := logger.With().Str("name", "seeder").Logger()

	created := 0
	for _, d := range DevTenants {
		t := &tenant.Tenant{
			Platform:   d.Platform,
			Tier:       d.Tier,
			SandboxID:  d.SandboxID,
			APIKeyHash: tenant.HashAPIKey(d.APIKey),
		}
		err := store.Create(ctx, t)
		switch {
		case errors.Is(err, tenant.ErrSandboxConflict):
			log.Info().Str("sandbox_id", d.SandboxID).Msg("tenant already exists, skipping")
			continue
		case err != nil:
			return created, err
		}
		created++
		log.Info().
			Str("tenant_id", t.ID).
			Str("sandbox_id", d.SandboxID).
			Str("tier", string(d.Tier)).
			Str("api_key", d.APIKey).
			Msg("dev tenant created")
	}
	return created, nil
}
