package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/vnmchuo/inference-dispatch/config"
	"github.com/vnmchuo/inference-dispatch/internal/db"
	"github.com/vnmchuo/inference-dispatch/internal/gate"
	"github.com/vnmchuo/inference-dispatch/internal/logger"
	"github.com/vnmchuo/inference-dispatch/internal/seeder"
	"github.com/vnmchuo/inference-dispatch/internal/tenant"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(ctx context.Context, _ *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := logger.New(cfg)

			pool, err := db.Connect(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			log.Info().Msg("schema applied")
			return nil
		},
	}
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Create one development tenant per tier",
		Action: func(ctx context.Context, _ *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := logger.New(cfg)
			if !cfg.Relaxed() {
				return fmt.Errorf("refusing to seed dev tenants in %q environment", cfg.AppEnv)
			}

			pool, err := db.Connect(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := seeder.SeedDevTenants(ctx, tenant.NewPostgresStore(pool), log)
			if err != nil {
				return err
			}
			log.Info().Int("created", n).Msg("seed complete")
			return nil
		},
	}
}

func adminTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin-token",
		Usage: "Print a signed admin identity assertion",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "subject",
				Usage:    "Operator identity recorded in the token",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: time.Hour,
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "Signing secret",
				Sources: cli.EnvVars("ADMIN_JWT_SECRET"),
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			secret := cmd.String("secret")
			if secret == "" {
				return fmt.Errorf("ADMIN_JWT_SECRET or --secret is required")
			}
			token, err := gate.IssueAdminToken(secret, cmd.String("subject"), cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}
