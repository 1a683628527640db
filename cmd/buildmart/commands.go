package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/cache"
	"erp/ecommerce/buildmart/internal/config"
	"erp/ecommerce/buildmart/internal/payment"
	"erp/ecommerce/buildmart/internal/server"
	"erp/ecommerce/buildmart/internal/store"
	"erp/ecommerce/buildmart/internal/telemetry"
)

var (
	cfg config.Config
	log zerolog.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "buildmart",
		Short:        "Construction materials storefront API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			log = telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)
			return nil
		},
	}
	root.AddCommand(serveCmd(), migrateCmd(), createAdminCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.SetupTracing(cfg.TracingEnabled, cfg.ServiceName)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					log.Warn().Err(err).Msg("trace exporter shutdown failed")
				}
			}()

			db := store.Open(cfg, log)
			if db != nil {
				defer db.Close()
			}

			var rdb *redis.Client
			if cfg.RedisURL != "" {
				rdb, err = cache.Dial(ctx, cfg.RedisURL)
				if err != nil {
					log.Warn().Err(err).Msg("redis unavailable, using in-process cache and chat fan-out")
					rdb = nil
				} else {
					defer rdb.Close()
				}
			}

			deps := server.Deps{
				Config:  cfg,
				DB:      db,
				Redis:   rdb,
				Metrics: telemetry.NewMetrics("buildmart"),
				Log:     log,
			}
			if cfg.PaymentsEnabled() {
				deps.Gateway = payment.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, log)
			} else {
				log.Warn().Msg("STRIPE_SECRET_KEY not set, online payments are disabled")
			}
			return server.New(deps).Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Connect(cfg)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()
			if err := store.Migrate(db); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func createAdminCmd() *cobra.Command {
	var name, email, password, phone string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Connect(cfg)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()
			if err := store.Migrate(db); err != nil {
				return err
			}
			secret, _ := cfg.Secret()
			users := auth.NewService(db, auth.NewTokens(secret, cfg.JWTTTL), log)
			u, err := users.CreateAdmin(cmd.Context(), name, email, password, phone)
			if err != nil {
				return err
			}
			log.Info().Str("user_id", u.ID).Str("email", u.Email).Msg("admin created")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "Administrator", "display name")
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&password, "password", "", "password, at least 6 characters")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}
