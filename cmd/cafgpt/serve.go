package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cafgpt/cafgpt/pkg/audit"
	"github.com/cafgpt/cafgpt/pkg/auth"
	"github.com/cafgpt/cafgpt/pkg/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		envFiles   []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, envFiles)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, closeServices, err := openServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeServices()

			limiter, closeLimiter, err := openLimiter(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeLimiter()

			deps := server.Deps{
				Policy:   svc.router,
				PaceNote: svc.pacenote,
				Ledger:   svc.ledger,
				Limiter:  limiter,
				Tracker:  svc.tracker,
			}
			if cfg.Audit.Enabled {
				auditLog, err := audit.New(auditDBPath(cfg), cfg.Audit)
				if err != nil {
					return fmt.Errorf("init audit: %w", err)
				}
				defer func() { _ = auditLog.Close() }()
				deps.Audit = auditLog
			}
			authority, err := auth.New(cfg.Admin)
			switch {
			case errors.Is(err, auth.ErrNoSecret):
				log.Printf("admin endpoints disabled: no jwt secret configured")
			case err != nil:
				return fmt.Errorf("init auth: %w", err)
			default:
				deps.Auth = authority
			}

			srv := server.New(cfg.Listen, deps)
			log.Printf("starting cafgpt with config: %q", configPath)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults and environment when empty)")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	return cmd
}
