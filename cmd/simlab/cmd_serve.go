package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/server"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/paths"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workspace API server",
		Long: `Run the HTTP and WebSocket API.

Configuration comes from defaults, then --config, then environment
variables (PORT, GENERATION_ENDPOINT, AUTH_URL, QUOTA_DB_PATH, ...).
Flags override all of them. SIGINT or SIGTERM shuts down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Server.Port = port
			}
			if dev, _ := cmd.Flags().GetBool("dev"); dev {
				cfg.Logging.Development = true
				cfg.Logging.Level = "debug"
			}
			if persist, _ := cmd.Flags().GetBool("persist"); persist && cfg.Quota.DBPath == "" {
				cfg.Quota.DBPath = paths.QuotaDB()
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.NewServer(ctx, cfg, server.Options{})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			runErr := srv.Run(ctx)
			if err := srv.Close(); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}

	cmd.Flags().String("port", "", "Server port (overrides PORT)")
	cmd.Flags().Bool("dev", false, "Development mode: colored console logs at debug level")
	cmd.Flags().Bool("persist", false, "Keep quota usage in $SIMLAB_DATA_DIR/quota.db when QUOTA_DB_PATH is unset")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// commandContext returns cmd's context, or Background outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
