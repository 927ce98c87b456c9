package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/service-tip-git/attachments/internal/adapter"
	"github.com/service-tip-git/attachments/pkg/api"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		listen string
		cors   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the attachment HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Global.ListenAddress = listen
			}

			ctx := cmd.Context()
			a, err := adapter.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			a.Start(ctx)

			serverConfig := api.DefaultServerConfig()
			serverConfig.Address = cfg.Global.ListenAddress
			serverConfig.RequireTenant = cfg.Multitenancy
			serverConfig.EnableCORS = cors
			serverConfig.MetricsPath = cfg.Monitoring.Metrics.Path
			serverConfig.Version = version

			server := api.NewServer(serverConfig, api.Dependencies{
				Attachments: a.Service(),
				Hooks:       a.Dispatcher(),
				Lifecycle:   a,
				Health:      a.Health(),
				Metrics:     a.Metrics(),
				Logger:      a.Logger(),
			})

			errc := server.StartBackground()
			select {
			case err := <-errc:
				if err != nil {
					return fmt.Errorf("api server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Global.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.Logger().Error("API server shutdown failed", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the configured listen address")
	cmd.Flags().BoolVar(&cors, "cors", false, "allow cross-origin requests")
	return cmd
}
