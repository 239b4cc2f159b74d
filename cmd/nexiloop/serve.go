package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nexiloop/nexiloop/pkg/config"
	"github.com/nexiloop/nexiloop/pkg/quota"
	"github.com/nexiloop/nexiloop/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the quota HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			cfg, ledger, closeStore, err := setup(ctx, configPath, quota.WithMetrics(quota.NewMetrics(reg)))
			if err != nil {
				return err
			}
			defer closeStore()

			if watch {
				go func() {
					err := config.Watch(ctx, configPath, slog.Default(), func(next *config.Config) {
						ledger.SetLimits(next.Limits.Quota())
						ledger.SetFreeModels(next.FreeModels)
					})
					if err != nil {
						slog.Error("config watch stopped", "error", err)
					}
				}()
			}

			srv := server.New(cfg.Listen, ledger,
				server.WithLogger(slog.Default()),
				server.WithGatherer(reg),
			)
			slog.Info("starting nexiloop", "config", configPath, "store", cfg.Store.Driver)
			if err := srv.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload limits when the config file changes")
	return cmd
}
