package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medaid/medaid/internal/cache/daemon"
	"github.com/medaid/medaid/internal/cache/dashboard"
	cachesync "github.com/medaid/medaid/internal/cache/sync"
	"github.com/medaid/medaid/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run reconciliation and the dashboard in the foreground",
	Long: `Run the reconciliation daemon in the foreground.

The daemon reconciles pending identities at startup, every
reconcile.interval, and whenever reconcile.trigger_file is touched
(see 'medaid reconcile --signal').

Unless --no-dashboard is given it also serves, on dashboard.port:
  /health                  liveness
  /metrics                 Prometheus metrics
  /ws                      WebSocket feed of lookups and reconcile passes
  /api/v1/...              read-through record lookups
  POST /api/v1/reconcile   run a pass now`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		ctx := cmd.Context()
		registry := newRegistry()

		var (
			server   *dashboard.Server
			handler  *dashboard.Handler
			observer cachesync.Observer
		)
		if !noDashboard {
			server = dashboard.NewServer(&dashboard.Config{
				Port:     cfg.Dashboard.Port,
				Gatherer: registry,
				Logger:   logger,
			})
			handler = dashboard.NewHandler(server, logger)
			observer = handler
		}

		a, err := openAppWith(ctx, observer, registry)
		if err != nil {
			return err
		}
		defer a.Close()

		dcfg := daemon.DefaultConfig()
		dcfg.Interval = cfg.Reconcile.Interval
		dcfg.TriggerFile = cfg.Reconcile.TriggerFile
		dcfg.Logger = logger
		if handler != nil {
			dcfg.Observer = handler
		}

		d, err := daemon.New(a.service, dcfg)
		if err != nil {
			return err
		}

		if server != nil {
			server.SetService(a.service)
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				if err := server.Stop(); err != nil {
					logger.Warn("dashboard shutdown failed", zap.Error(err))
				}
			}()
			fmt.Printf("%s Dashboard on http://localhost:%d (ws://localhost:%d/ws)\n",
				ui.RenderAccent("→"), cfg.Dashboard.Port, cfg.Dashboard.Port)
		}

		fmt.Printf("%s Reconciling every %s\n", ui.RenderAccent("→"), cfg.Reconcile.Interval)
		if cfg.Reconcile.TriggerFile != "" {
			fmt.Printf("   Trigger file: %s\n", cfg.Reconcile.TriggerFile)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the HTTP dashboard")
	rootCmd.AddCommand(daemonCmd)
}
