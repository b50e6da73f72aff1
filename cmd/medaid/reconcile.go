package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/medaid/medaid/internal/cache/daemon"
	"github.com/medaid/medaid/internal/cache/dashboard"
	cachesync "github.com/medaid/medaid/internal/cache/sync"
	"github.com/medaid/medaid/internal/ui"
)

var reconcileCmd = &cobra.Command{
	Use:     "reconcile",
	GroupID: "sync",
	Short:   "Upload identities created offline",
	Long: `Run one reconciliation pass over identities created while offline.

Each pending identity is checked against the backend by health ID number and
inserted when absent. Identities that fail stay pending for the next pass.

With --signal, no pass runs here; the trigger file is touched instead so a
running daemon picks the work up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if signal, _ := cmd.Flags().GetBool("signal"); signal {
			if cfg.Reconcile.TriggerFile == "" {
				return errors.New("reconcile.trigger_file is not configured")
			}
			if err := daemon.Touch(cfg.Reconcile.TriggerFile); err != nil {
				return err
			}
			fmt.Printf("%s Signalled daemon via %s\n", ui.RenderPass("✓"), cfg.Reconcile.TriggerFile)
			return nil
		}

		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		report := a.service.ReconcilePending(cmd.Context())
		if jsonOutput {
			return printJSON(dashboard.NewReportData(report))
		}
		printReport(report)
		if report.Err != nil {
			return report.Err
		}
		return nil
	},
}

func printReport(report *cachesync.Report) {
	if len(report.Items) == 0 && report.Err == nil {
		fmt.Printf("%s Nothing pending\n", ui.RenderPass("✓"))
		return
	}

	rows := make([][]string, 0, len(report.Items))
	for _, it := range report.Items {
		status := ui.RenderPass(string(it.Status))
		detail := it.ServerID
		if it.AlreadyRemote {
			detail = "already on backend, not linked"
		}
		if it.Status == cachesync.StatusSkipped {
			status = ui.RenderWarn(string(it.Status))
			detail = it.Reason
			if it.Err != nil {
				detail += ": " + it.Err.Error()
			}
		}
		rows = append(rows, []string{it.LocalID, it.HealthIDNumber, status, detail})
	}
	fmt.Print(ui.Table([]string{"Local ID", "Health ID", "Status", "Detail"}, rows))
	fmt.Printf("\n%s %d reconciled, %d skipped in %v\n",
		ui.RenderAccent("→"), report.Reconciled, report.Skipped(), report.Duration.Round(time.Millisecond))
}

func init() {
	reconcileCmd.Flags().Bool("signal", false, "touch the trigger file instead of running a pass")
	rootCmd.AddCommand(reconcileCmd)
}
