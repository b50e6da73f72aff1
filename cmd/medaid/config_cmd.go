package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medaid/medaid/internal/config"
	"github.com/medaid/medaid/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage medaid configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a config file with default settings",
	Annotations: map[string]string{"skipConfig": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath
		if path == "" {
			path = config.FileName
		}

		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Set remote.url and remote.api_key (or MEDAID_REMOTE_URL / MEDAID_REMOTE_API_KEY)\n")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Remote.APIKey != "" {
			shown.Remote.APIKey = "********"
		}
		if shown.Remote.DSN != "" {
			shown.Remote.DSN = "********"
		}
		if jsonOutput {
			return printJSON(shown)
		}

		fmt.Println(ui.RenderHeader("Configuration"))
		fmt.Print(ui.KeyValue(
			"db.path", shown.DB.Path,
			"remote.driver", shown.Remote.Driver,
			"remote.url", shown.Remote.URL,
			"remote.api_key", shown.Remote.APIKey,
			"remote.dsn", shown.Remote.DSN,
			"remote.timeout", shown.Remote.Timeout.String(),
			"reconcile.interval", shown.Reconcile.Interval.String(),
			"reconcile.trigger", shown.Reconcile.TriggerFile,
			"dashboard.port", fmt.Sprint(shown.Dashboard.Port),
			"log.level", shown.Log.Level,
			"snapshot.s3.bucket", shown.Snapshot.S3.Bucket,
		))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
