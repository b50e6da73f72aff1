package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medaid/medaid/internal/cache/db"
	"github.com/medaid/medaid/internal/cache/schema"
	"github.com/medaid/medaid/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "sync",
	Short:   "Inspect the local cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local cache status",
	Long: `Display the current state of the local cache.

Shows:
  - Cache file location and size
  - Record count per collection
  - Identities still waiting for reconciliation`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(cfg.DB.Path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Cache not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   It is created on the first lookup or 'medaid snapshot import'\n\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check cache: %w", err)
		}

		ctx := cmd.Context()
		database, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		counts, err := database.Counts(ctx)
		if err != nil {
			return err
		}
		pending, err := database.QueryContext(ctx, schema.HealthIDs, "pending_verification", true, db.QueryOptions{})
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(map[string]any{
				"path":        cfg.DB.Path,
				"size_bytes":  info.Size(),
				"collections": counts,
				"pending":     len(pending),
				"modified":    info.ModTime(),
			})
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader("Cache Status"))
		fmt.Print(ui.KeyValue(
			"Location", cfg.DB.Path,
			"Size", formatSize(info.Size()),
			"Modified", info.ModTime().Format("2006-01-02 15:04:05"),
		))
		fmt.Println()

		rows := make([][]string, 0, len(counts))
		for _, c := range schema.Collections() {
			rows = append(rows, []string{c.Name, fmt.Sprint(counts[c.Name])})
		}
		fmt.Print(ui.Table([]string{"Collection", "Records"}, rows))

		if len(pending) > 0 {
			fmt.Printf("\n%s %d identities pending reconciliation\n\n", ui.RenderWarn("⚠"), len(pending))
		} else {
			fmt.Printf("\n%s Nothing pending\n\n", ui.RenderPass("✓"))
		}
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	cacheCmd.AddCommand(cacheStatusCmd)
	rootCmd.AddCommand(cacheCmd)
}
