package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/medaid/medaid/internal/blob"
	"github.com/medaid/medaid/internal/cache/snapshot"
	"github.com/medaid/medaid/internal/ui"
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	GroupID: "data",
	Short:   "Export or import the local cache",
	Long: `Export the local cache to a JSONL snapshot, or seed a cache from one.

A snapshot holds one {"collection": ..., "record": ...} object per line and
is accompanied by a <name>.manifest.yaml summary. Pending identities keep
their pending flag, so a seeded device still reconciles them.`,
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Write every cached record to a snapshot file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := fmt.Sprintf("medaid-%s.jsonl", time.Now().UTC().Format("20060102-150405"))
		if len(args) == 1 {
			path = args[0]
		}
		doUpload, _ := cmd.Flags().GetBool("upload")
		prefix, _ := cmd.Flags().GetString("prefix")

		database, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		opts := snapshot.ExportOptions{
			Path:       path,
			SourceName: cfg.DB.Path,
			KeyPrefix:  prefix,
		}
		if doUpload {
			store, err := openBlob(cmd)
			if err != nil {
				return err
			}
			opts.Upload = store
		}

		result, err := snapshot.Export(ctx, database, opts)
		if result == nil {
			return err
		}
		if jsonOutput {
			if perr := printJSON(result); perr != nil {
				return perr
			}
			return err
		}

		fmt.Printf("%s Wrote %d records to %s\n", ui.RenderPass("✓"), result.Manifest.Records, result.Path)
		printCounts(result.Manifest.Collections)
		fmt.Printf("   Manifest: %s\n", result.ManifestPath)
		for _, key := range result.Uploaded {
			fmt.Printf("%s Uploaded s3://%s/%s\n", ui.RenderAccent("→"), cfg.Snapshot.S3.Bucket, key)
		}
		return err
	},
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Seed the local cache from a snapshot file",
	Long: `Seed the local cache from a snapshot file.

Records are upserted by id. With --from-s3 the argument is an object key in
snapshot.s3.bucket instead of a local path.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fromS3, _ := cmd.Flags().GetBool("from-s3")

		database, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		var result *snapshot.ImportResult
		if fromS3 {
			store, err := openBlob(cmd)
			if err != nil {
				return err
			}
			body, err := store.Download(ctx, args[0])
			if err != nil {
				return err
			}
			defer body.Close()
			result, err = snapshot.Import(ctx, database, body)
			if err != nil {
				return err
			}
		} else {
			result, err = snapshot.ImportFile(ctx, database, filepath.Clean(args[0]))
			if err != nil {
				return err
			}
		}

		if jsonOutput {
			return printJSON(result)
		}
		fmt.Printf("%s Imported %d records\n", ui.RenderPass("✓"), result.Total)
		printCounts(result.Imported)
		if len(result.Errors) > 0 {
			fmt.Printf("\n%s %d lines skipped:\n", ui.RenderWarn("⚠"), len(result.Errors))
			for _, e := range result.Errors {
				fmt.Printf("   %s\n", ui.RenderMuted(e))
			}
		}
		return nil
	},
}

// openBlob connects the configured snapshot bucket.
func openBlob(cmd *cobra.Command) (*blob.Store, error) {
	s3cfg := cfg.Snapshot.S3
	if s3cfg.Bucket == "" {
		return nil, errors.New("snapshot.s3.bucket is not configured")
	}
	return blob.New(cmd.Context(), blob.Config{
		Bucket:    s3cfg.Bucket,
		Region:    s3cfg.Region,
		Endpoint:  s3cfg.Endpoint,
		PathStyle: s3cfg.PathStyle,
	})
}

func printCounts(counts map[string]int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, fmt.Sprint(counts[name])})
	}
	if len(rows) > 0 {
		fmt.Print(ui.Table([]string{"Collection", "Records"}, rows))
	}
}

func init() {
	snapshotExportCmd.Flags().Bool("upload", false, "also upload the snapshot to snapshot.s3.bucket")
	snapshotExportCmd.Flags().String("prefix", "", "object key prefix for uploads")
	snapshotImportCmd.Flags().Bool("from-s3", false, "treat the argument as an object key in snapshot.s3.bucket")

	snapshotCmd.AddCommand(snapshotExportCmd, snapshotImportCmd)
	rootCmd.AddCommand(snapshotCmd)
}
