package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/models"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [path|sha256|filename]...",
	Short: "Delete one or more models from disk",
	Long: `Delete model files together with their metadata sidecars and preview
images, and drop them from the library cache.

You can specify models by:
  - File path
  - Full SHA256 hash
  - File name without extension

Unlike the other commands this removes files on disk.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		s := loadedScanner(cmd.Context())

		var targets []*models.ModelRecord
		var totalSize int64
		for _, identifier := range args {
			path, ok := resolveModel(s, identifier)
			if !ok {
				fmt.Fprintf(os.Stderr, "Error: Model not found: %s\n", identifier)
				fmt.Fprintf(os.Stderr, "\nUse 'modelvault list -t %s' to see available models.\n", s.ModelType())
				exit(1)
			}
			r, ok := s.Cache().Get(path)
			if !ok {
				fmt.Fprintf(os.Stderr, "Error: %s is not in the active set\n", path)
				exit(1)
			}
			targets = append(targets, r)
			totalSize += r.Size
		}

		fmt.Printf("Models to delete (%d):\n", len(targets))
		for i, r := range targets {
			fmt.Printf("\n  %d. %s\n", i+1, r.DisplayName())
			fmt.Printf("     Path: %s\n", r.FilePath)
			fmt.Printf("     Size: %s\n", humanize.Bytes(uint64(r.Size)))
		}
		fmt.Printf("\nThis will free %s and delete sidecar and preview files.\n", humanize.Bytes(uint64(totalSize)))

		if !force {
			fmt.Printf("\nWarning: This action cannot be undone!\n")
			fmt.Printf("Use --force flag to confirm deletion.\n")
			exit(0)
		}

		paths := make([]string, len(targets))
		for i, r := range targets {
			paths[i] = r.FilePath
		}
		report, err := s.BulkDeleteModels(cmd.Context(), paths)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting models: %v\n", err)
			exit(1)
		}

		for _, p := range report.Deleted {
			fmt.Printf("✓ Deleted %s\n", p)
		}
		failed := make([]string, 0, len(report.Failed))
		for p := range report.Failed {
			failed = append(failed, p)
		}
		sort.Strings(failed)
		for _, p := range failed {
			fmt.Fprintf(os.Stderr, "✗ Failed to delete %s\n", p)
			fmt.Fprintf(os.Stderr, "  Error: %s\n", report.Failed[p])
		}

		if len(targets) > 1 {
			fmt.Printf("\nSummary: %d of %d models deleted, %d files removed.\n", len(report.Deleted), len(targets), len(report.Files))
		}
		if len(failed) > 0 {
			exit(1)
		}
	},
}

func init() {
	deleteCmd.Flags().BoolP("force", "f", false, "Skip confirmation prompt")
	rootCmd.AddCommand(deleteCmd)
}
