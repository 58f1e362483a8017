package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/models"
)

var excludeCmd = &cobra.Command{
	Use:   "exclude [path|sha256|filename]...",
	Short: "Hide models from the library without deleting them",
	Long: `Mark models as excluded in their metadata sidecar. Excluded models stay on
disk and are remembered, but are left out of listings and queries. Use --undo
with file paths to bring them back and --list to show them.`,
	Run: func(cmd *cobra.Command, args []string) {
		undo, _ := cmd.Flags().GetBool("undo")
		list, _ := cmd.Flags().GetBool("list")

		s := loadedScanner(cmd.Context())

		if list {
			excluded := s.ExcludedPaths()
			if len(excluded) == 0 {
				fmt.Println("No excluded models.")
				return
			}
			for _, p := range excluded {
				fmt.Println(p)
			}
			return
		}
		if len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Error: at least one model is required\n")
			exit(1)
		}

		failed := 0
		for _, identifier := range args {
			var err error
			var path string
			if undo {
				abs, absErr := filepath.Abs(identifier)
				if absErr != nil {
					abs = identifier
				}
				path = models.NormalizePath(abs)
				err = s.UnexcludeModel(cmd.Context(), path)
			} else {
				p, ok := resolveModel(s, identifier)
				if !ok {
					fmt.Fprintf(os.Stderr, "✗ Model not found: %s\n", identifier)
					failed++
					continue
				}
				path = p
				err = s.ExcludeModel(cmd.Context(), path)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "✗ %s\n", path)
				fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
				failed++
				continue
			}
			if undo {
				fmt.Printf("✓ Restored %s\n", path)
			} else {
				fmt.Printf("✓ Excluded %s\n", path)
			}
		}

		if failed > 0 {
			exit(1)
		}
	},
}

func init() {
	excludeCmd.Flags().BoolP("undo", "u", false, "Clear the exclude flag instead of setting it")
	excludeCmd.Flags().BoolP("list", "l", false, "List excluded models")
	rootCmd.AddCommand(excludeCmd)
}
