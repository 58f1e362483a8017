package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/models"
	"github.com/victor/modelvault/internal/scanner"
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

var showCmd = &cobra.Command{
	Use:   "show [path|sha256|filename]",
	Short: "Show detailed information about a model",
	Long: `Display the cached record of a model. The model can be given by file path,
full SHA256 hash or file name without extension.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := loadedScanner(cmd.Context())

		path, ok := resolveModel(s, args[0])
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: Model not found: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "You can use a file path, a full SHA256 hash or a file name.\n")
			fmt.Fprintf(os.Stderr, "Use 'modelvault list -t %s' to see available models.\n", s.ModelType())
			exit(1)
		}
		r, ok := s.Cache().Get(path)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: %s is known but not in the active set (excluded?)\n", path)
			exit(1)
		}

		fmt.Printf("Model Details\n")
		fmt.Printf("=============\n\n")
		fmt.Printf("Name:        %s\n", r.DisplayName())
		fmt.Printf("File:        %s\n", r.FilePath)
		fmt.Printf("Folder:      %s\n", r.Folder)
		fmt.Printf("Size:        %s\n", humanize.Bytes(uint64(r.Size)))
		fmt.Printf("Modified:    %s (%s)\n", r.Modified.Format(time.RFC3339), humanize.Time(r.Modified))
		fmt.Printf("SHA256:      %s\n", r.SHA256)
		if r.BaseModel != "" {
			fmt.Printf("Base Model:  %s\n", r.BaseModel)
		}
		if len(r.Tags) > 0 {
			fmt.Printf("Tags:        %s\n", strings.Join(r.Tags, ", "))
		}
		if r.PreviewURL != "" {
			fmt.Printf("Preview:     %s\n", r.PreviewURL)
		}
		if r.Description != "" {
			fmt.Printf("\n%s\n", r.Description)
		}

		if dups := s.DuplicateHashes()[r.SHA256]; len(dups) > 1 {
			fmt.Printf("\nSame content (%d copies)\n", len(dups))
			fmt.Printf("-----------\n")
			for _, p := range dups {
				fmt.Printf("  %s\n", p)
			}
		}
	},
}

// resolveModel maps a path, hash or file name to a known model path.
func resolveModel(s *scanner.Scanner, identifier string) (string, bool) {
	if sha256Pattern.MatchString(identifier) {
		if p, ok := s.GetPathByHash(identifier); ok {
			return p, true
		}
	}

	if abs, err := filepath.Abs(identifier); err == nil {
		p := models.NormalizePath(abs)
		if _, ok := s.GetHashByPath(p); ok {
			return p, true
		}
		if s.Cache().Contains(p) {
			return p, true
		}
	}

	if h, ok := s.GetHashByFilename(identifier); ok {
		return s.GetPathByHash(h)
	}
	return "", false
}

func init() {
	rootCmd.AddCommand(showCmd)
}
