package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/config"
	"github.com/victor/modelvault/internal/models"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file",
	Long: `Write a config file with the current settings and the given library roots.
Roots are given as TYPE=DIR and may be repeated:

  modelvault init --root lora=/models/loras --root checkpoint=/models/checkpoints`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		roots, _ := cmd.Flags().GetStringArray("root")
		force, _ := cmd.Flags().GetBool("force")
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = config.DefaultPath()
		}

		if _, err := os.Stat(output); err == nil && !force {
			fmt.Fprintf(os.Stderr, "Error: %s already exists\n", output)
			fmt.Fprintf(os.Stderr, "Use --force flag to overwrite it.\n")
			exit(1)
		}

		out := *cfg
		out.Libraries = make(map[string]config.Library, len(cfg.Libraries))
		for name, lib := range cfg.Libraries {
			out.Libraries[name] = lib
		}
		for _, arg := range roots {
			name, dir, ok := strings.Cut(arg, "=")
			if !ok || dir == "" {
				fmt.Fprintf(os.Stderr, "Error: Invalid root %q, expected TYPE=DIR\n", arg)
				exit(1)
			}
			mt := models.ModelType(name)
			if !mt.Valid() {
				fmt.Fprintf(os.Stderr, "Error: Unknown model type %q\n", name)
				exit(1)
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exit(1)
			}
			lib := out.Libraries[name]
			lib.Roots = append(append([]string(nil), lib.Roots...), abs)
			if len(lib.Extensions) == 0 {
				lib.Extensions = models.DefaultExtensions(mt)
			}
			out.Libraries[name] = lib
		}

		if err := out.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
			exit(1)
		}
		if err := config.Save(&out, output); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			exit(1)
		}

		fmt.Printf("✓ Wrote %s\n", output)
		for _, name := range out.ModelTypes() {
			fmt.Printf("  %s: %s\n", name, strings.Join(out.Libraries[name].Roots, ", "))
		}
	},
}

func init() {
	initCmd.Flags().StringArrayP("root", "r", []string{}, "Library root as TYPE=DIR (can specify multiple)")
	initCmd.Flags().StringP("output", "o", "", "Config file to write (default ~/.modelvault/config.yaml)")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
