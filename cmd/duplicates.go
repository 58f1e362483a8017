package cmd

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/models"
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Show models stored more than once",
	Long: `Show groups of model files with identical content (same SHA256), largest
waste first. With --filenames, show groups of different files that share a
file name instead.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		byName, _ := cmd.Flags().GetBool("filenames")

		s := loadedScanner(cmd.Context())
		if byName {
			displayFilenameGroups(s.DuplicateFilenames())
			return
		}

		groups := s.DuplicateHashes()
		if len(groups) == 0 {
			fmt.Println("No duplicate models found.")
			return
		}

		type dupSet struct {
			hash    string
			records []*models.ModelRecord
			wasted  int64
		}
		sets := make([]dupSet, 0, len(groups))
		var totalWasted int64
		for hash, paths := range groups {
			set := dupSet{hash: hash}
			for _, p := range paths {
				if r, ok := s.Cache().Get(p); ok {
					set.records = append(set.records, r)
				}
			}
			if len(set.records) < 2 {
				continue
			}
			sortBySize(set.records)
			set.wasted = set.records[0].Size * int64(len(set.records)-1)
			totalWasted += set.wasted
			sets = append(sets, set)
		}
		sort.Slice(sets, func(i, j int) bool {
			if sets[i].wasted != sets[j].wasted {
				return sets[i].wasted > sets[j].wasted
			}
			return sets[i].hash < sets[j].hash
		})

		fmt.Printf("Found %d duplicate set(s), %s reclaimable\n\n", len(sets), humanize.Bytes(uint64(totalWasted)))
		for i, set := range sets {
			fmt.Println("========================================")
			fmt.Printf("SHA256: %s (%d copies)\n", shortHash(set.hash), len(set.records))
			fmt.Println("========================================")
			for _, r := range set.records {
				fmt.Printf("  - %s (%s, %s)\n",
					r.FilePath,
					humanize.Bytes(uint64(r.Size)),
					r.Modified.Format("2006-01-02 15:04:05"),
				)
			}
			if i < len(sets)-1 {
				fmt.Println()
			}
		}
	},
}

func displayFilenameGroups(groups map[string][]string) {
	if len(groups) == 0 {
		fmt.Println("No shared file names found.")
		return
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("Found %d shared file name(s)\n\n", len(names))
	for _, name := range names {
		fmt.Printf("%s (%d files)\n", name, len(groups[name]))
		for _, p := range groups[name] {
			fmt.Printf("  - %s\n", p)
		}
	}
}

func init() {
	duplicatesCmd.Flags().Bool("filenames", false, "Group by shared file name instead of content")

	rootCmd.AddCommand(duplicatesCmd)
}
