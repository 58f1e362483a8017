package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/progress"
	"github.com/victor/modelvault/internal/scanner"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Load or build the cache of a library",
	Long: `Loads the library cache from its snapshot when one exists and is
compatible, otherwise scans every root, hashes new files and writes a fresh
snapshot. Use --rebuild to ignore the snapshot and rescan everything.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		rebuild, _ := cmd.Flags().GetBool("rebuild")
		quiet, _ := cmd.Flags().GetBool("quiet")

		s := getScanner()
		stop := func() {}
		if !quiet {
			stop = renderProgress(getRegistry().Progress())
		}

		start := time.Now()
		var res scanner.PassResult
		var err error
		if rebuild {
			res, err = s.Rebuild(cmd.Context())
		} else {
			res, err = s.Refresh(cmd.Context())
		}
		stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error indexing: %v\n", err)
			exit(1)
		}

		printSummary(s, res.Kind, time.Since(start))
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Reconcile the cache with the disk",
	Long: `Compares the cached paths with the files currently on disk and only
processes the difference: new files are hashed and added, vanished files are
removed and files whose size or modification time changed are reloaded.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		quiet, _ := cmd.Flags().GetBool("quiet")

		s := getScanner()
		stop := func() {}
		if !quiet {
			stop = renderProgress(getRegistry().Progress())
		}
		start := time.Now()
		delta, err := s.Reconcile(cmd.Context())
		stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reindexing: %v\n", err)
			exit(1)
		}

		fmt.Printf("Added:     %d\n", len(delta.Added))
		fmt.Printf("Removed:   %d\n", len(delta.Removed))
		fmt.Printf("Changed:   %d\n", len(delta.Changed))
		fmt.Printf("Unchanged: %d\n", delta.Unchanged)
		printSummary(s, scanner.PassReconcile, time.Since(start))
	},
}

func printSummary(s *scanner.Scanner, kind string, took time.Duration) {
	st := s.Stats()
	var total int64
	for _, r := range s.Cache().RawData() {
		total += r.Size
	}

	fmt.Printf("\n%s library ready (%s, %s)\n", st.ModelType, kind, took.Round(time.Millisecond))
	fmt.Printf("  Models:     %d (%s)\n", st.Records, humanize.Bytes(uint64(total)))
	fmt.Printf("  Folders:    %d\n", st.Folders)
	fmt.Printf("  Duplicates: %d hashes\n", st.Duplicates)
	fmt.Printf("  Excluded:   %d\n", st.Excluded)
}

// renderProgress draws a bar per stage from broadcast updates. The returned
// func stops rendering.
func renderProgress(b *progress.Broadcaster) func() {
	updates, cancel := b.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		var bar *progressbar.ProgressBar
		stage := ""
		for u := range updates {
			if u.Total == 0 {
				continue
			}
			if bar == nil || u.Stage != stage {
				if bar != nil {
					_ = bar.Finish()
				}
				stage = u.Stage
				bar = newBar(int64(u.Total), fmt.Sprintf("%s %s", u.ModelType, u.Stage))
			}
			_ = bar.Set64(int64(u.Done))
		}
		if bar != nil {
			_ = bar.Finish()
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func newBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(60),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func init() {
	indexCmd.Flags().BoolP("rebuild", "r", false, "Ignore the snapshot and rescan every file")
	indexCmd.Flags().BoolP("quiet", "q", false, "Do not draw progress bars")
	reindexCmd.Flags().BoolP("quiet", "q", false, "Do not draw progress bars")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(reindexCmd)
}
