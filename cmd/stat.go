package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/database"
)

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show snapshot statistics and information",
	Long: `Display the snapshot file of every configured library with its location,
size, format version and the number of records it holds. The snapshots are
read directly; no library is scanned. Use --invalidate to force the next start
of the selected library to rescan.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		invalidate, _ := cmd.Flags().GetBool("invalidate")

		if invalidate {
			getScanner()
			path := database.SnapshotPath(cfg.SnapshotDir, modelType)
			db, err := database.NewDB(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: Could not open snapshot: %v\n", err)
				exit(1)
			}
			defer db.Close()
			if err := db.WriteHeader(0, modelType); err != nil {
				fmt.Fprintf(os.Stderr, "Error invalidating snapshot: %v\n", err)
				exit(1)
			}
			fmt.Printf("Invalidated %s snapshot; the next start will rescan.\n", modelType)
			return
		}

		fmt.Println("Snapshot Statistics")
		fmt.Println("===================")
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Snapshot Dir:\t%s\n", cfg.SnapshotDir)
		fmt.Fprintf(w, "Format Version:\t%d\n", database.FormatVersion)
		w.Flush()
		fmt.Println()

		w2 := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w2, "TYPE\tRECORDS\tHASHES\tDUPLICATES\tEXCLUDED\tSIZE\tCAPTURED\tSTATUS")
		fmt.Fprintln(w2, "----\t-------\t------\t----------\t--------\t----\t--------\t------")

		for _, mt := range cfg.ModelTypes() {
			path := database.SnapshotPath(cfg.SnapshotDir, mt)
			if _, err := os.Stat(path); err != nil {
				fmt.Fprintf(w2, "%s\t-\t-\t-\t-\t-\t-\tmissing\n", mt)
				continue
			}

			info, err := readSnapshotInfo(path)
			if err != nil {
				status := "error: " + err.Error()
				if errors.Is(err, database.ErrNoSnapshot) {
					status = "empty"
				}
				fmt.Fprintf(w2, "%s\t-\t-\t-\t-\t-\t-\t%s\n", mt, status)
				continue
			}

			status := "ok"
			if info.FormatVersion != database.FormatVersion {
				status = fmt.Sprintf("stale (v%d)", info.FormatVersion)
			} else if info.ModelType != mt {
				status = "type mismatch"
			}
			fmt.Fprintf(w2, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
				mt,
				info.Records,
				info.Hashes,
				info.Duplicates,
				info.Excluded,
				humanize.Bytes(uint64(info.FileSize)),
				humanize.Time(info.CapturedAt),
				status,
			)
		}
		w2.Flush()
	},
}

func readSnapshotInfo(path string) (*database.Info, error) {
	db, err := database.NewDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.GetInfo()
}

func init() {
	statCmd.Flags().Bool("invalidate", false, "Invalidate the snapshot of the selected library")
	rootCmd.AddCommand(statCmd)
}
