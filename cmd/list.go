package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/cache"
	"github.com/victor/modelvault/internal/models"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List models in a library",
	Long: `List the cached models of the selected library, sorted by name or by
modification date. Results can be narrowed by folder, base model, tag or a
free text search and are paged.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		opts := cache.QueryOptions{}
		opts.SortBy, _ = cmd.Flags().GetString("sort")
		opts.Folder, _ = cmd.Flags().GetString("folder")
		opts.Recursive, _ = cmd.Flags().GetBool("recursive")
		opts.BaseModels, _ = cmd.Flags().GetStringArray("base-model")
		opts.Tags, _ = cmd.Flags().GetStringArray("tag")
		opts.Search, _ = cmd.Flags().GetString("search")
		opts.Page, _ = cmd.Flags().GetInt("page")
		opts.PageSize, _ = cmd.Flags().GetInt("page-size")

		if opts.SortBy != cache.SortByName && opts.SortBy != cache.SortByDate {
			fmt.Fprintf(os.Stderr, "Error: Invalid sort order: %s. Must be 'name' or 'date'\n", opts.SortBy)
			exit(1)
		}

		s := loadedScanner(cmd.Context())
		page := s.Cache().Query(opts)
		if page.Total == 0 {
			fmt.Println("No models found.")
			return
		}

		fmt.Printf("%s library: %d model(s), page %d of %d\n\n", s.ModelType(), page.Total, page.Page, page.TotalPages)
		printRecords(page.Items)
	},
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List the folders of a library",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s := loadedScanner(cmd.Context())
		folders := s.Cache().Folders()
		if len(folders) == 0 {
			fmt.Println("No folders found.")
			return
		}
		for _, f := range folders {
			if f == "" {
				f = "."
			}
			fmt.Println(f)
		}
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Show the most used tags of a library",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		s := loadedScanner(cmd.Context())
		tags := s.TopTags(limit)
		if len(tags) == 0 {
			fmt.Println("No tags found.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TAG\tMODELS")
		fmt.Fprintln(w, "---\t------")
		for _, t := range tags {
			fmt.Fprintf(w, "%s\t%d\n", t.Tag, t.Count)
		}
		w.Flush()
	},
}

// printRecords writes records as a table.
func printRecords(records []*models.ModelRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tFOLDER\tBASE MODEL\tSIZE\tMODIFIED\tSHA256")
	fmt.Fprintln(w, "----\t------\t----------\t----\t--------\t------")

	for _, r := range records {
		folder := r.Folder
		if folder == "" {
			folder = "."
		}
		baseModel := r.BaseModel
		if baseModel == "" {
			baseModel = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.DisplayName(),
			folder,
			baseModel,
			humanize.Bytes(uint64(r.Size)),
			r.Modified.Format("2006-01-02 15:04:05"),
			shortHash(r.SHA256),
		)
	}

	w.Flush()
}

// shortHash truncates a hash for display.
func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	if len(h) > 12 {
		return h[:12] + "..."
	}
	return h
}

func init() {
	listCmd.Flags().StringP("sort", "s", cache.SortByName, "Sort order: name or date")
	listCmd.Flags().StringP("folder", "f", "", "Only show models in this folder")
	listCmd.Flags().BoolP("recursive", "r", false, "Include subfolders of --folder")
	listCmd.Flags().StringArrayP("base-model", "b", []string{}, "Filter by base model (can specify multiple)")
	listCmd.Flags().StringArray("tag", []string{}, "Filter by tag (can specify multiple)")
	listCmd.Flags().String("search", "", "Search names, file names and tags")
	listCmd.Flags().IntP("page", "p", 1, "Page number")
	listCmd.Flags().Int("page-size", 50, "Models per page")

	tagsCmd.Flags().IntP("limit", "l", 20, "Number of tags to show (0 for all)")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(foldersCmd)
	rootCmd.AddCommand(tagsCmd)
}
