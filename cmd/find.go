package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/models"
)

// findOptions filters cached records.
type findOptions struct {
	NamePattern   string
	HashPrefix    string
	BaseModel     string
	MinSize       int64
	MaxSize       int64
	ModifiedSince *time.Time
	ModifiedUntil *time.Time
}

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Find models by name, hash, size or date",
	Long: `Find models in the selected library with support for various filters.
You can search by file name pattern, hash prefix, base model, size and
modification date. Filters are combined.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		opts := findOptions{}

		opts.NamePattern, _ = cmd.Flags().GetString("name")
		opts.HashPrefix, _ = cmd.Flags().GetString("hash")
		opts.BaseModel, _ = cmd.Flags().GetString("base-model")
		sizeFilter, _ := cmd.Flags().GetString("size")
		sinceStr, _ := cmd.Flags().GetString("since")
		untilStr, _ := cmd.Flags().GetString("until")

		if opts.NamePattern != "" {
			if _, err := filepath.Match(opts.NamePattern, ""); err != nil {
				fmt.Fprintf(os.Stderr, "Error: Invalid name pattern: %v\n", err)
				exit(1)
			}
		}

		if sizeFilter != "" {
			minSize, maxSize, err := parseSizeFilter(sizeFilter)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing size filter: %v\n", err)
				exit(1)
			}
			opts.MinSize = minSize
			opts.MaxSize = maxSize
		}

		if sinceStr != "" {
			sinceTime, err := parseDate(sinceStr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing --since date: %v\n", err)
				exit(1)
			}
			opts.ModifiedSince = &sinceTime
		}
		if untilStr != "" {
			untilTime, err := parseDate(untilStr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing --until date: %v\n", err)
				exit(1)
			}
			opts.ModifiedUntil = &untilTime
		}
		if opts.ModifiedSince != nil && opts.ModifiedUntil != nil && opts.ModifiedSince.After(*opts.ModifiedUntil) {
			fmt.Fprintf(os.Stderr, "Error: --since date must be before --until date\n")
			exit(1)
		}

		s := loadedScanner(cmd.Context())
		results := findModels(s.Cache().SortedByName(), opts)
		if len(results) == 0 {
			fmt.Println("No models found matching the criteria.")
			return
		}

		var total int64
		for _, r := range results {
			total += r.Size
		}
		fmt.Printf("Found %d model(s), %s\n\n", len(results), humanize.Bytes(uint64(total)))
		printRecords(results)
	},
}

// findModels returns the records matching opts, keeping their order.
func findModels(records []*models.ModelRecord, opts findOptions) []*models.ModelRecord {
	var out []*models.ModelRecord
	for _, r := range records {
		if opts.matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func (o findOptions) matches(r *models.ModelRecord) bool {
	if o.NamePattern != "" {
		pattern := strings.ToLower(o.NamePattern)
		okName, _ := filepath.Match(pattern, strings.ToLower(r.FileName))
		okFile, _ := filepath.Match(pattern, strings.ToLower(filepath.Base(r.FilePath)))
		if !okName && !okFile {
			return false
		}
	}
	if o.HashPrefix != "" && !strings.HasPrefix(r.SHA256, strings.ToLower(o.HashPrefix)) {
		return false
	}
	if o.BaseModel != "" && !strings.EqualFold(o.BaseModel, r.BaseModel) {
		return false
	}
	if o.MinSize > 0 && r.Size < o.MinSize {
		return false
	}
	if o.MaxSize > 0 && r.Size > o.MaxSize {
		return false
	}
	if o.ModifiedSince != nil && r.Modified.Before(*o.ModifiedSince) {
		return false
	}
	if o.ModifiedUntil != nil && r.Modified.After(*o.ModifiedUntil) {
		return false
	}
	return true
}

var relativeDatePattern = regexp.MustCompile(`^(\d+)\s+(day|days|week|weeks|month|months|year|years)\s+ago$`)

// parseDate parses absolute dates and relative ones like "2 weeks ago".
func parseDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	now := time.Now()

	switch strings.ToLower(dateStr) {
	case "yesterday":
		return now.AddDate(0, 0, -1), nil
	case "today":
		return now, nil
	}

	if matches := relativeDatePattern.FindStringSubmatch(strings.ToLower(dateStr)); matches != nil {
		num, _ := strconv.Atoi(matches[1])
		switch matches[2] {
		case "day", "days":
			return now.AddDate(0, 0, -num), nil
		case "week", "weeks":
			return now.AddDate(0, 0, -num*7), nil
		case "month", "months":
			return now.AddDate(0, -num, 0), nil
		case "year", "years":
			return now.AddDate(-num, 0, 0), nil
		}
	}

	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, dateStr, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}

var sizeFilterPattern = regexp.MustCompile(`^(>=|<=|>|<|=)\s*(.+)$`)

// parseSizeFilter parses filters like ">2GB", "<=500MiB" or "=144 MB" into
// inclusive bounds. A zero bound means unbounded.
func parseSizeFilter(sizeStr string) (int64, int64, error) {
	matches := sizeFilterPattern.FindStringSubmatch(strings.TrimSpace(sizeStr))
	if matches == nil {
		return 0, 0, fmt.Errorf("invalid size format: %s (expected format: >100MB, <2GiB, =500K)", sizeStr)
	}
	n, err := humanize.ParseBytes(matches[2])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", matches[2], err)
	}
	size := int64(n)

	var minSize, maxSize int64
	switch matches[1] {
	case ">":
		minSize = size + 1
	case ">=":
		minSize = size
	case "<":
		maxSize = size - 1
	case "<=":
		maxSize = size
	case "=":
		minSize = size
		maxSize = size
	}
	if matches[1] != ">" && matches[1] != ">=" && maxSize <= 0 {
		return 0, 0, fmt.Errorf("size filter %s matches nothing", sizeStr)
	}
	return minSize, maxSize, nil
}

// sortBySize orders records largest first.
func sortBySize(records []*models.ModelRecord) {
	sort.SliceStable(records, func(i, j int) bool { return records[i].Size > records[j].Size })
}

func init() {
	findCmd.Flags().StringP("name", "n", "", "Search by file name pattern (supports wildcards: *, ?)")
	findCmd.Flags().StringP("hash", "c", "", "Search by SHA256 prefix")
	findCmd.Flags().StringP("base-model", "b", "", "Filter by base model")
	findCmd.Flags().StringP("size", "s", "", "Filter by size (e.g., >100MB, <2GiB, =500K)")
	findCmd.Flags().String("since", "", "Show models modified since the given date/time (e.g., \"2 weeks ago\", \"2024-01-15\")")
	findCmd.Flags().String("until", "", "Show models modified until the given date/time (e.g., \"yesterday\", \"2024-01-20\")")

	rootCmd.AddCommand(findCmd)
}
