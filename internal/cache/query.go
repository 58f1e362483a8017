package cache

import (
	"strings"

	"github.com/victor/modelvault/internal/models"
)

// Sort orders accepted by Query.
const (
	SortByName = "name"
	SortByDate = "date"
)

const defaultPageSize = 20

// QueryOptions filters and pages the last resorted view.
type QueryOptions struct {
	SortBy     string
	Folder     string
	Recursive  bool
	BaseModels []string
	Tags       []string
	Search     string
	Page       int
	PageSize   int
}

// Page is one slice of a query result.
type Page struct {
	Items      []*models.ModelRecord `json:"items"`
	Total      int                   `json:"total"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	TotalPages int                   `json:"total_pages"`
}

// Query filters the sorted view selected by opts.SortBy and returns the
// requested page. Pages are 1-based.
func (c *Cache) Query(opts QueryOptions) Page {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = defaultPageSize
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	view := c.byName
	if opts.SortBy == SortByDate {
		view = c.byDate
	}

	matched := make([]*models.ModelRecord, 0, len(view))
	for _, r := range view {
		if opts.matches(r) {
			matched = append(matched, r)
		}
	}

	total := len(matched)
	p := Page{
		Total:      total,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalPages: (total + opts.PageSize - 1) / opts.PageSize,
		Items:      []*models.ModelRecord{},
	}

	start := (opts.Page - 1) * opts.PageSize
	if start >= total {
		return p
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	p.Items = cloneAll(matched[start:end])
	return p
}

func (o QueryOptions) matches(r *models.ModelRecord) bool {
	if o.Folder != "" {
		if r.Folder != o.Folder && !(o.Recursive && strings.HasPrefix(r.Folder, o.Folder+"/")) {
			return false
		}
	}

	if len(o.BaseModels) > 0 && !containsFold(o.BaseModels, r.BaseModel) {
		return false
	}

	if len(o.Tags) > 0 {
		found := false
		for _, t := range r.Tags {
			if containsFold(o.Tags, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if o.Search != "" {
		q := strings.ToLower(o.Search)
		if !strings.Contains(strings.ToLower(r.DisplayName()), q) &&
			!strings.Contains(strings.ToLower(r.FileName), q) &&
			!containsSubstring(r.Tags, q) {
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsSubstring(list []string, lowerQuery string) bool {
	for _, s := range list {
		if strings.Contains(strings.ToLower(s), lowerQuery) {
			return true
		}
	}
	return false
}
