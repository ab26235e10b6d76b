package understory

import (
	"sort"
	"strings"

	"github.com/jward/understory/internal/paths"
)

// --- Common Types ---

// Pagination controls offset+limit paging on issue listings.
type Pagination struct {
	Offset int // skip this many results (default 0)
	Limit  int // max results to return (default 50, max 500)
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// normalize returns a Pagination with defaults applied and bounds enforced.
func (p Pagination) normalize() Pagination {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// SortField specifies how to order issues.
type SortField string

const (
	SortByFile SortField = "file"
	SortByRule SortField = "rule"
	SortByLine SortField = "line"
)

// SortOrder specifies ascending or descending.
type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// Sort controls result ordering.
type Sort struct {
	Field SortField
	Order SortOrder
}

// IssueResult is an issue together with the file it was found in.
type IssueResult struct {
	FilePath string `json:"filePath"`
	Issue
}

// PagedResult wraps a page of results with total count for pagination.
type PagedResult[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"totalCount"` // total matching results (before pagination)
}

// IssueFilter selects issues. All fields are optional.
type IssueFilter struct {
	Rules      []string // match any of these rule keys
	PathPrefix string   // root-relative or absolute directory prefix
}

// normalizePathPrefix ensures a directory prefix ends with "/" so that
// "src/store" does not match "src/store_utils/".
func normalizePathPrefix(root, prefix string) string {
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") && root != "" {
		prefix = paths.Join(root, prefix)
	}
	if !strings.HasSuffix(prefix, "/") {
		return prefix + "/"
	}
	return prefix
}

// less orders two issues by field, breaking ties by file then position.
func less(a, b IssueResult, field SortField) bool {
	switch field {
	case SortByRule:
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
	case SortByLine:
		if a.Line != b.Line {
			return a.Line < b.Line
		}
	}
	if a.FilePath != b.FilePath {
		return a.FilePath < b.FilePath
	}
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	if a.Column != b.Column {
		return a.Column < b.Column
	}
	return a.RuleID < b.RuleID
}

// --- Listing ---

// Issues lists the issues of a run matching filter.
func (r *RunResult) Issues(filter IssueFilter, s Sort, page Pagination) *PagedResult[IssueResult] {
	page = page.normalize()
	prefix := normalizePathPrefix(r.Root, filter.PathPrefix)
	rules := make(map[string]bool, len(filter.Rules))
	for _, k := range filter.Rules {
		rules[k] = true
	}

	var all []IssueResult
	for _, f := range r.Files {
		if prefix != "" && !strings.HasPrefix(f.Path, prefix) {
			continue
		}
		for _, is := range f.Issues {
			if len(rules) > 0 && !rules[is.RuleID] {
				continue
			}
			all = append(all, IssueResult{FilePath: f.Path, Issue: is})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if s.Order == Desc {
			return less(all[j], all[i], s.Field)
		}
		return less(all[i], all[j], s.Field)
	})

	out := &PagedResult[IssueResult]{Items: []IssueResult{}, TotalCount: len(all)}
	if page.Offset < len(all) {
		end := min(page.Offset+page.Limit, len(all))
		out.Items = all[page.Offset:end]
	}
	return out
}

// --- Digest ---

// RuleCount is the number of issues one rule raised.
type RuleCount struct {
	RuleID string `json:"ruleId"`
	Count  int    `json:"count"`
}

// FileCount is the number of issues raised in one file.
type FileCount struct {
	Path  string `json:"filePath"`
	Count int    `json:"count"`
}

// Summary is a high-level overview of a run.
type Summary struct {
	Status          RunStatus   `json:"status"`
	Files           int         `json:"files"`
	FilesWithIssues int         `json:"filesWithIssues"`
	Issues          int         `json:"issues"`
	ParseErrors     int         `json:"parseErrors"`
	ByRule          []RuleCount `json:"byRule"`
	TopFiles        []FileCount `json:"topFiles"`
}

// Summary counts issues per rule and returns the topN files with the most
// issues.
func (r *RunResult) Summary(topN int) *Summary {
	s := &Summary{Status: r.Status, Files: len(r.Files), ByRule: []RuleCount{}, TopFiles: []FileCount{}}
	perRule := map[string]int{}
	var files []FileCount
	for _, f := range r.Files {
		if f.ParsingError != nil {
			s.ParseErrors++
		}
		if len(f.Issues) == 0 {
			continue
		}
		s.FilesWithIssues++
		s.Issues += len(f.Issues)
		files = append(files, FileCount{Path: f.Path, Count: len(f.Issues)})
		for _, is := range f.Issues {
			perRule[is.RuleID]++
		}
	}
	for k, n := range perRule {
		s.ByRule = append(s.ByRule, RuleCount{RuleID: k, Count: n})
	}
	sort.Slice(s.ByRule, func(i, j int) bool {
		if s.ByRule[i].Count != s.ByRule[j].Count {
			return s.ByRule[i].Count > s.ByRule[j].Count
		}
		return s.ByRule[i].RuleID < s.ByRule[j].RuleID
	})
	sort.SliceStable(files, func(i, j int) bool { return files[i].Count > files[j].Count })
	if topN > 0 && len(files) > topN {
		files = files[:topN]
	}
	s.TopFiles = append(s.TopFiles, files...)
	return s
}
