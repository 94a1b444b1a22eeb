package versions

import (
	"sort"
	"strings"
)

// Matches reports whether v satisfies the query's type, search and date filters.
func (q Query) Matches(v Version) bool {
	if q.Type != "" && v.VersionType != q.Type {
		return false
	}
	if !q.DateRange.Contains(v.CreatedAt) {
		return false
	}
	if term := strings.ToLower(strings.TrimSpace(q.Search)); term != "" {
		haystack := strings.ToLower(v.Comment + "\n" + v.Author.Name + "\n" + v.ID)
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

// SortVersions orders items by creation time, breaking ties by id.
func SortVersions(items []Version, order SortOrder) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if order == SortAsc {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if order == SortAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
}

// Apply filters, sorts and paginates items for query. The input slice is not modified.
func Apply(items []Version, query Query) Page {
	query = query.Normalize()

	matched := make([]Version, 0, len(items))
	for _, v := range items {
		if query.Matches(v) {
			matched = append(matched, v)
		}
	}
	SortVersions(matched, query.Sort)

	start := (query.Page - 1) * query.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + query.Limit
	if end > len(matched) {
		end = len(matched)
	}

	pageItems := make([]Version, end-start)
	copy(pageItems, matched[start:end])
	return Page{Items: pageItems, Total: len(matched)}
}
