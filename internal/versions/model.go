// Package versions models content versions and talks to the content service that owns them.
package versions

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPageSize is the fixed page size used by the history list.
	DefaultPageSize = 20
	// MaxPageSize bounds the limit accepted by the content service.
	MaxPageSize = 100
	// DateLayout formats date range bounds on the wire.
	DateLayout = "2006-01-02"
)

// VersionType classifies how a version was created.
type VersionType string

const (
	TypeAuto    VersionType = "auto"
	TypeManual  VersionType = "manual"
	TypePublish VersionType = "publish"
)

// Types lists every version type in display order.
func Types() []VersionType {
	return []VersionType{TypeAuto, TypeManual, TypePublish}
}

// Valid reports whether t is a known version type.
func (t VersionType) Valid() bool {
	switch t {
	case TypeAuto, TypeManual, TypePublish:
		return true
	}
	return false
}

// ParseVersionType parses a filter value. The empty string means "all types".
func ParseVersionType(raw string) (VersionType, error) {
	value := VersionType(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" || value == "all" {
		return "", nil
	}
	if !value.Valid() {
		return "", fmt.Errorf("%w: unknown version type %q", ErrInvalidQuery, raw)
	}
	return value, nil
}

// SortOrder orders versions by creation time.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ParseSortOrder parses a sort value, defaulting to newest first.
func ParseSortOrder(raw string) (SortOrder, error) {
	switch SortOrder(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SortDesc:
		return SortDesc, nil
	case SortAsc:
		return SortAsc, nil
	}
	return "", fmt.Errorf("%w: unknown sort order %q", ErrInvalidQuery, raw)
}

// Author identifies who created a version.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Version is an immutable snapshot of a content document.
type Version struct {
	ID          string         `json:"id"`
	Content     map[string]any `json:"content"`
	VersionType VersionType    `json:"versionType"`
	Comment     string         `json:"comment,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	Author      Author         `json:"author"`
}

// DateRange bounds the creation time of listed versions. Zero bounds are open.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Contains reports whether t falls within the range. End is inclusive of the whole day.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// Query captures list parameters.
type Query struct {
	ContentID string
	Page      int
	Limit     int
	Type      VersionType
	Sort      SortOrder
	Search    string
	DateRange DateRange
}

// Normalize applies defaults to unset fields.
func (q Query) Normalize() Query {
	q.ContentID = strings.TrimSpace(q.ContentID)
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.Sort == "" {
		q.Sort = SortDesc
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}

// Values encodes the query as list/export URL parameters.
func (q Query) Values() url.Values {
	q = q.Normalize()
	values := url.Values{}
	values.Set("page", strconv.Itoa(q.Page))
	values.Set("limit", strconv.Itoa(q.Limit))
	values.Set("sort", string(q.Sort))
	if q.Type != "" {
		values.Set("type", string(q.Type))
	}
	if q.Search != "" {
		values.Set("search", q.Search)
	}
	if !q.DateRange.Start.IsZero() {
		values.Set("startDate", FormatDate(q.DateRange.Start))
	}
	if !q.DateRange.End.IsZero() {
		values.Set("endDate", FormatDate(q.DateRange.End))
	}
	return values
}

// ParseQuery decodes list parameters for contentID. Page and limit fall back to
// defaults when missing; malformed filters return ErrInvalidQuery.
func ParseQuery(contentID string, values url.Values) (Query, error) {
	q := Query{ContentID: contentID}

	if raw := strings.TrimSpace(values.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return Query{}, fmt.Errorf("%w: page must be a positive integer", ErrInvalidQuery)
		}
		q.Page = page
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > MaxPageSize {
			return Query{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxPageSize)
		}
		q.Limit = limit
	}

	var err error
	if q.Type, err = ParseVersionType(values.Get("type")); err != nil {
		return Query{}, err
	}
	if q.Sort, err = ParseSortOrder(values.Get("sort")); err != nil {
		return Query{}, err
	}
	q.Search = values.Get("search")
	if q.DateRange.Start, err = ParseDate(values.Get("startDate")); err != nil {
		return Query{}, err
	}
	if q.DateRange.End, err = ParseDate(values.Get("endDate")); err != nil {
		return Query{}, err
	}
	if !q.DateRange.Start.IsZero() && !q.DateRange.End.IsZero() && q.DateRange.End.Before(q.DateRange.Start) {
		return Query{}, fmt.Errorf("%w: endDate precedes startDate", ErrInvalidQuery)
	}
	return q.Normalize(), nil
}

// FormatDate renders a date range bound.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateLayout)
}

// ParseDate accepts YYYY-MM-DD or RFC 3339 values and truncates them to the UTC day.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(DateLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrInvalidQuery, raw)
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// Page is one page of list results.
type Page struct {
	Items []Version `json:"items"`
	Total int       `json:"total"`
}

// TotalPages returns the number of pages needed to show total items, never less than one.
func TotalPages(total, limit int) int {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if total <= 0 {
		return 1
	}
	return (total + limit - 1) / limit
}

// ExportFilename names the download produced for contentID.
func ExportFilename(contentID string) string {
	return fmt.Sprintf("version-history-%s.json", contentID)
}
