package versions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound indicates the content or version does not exist.
	ErrNotFound = errors.New("versions: not found")
	// ErrInvalidQuery indicates a malformed list filter.
	ErrInvalidQuery = errors.New("versions: invalid query")
	// ErrNotConfigured indicates the versions service dependency has not been wired.
	ErrNotConfigured = errors.New("versions service not configured")
	// ErrExportTooLarge indicates the export body exceeded the download limit.
	ErrExportTooLarge = errors.New("versions: export too large")
)

// Service exposes the remote content service's version endpoints. The token is
// forwarded as a bearer credential and may be empty when the service falls back
// to its own credential.
type Service interface {
	// List returns one page of versions matching the query.
	List(ctx context.Context, token string, query Query) (Page, error)
	// BulkDelete removes every listed version in one call.
	BulkDelete(ctx context.Context, token, contentID string, versionIDs []string) error
	// BulkRestore restores every listed version in one call.
	BulkRestore(ctx context.Context, token, contentID string, versionIDs []string) error
	// Export downloads the full history matching the query filters.
	Export(ctx context.Context, token string, query Query) (Export, error)
	// Restore restores a single version and returns the version it produced.
	Restore(ctx context.Context, token, contentID, versionID string) (Version, error)
	// Delete removes a single version.
	Delete(ctx context.Context, token, contentID, versionID string) error
}

// Export is a history export payload.
type Export struct {
	ContentType string
	Body        []byte
}

// APIError captures a non-success response from the content service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements error.
func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if code := strings.TrimSpace(e.Code); code != "" && e.Message != "" {
		return fmt.Sprintf("versions: backend error (%s): %s", code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("versions: backend error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("versions: backend error (%d): %s", e.Status, http.StatusText(e.Status))
}

// Is maps HTTP statuses onto the package sentinels.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrInvalidQuery:
		return e.Status == http.StatusBadRequest
	}
	return false
}
