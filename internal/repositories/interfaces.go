// Package repositories declares the persistence contracts of the content service.
package repositories

import (
	"context"
	"errors"
	"fmt"

	"finitefield.org/hanko-history/internal/versions"
)

// RepositoryError categorises persistence failures for services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// VersionRepository stores immutable version snapshots grouped by content id.
type VersionRepository interface {
	// List returns every version of contentID in no particular order.
	List(ctx context.Context, contentID string) ([]versions.Version, error)
	// Get returns a RepositoryError with IsNotFound when the version is absent.
	Get(ctx context.Context, contentID, versionID string) (versions.Version, error)
	// Insert fails with IsConflict when the id already exists.
	Insert(ctx context.Context, contentID string, version versions.Version) error
	// Delete removes every listed version or none of them. A missing id is
	// reported with IsNotFound.
	Delete(ctx context.Context, contentID string, versionIDs []string) error
}

// IsNotFound reports whether err is a RepositoryError for a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError for a conflicting write.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// StoreError is the RepositoryError used by the in-process stores.
type StoreError struct {
	Op       string
	Err      error
	NotFound bool
	Conflict bool
}

// NotFoundError reports a missing version.
func NotFoundError(op, contentID, versionID string) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf("version %s/%s not found", contentID, versionID), NotFound: true}
}

// ConflictError reports a duplicate version id.
func ConflictError(op, contentID, versionID string) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf("version %s/%s already exists", contentID, versionID), Conflict: true}
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error       { return e.Err }
func (e *StoreError) IsNotFound() bool    { return e.NotFound }
func (e *StoreError) IsConflict() bool    { return e.Conflict }
func (e *StoreError) IsUnavailable() bool { return false }
