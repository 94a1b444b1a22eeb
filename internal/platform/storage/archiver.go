// Package storage archives history exports to Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"finitefield.org/hanko-history/internal/contentapi"
)

const exportContentType = "application/json"

var errInvalidBucket = errors.New("storage: bucket name is required")

// objectWriters opens writers for bucket objects. Cloud Storage satisfies it
// through gcsWriters; tests substitute an in-memory implementation.
type objectWriters interface {
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
}

type gcsWriters struct {
	client *gcs.Client
}

func (g gcsWriters) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := g.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

// ExportArchiver stores every export under exports/{contentId}/ in a bucket.
type ExportArchiver struct {
	writers objectWriters
	bucket  string
}

var _ contentapi.ExportArchiver = (*ExportArchiver)(nil)

// NewExportArchiver constructs an archiver backed by the provided Cloud Storage client.
func NewExportArchiver(client *gcs.Client, bucket string) (*ExportArchiver, error) {
	if client == nil {
		return nil, errors.New("storage archiver: client is required")
	}
	return newExportArchiver(gcsWriters{client: client}, bucket)
}

func newExportArchiver(writers objectWriters, bucket string) (*ExportArchiver, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	return &ExportArchiver{writers: writers, bucket: bucket}, nil
}

// ArchiveExport uploads body and returns its gs:// URI.
func (a *ExportArchiver) ArchiveExport(ctx context.Context, contentID string, exportedAt time.Time, body []byte) (string, error) {
	if a == nil || a.writers == nil {
		return "", errors.New("storage archiver: not initialised")
	}
	object, err := ExportObjectPath(contentID, exportedAt)
	if err != nil {
		return "", err
	}

	w := a.writers.NewWriter(ctx, a.bucket, object, exportContentType)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage archiver: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage archiver: close %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}

// ExportObjectPath composes the object key for an export taken at exportedAt.
func ExportObjectPath(contentID string, exportedAt time.Time) (string, error) {
	id, err := validateSegment("contentID", contentID)
	if err != nil {
		return "", err
	}
	if exportedAt.IsZero() {
		return "", errors.New("storage: export time is required")
	}
	return fmt.Sprintf("exports/%s/%s.json", id, exportedAt.UTC().Format("20060102T150405.000Z")), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
