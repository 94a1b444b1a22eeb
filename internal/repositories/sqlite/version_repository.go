// Package sqlite stores versions in a SQLite database through sqlx.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"finitefield.org/hanko-history/internal/repositories"
	"finitefield.org/hanko-history/internal/versions"
)

const schema = `
CREATE TABLE IF NOT EXISTS content_versions (
	content_id   TEXT NOT NULL,
	id           TEXT NOT NULL,
	version_type TEXT NOT NULL,
	comment      TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL,
	author_id    TEXT NOT NULL DEFAULT '',
	author_name  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (content_id, id)
);
CREATE INDEX IF NOT EXISTS content_versions_created ON content_versions (content_id, created_at);`

// row mirrors a content_versions record. created_at holds Unix nanoseconds.
type row struct {
	ContentID   string `db:"content_id"`
	ID          string `db:"id"`
	VersionType string `db:"version_type"`
	Comment     string `db:"comment"`
	Content     string `db:"content"`
	AuthorID    string `db:"author_id"`
	AuthorName  string `db:"author_name"`
	CreatedAt   int64  `db:"created_at"`
}

// VersionRepository implements repositories.VersionRepository on SQLite.
type VersionRepository struct {
	db *sqlx.DB
}

var _ repositories.VersionRepository = (*VersionRepository)(nil)

// Open connects to dsn with the sqlite3 driver and applies the schema.
func Open(ctx context.Context, dsn string) (*VersionRepository, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}
	// A single connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	repo, err := NewVersionRepository(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// NewVersionRepository wraps an existing handle and applies the schema.
func NewVersionRepository(ctx context.Context, db *sqlx.DB) (*VersionRepository, error) {
	if db == nil {
		return nil, errors.New("sqlite: db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &VersionRepository{db: db}, nil
}

// Close closes the underlying database.
func (r *VersionRepository) Close() error {
	return r.db.Close()
}

func (r *VersionRepository) List(ctx context.Context, contentID string) ([]versions.Version, error) {
	var rows []row
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM content_versions WHERE content_id = ? ORDER BY created_at DESC, id DESC`, contentID)
	if err != nil {
		return nil, fmt.Errorf("versions.list: %w", err)
	}
	out := make([]versions.Version, 0, len(rows))
	for _, rec := range rows {
		v, err := rec.version()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *VersionRepository) Get(ctx context.Context, contentID, versionID string) (versions.Version, error) {
	var rec row
	err := r.db.GetContext(ctx, &rec,
		`SELECT * FROM content_versions WHERE content_id = ? AND id = ?`, contentID, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return versions.Version{}, repositories.NotFoundError("versions.get", contentID, versionID)
	}
	if err != nil {
		return versions.Version{}, fmt.Errorf("versions.get: %w", err)
	}
	return rec.version()
}

func (r *VersionRepository) Insert(ctx context.Context, contentID string, version versions.Version) error {
	content, err := json.Marshal(version.Content)
	if err != nil {
		return fmt.Errorf("versions.insert: encode content: %w", err)
	}
	rec := row{
		ContentID:   contentID,
		ID:          version.ID,
		VersionType: string(version.VersionType),
		Comment:     version.Comment,
		Content:     string(content),
		AuthorID:    version.Author.ID,
		AuthorName:  version.Author.Name,
		CreatedAt:   version.CreatedAt.UTC().UnixNano(),
	}
	_, err = r.db.NamedExecContext(ctx, `
	INSERT INTO content_versions
		(content_id, id, version_type, comment, content, author_id, author_name, created_at) VALUES
		(:content_id, :id, :version_type, :comment, :content, :author_id, :author_name, :created_at)`, rec)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return repositories.ConflictError("versions.insert", contentID, version.ID)
	}
	if err != nil {
		return fmt.Errorf("versions.insert: %w", err)
	}
	return nil
}

func (r *VersionRepository) Delete(ctx context.Context, contentID string, versionIDs []string) error {
	ids := dedupe(versionIDs)
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("versions.delete: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := sqlx.In(`SELECT id FROM content_versions WHERE content_id = ? AND id IN (?)`, contentID, ids)
	if err != nil {
		return fmt.Errorf("versions.delete: %w", err)
	}
	var found []string
	if err := tx.SelectContext(ctx, &found, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("versions.delete: %w", err)
	}
	if len(found) != len(ids) {
		present := make(map[string]struct{}, len(found))
		for _, id := range found {
			present[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := present[id]; !ok {
				return repositories.NotFoundError("versions.delete", contentID, id)
			}
		}
	}

	query, args, err = sqlx.In(`DELETE FROM content_versions WHERE content_id = ? AND id IN (?)`, contentID, ids)
	if err != nil {
		return fmt.Errorf("versions.delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("versions.delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("versions.delete: commit: %w", err)
	}
	return nil
}

func (rec row) version() (versions.Version, error) {
	var content map[string]any
	if err := json.Unmarshal([]byte(rec.Content), &content); err != nil {
		return versions.Version{}, fmt.Errorf("sqlite: decode %s/%s: %w", rec.ContentID, rec.ID, err)
	}
	return versions.Version{
		ID:          rec.ID,
		Content:     content,
		VersionType: versions.VersionType(rec.VersionType),
		Comment:     rec.Comment,
		CreatedAt:   time.Unix(0, rec.CreatedAt).UTC(),
		Author:      versions.Author{ID: rec.AuthorID, Name: rec.AuthorName},
	}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
