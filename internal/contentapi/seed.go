package contentapi

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"finitefield.org/hanko-history/internal/repositories"
	"finitefield.org/hanko-history/internal/versions"
)

// SeedFile is the YAML fixture format used to populate a store.
//
//	contents:
//	  - id: abc
//	    versions:
//	      - id: v1
//	        versionType: manual
//	        comment: first draft
//	        createdAt: 2025-01-01T09:00:00Z
//	        author: {id: u1, name: Hanako}
//	        content: {title: X}
type SeedFile struct {
	Contents []SeedContent `yaml:"contents"`
}

// SeedContent lists the versions of one content document.
type SeedContent struct {
	ID       string        `yaml:"id"`
	Versions []SeedVersion `yaml:"versions"`
}

// SeedVersion is one fixture version.
type SeedVersion struct {
	ID          string         `yaml:"id"`
	VersionType string         `yaml:"versionType"`
	Comment     string         `yaml:"comment"`
	CreatedAt   time.Time      `yaml:"createdAt"`
	Author      SeedAuthor     `yaml:"author"`
	Content     map[string]any `yaml:"content"`
}

// SeedAuthor identifies a fixture author.
type SeedAuthor struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// LoadSeedFile reads fixtures from path.
func LoadSeedFile(path string) (SeedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("contentapi: open seed: %w", err)
	}
	defer f.Close()
	return DecodeSeed(f)
}

// DecodeSeed parses YAML fixtures from r.
func DecodeSeed(r io.Reader) (SeedFile, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return SeedFile{}, nil
		}
		return SeedFile{}, fmt.Errorf("contentapi: decode seed: %w", err)
	}
	return seed, nil
}

// Apply inserts every fixture version into repo, skipping versions that
// already exist. It returns the number of versions inserted.
func (s SeedFile) Apply(ctx context.Context, repo repositories.VersionRepository) (int, error) {
	inserted := 0
	for _, content := range s.Contents {
		contentID := strings.TrimSpace(content.ID)
		if contentID == "" {
			return inserted, fmt.Errorf("%w: seed content without id", ErrInvalidInput)
		}
		for _, sv := range content.Versions {
			v, err := sv.version()
			if err != nil {
				return inserted, fmt.Errorf("contentapi: seed %s: %w", contentID, err)
			}
			if err := repo.Insert(ctx, contentID, v); err != nil {
				if repositories.IsConflict(err) {
					continue
				}
				return inserted, fmt.Errorf("contentapi: seed %s/%s: %w", contentID, v.ID, err)
			}
			inserted++
		}
	}
	return inserted, nil
}

func (sv SeedVersion) version() (versions.Version, error) {
	if strings.TrimSpace(sv.ID) == "" {
		return versions.Version{}, fmt.Errorf("%w: seed version without id", ErrInvalidInput)
	}
	vt := versions.VersionType(strings.ToLower(strings.TrimSpace(sv.VersionType)))
	if !vt.Valid() {
		return versions.Version{}, fmt.Errorf("%w: unknown version type %q", ErrInvalidInput, sv.VersionType)
	}
	content := sv.Content
	if content == nil {
		content = map[string]any{}
	}
	return versions.Version{
		ID:          strings.TrimSpace(sv.ID),
		Content:     content,
		VersionType: vt,
		Comment:     sv.Comment,
		CreatedAt:   sv.CreatedAt.UTC(),
		Author:      versions.Author{ID: sv.Author.ID, Name: sv.Author.Name},
	}, nil
}
