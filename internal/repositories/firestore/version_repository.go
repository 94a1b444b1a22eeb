// Package firestore stores versions under contents/{contentID}/versions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "finitefield.org/hanko-history/internal/platform/firestore"
	"finitefield.org/hanko-history/internal/repositories"
	"finitefield.org/hanko-history/internal/versions"
)

const (
	contentsCollection = "contents"
	versionsCollection = "versions"
)

// VersionRepository implements repositories.VersionRepository on Firestore.
type VersionRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.VersionRepository = (*VersionRepository)(nil)

// NewVersionRepository constructs a Firestore-backed version repository.
func NewVersionRepository(provider *pfirestore.Provider) (*VersionRepository, error) {
	if provider == nil {
		return nil, errors.New("version repository: firestore provider is required")
	}
	return &VersionRepository{provider: provider}, nil
}

type versionDocument struct {
	VersionType string         `firestore:"versionType"`
	Content     map[string]any `firestore:"content"`
	Comment     string         `firestore:"comment,omitempty"`
	AuthorID    string         `firestore:"authorId"`
	AuthorName  string         `firestore:"authorName"`
	CreatedAt   time.Time      `firestore:"createdAt"`
}

func (r *VersionRepository) List(ctx context.Context, contentID string) ([]versions.Version, error) {
	coll, err := r.collection(ctx, contentID)
	if err != nil {
		return nil, err
	}

	iter := coll.OrderBy("createdAt", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var out []versions.Version
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("versions.list", err)
		}
		v, err := decodeVersion(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *VersionRepository) Get(ctx context.Context, contentID, versionID string) (versions.Version, error) {
	coll, err := r.collection(ctx, contentID)
	if err != nil {
		return versions.Version{}, err
	}
	snap, err := coll.Doc(strings.TrimSpace(versionID)).Get(ctx)
	if err != nil {
		return versions.Version{}, pfirestore.WrapError("versions.get", err)
	}
	return decodeVersion(snap)
}

func (r *VersionRepository) Insert(ctx context.Context, contentID string, version versions.Version) error {
	coll, err := r.collection(ctx, contentID)
	if err != nil {
		return err
	}
	versionID := strings.TrimSpace(version.ID)
	if versionID == "" {
		return errors.New("version repository: version id is required")
	}
	doc := versionDocument{
		VersionType: string(version.VersionType),
		Content:     version.Content,
		Comment:     version.Comment,
		AuthorID:    version.Author.ID,
		AuthorName:  version.Author.Name,
		CreatedAt:   version.CreatedAt.UTC(),
	}
	if _, err := coll.Doc(versionID).Create(ctx, doc); err != nil {
		return pfirestore.WrapError("versions.insert", err)
	}
	return nil
}

// Delete checks every id inside a transaction before removing any of them.
func (r *VersionRepository) Delete(ctx context.Context, contentID string, versionIDs []string) error {
	coll, err := r.collection(ctx, contentID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, "versions.delete", func(ctx context.Context, tx *firestore.Transaction) error {
		refs := make([]*firestore.DocumentRef, 0, len(versionIDs))
		for _, id := range versionIDs {
			refs = append(refs, coll.Doc(strings.TrimSpace(id)))
		}
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if !snap.Exists() {
				return status.Error(codes.NotFound, fmt.Sprintf("version %s/%s not found", contentID, snap.Ref.ID))
			}
		}
		for _, ref := range refs {
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *VersionRepository) collection(ctx context.Context, contentID string) (*firestore.CollectionRef, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return nil, errors.New("version repository: content id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(contentsCollection).Doc(contentID).Collection(versionsCollection), nil
}

func decodeVersion(snap *firestore.DocumentSnapshot) (versions.Version, error) {
	var doc versionDocument
	if err := snap.DataTo(&doc); err != nil {
		return versions.Version{}, fmt.Errorf("version repository: decode %s: %w", snap.Ref.ID, err)
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = snap.CreateTime
	}
	return versions.Version{
		ID:          snap.Ref.ID,
		Content:     doc.Content,
		VersionType: versions.VersionType(doc.VersionType),
		Comment:     doc.Comment,
		CreatedAt:   createdAt.UTC(),
		Author:      versions.Author{ID: doc.AuthorID, Name: doc.AuthorName},
	}, nil
}
