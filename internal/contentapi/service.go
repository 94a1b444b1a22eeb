// Package contentapi implements the content service that owns version history:
// listing, restore, delete, bulk operations and export.
package contentapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"finitefield.org/hanko-history/internal/repositories"
	"finitefield.org/hanko-history/internal/versions"
)

var (
	// ErrVersionNotFound indicates a referenced version does not exist.
	ErrVersionNotFound = errors.New("contentapi: version not found")
	// ErrInvalidInput indicates a request failed validation.
	ErrInvalidInput = errors.New("contentapi: invalid input")
)

// EventType names a version lifecycle event.
type EventType string

const (
	EventVersionCreated  EventType = "version.created"
	EventVersionRestored EventType = "version.restored"
	EventVersionDeleted  EventType = "version.deleted"
)

// VersionEvent is published after every successful mutation.
type VersionEvent struct {
	Type       EventType `json:"type"`
	ContentID  string    `json:"contentId"`
	VersionIDs []string  `json:"versionIds"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventPublisher delivers version events to downstream consumers.
type EventPublisher interface {
	PublishVersionEvent(ctx context.Context, event VersionEvent) error
}

// ExportArchiver keeps a copy of every export and returns its location.
type ExportArchiver interface {
	ArchiveExport(ctx context.Context, contentID string, exportedAt time.Time, body []byte) (string, error)
}

// Deps bundles collaborators required to construct a Service.
type Deps struct {
	Repository repositories.VersionRepository
	Events     EventPublisher
	Archiver   ExportArchiver
	Clock      func() time.Time
	IDs        func() string
	Logger     *zap.Logger
}

// CreateInput describes a version captured on content save.
type CreateInput struct {
	Content     map[string]any       `json:"content"`
	VersionType versions.VersionType `json:"versionType"`
	Comment     string               `json:"comment"`
	Author      versions.Author      `json:"author"`
}

// ExportDocument is the JSON body returned by Export.
type ExportDocument struct {
	ContentID  string             `json:"contentId"`
	ExportedAt time.Time          `json:"exportedAt"`
	Total      int                `json:"total"`
	Items      []versions.Version `json:"items"`
}

// Export is an encoded export plus the archive location when archiving succeeded.
type Export struct {
	Body       []byte
	ArchiveURI string
}

// Service implements version history operations over a repository.
type Service struct {
	repo     repositories.VersionRepository
	events   EventPublisher
	archiver ExportArchiver
	clock    func() time.Time
	newID    func() string
	logger   *zap.Logger
}

// NewService wires dependencies into a Service.
func NewService(deps Deps) (*Service, error) {
	if deps.Repository == nil {
		return nil, errors.New("contentapi: version repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDs
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     deps.Repository,
		events:   deps.Events,
		archiver: deps.Archiver,
		clock:    func() time.Time { return clock().UTC() },
		newID:    newID,
		logger:   logger,
	}, nil
}

// Create stores a new version of contentID.
func (s *Service) Create(ctx context.Context, contentID string, in CreateInput) (versions.Version, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return versions.Version{}, fmt.Errorf("%w: content id is required", ErrInvalidInput)
	}
	if in.VersionType == "" {
		in.VersionType = versions.TypeManual
	}
	if !in.VersionType.Valid() {
		return versions.Version{}, fmt.Errorf("%w: unknown version type %q", ErrInvalidInput, in.VersionType)
	}
	if in.Content == nil {
		return versions.Version{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}

	v := versions.Version{
		ID:          s.newID(),
		Content:     in.Content,
		VersionType: in.VersionType,
		Comment:     strings.TrimSpace(in.Comment),
		CreatedAt:   s.clock(),
		Author:      in.Author,
	}
	if err := s.repo.Insert(ctx, contentID, v); err != nil {
		return versions.Version{}, fmt.Errorf("contentapi: create: %w", err)
	}
	s.publish(ctx, EventVersionCreated, contentID, []string{v.ID}, in.Author.ID)
	return v, nil
}

// List filters, sorts and paginates the versions of q.ContentID.
func (s *Service) List(ctx context.Context, q versions.Query) (versions.Page, error) {
	items, err := s.repo.List(ctx, q.ContentID)
	if err != nil {
		return versions.Page{}, fmt.Errorf("contentapi: list: %w", err)
	}
	return versions.Apply(items, q), nil
}

// Restore creates a new manual version whose content copies versionID.
func (s *Service) Restore(ctx context.Context, contentID, versionID string, actor versions.Author) (versions.Version, error) {
	restored, err := s.restoreOne(ctx, contentID, versionID, actor)
	if err != nil {
		return versions.Version{}, err
	}
	s.publish(ctx, EventVersionRestored, contentID, []string{versionID}, actor.ID)
	return restored, nil
}

// BulkRestore restores every listed version in order. All ids are checked
// before anything is written.
func (s *Service) BulkRestore(ctx context.Context, contentID string, versionIDs []string, actor versions.Author) ([]versions.Version, error) {
	ids, err := normalizeIDs(versionIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.get(ctx, contentID, id); err != nil {
			return nil, err
		}
	}
	restored := make([]versions.Version, 0, len(ids))
	for _, id := range ids {
		v, err := s.restoreOne(ctx, contentID, id, actor)
		if err != nil {
			return restored, err
		}
		restored = append(restored, v)
	}
	s.publish(ctx, EventVersionRestored, contentID, ids, actor.ID)
	return restored, nil
}

// Delete removes a single version.
func (s *Service) Delete(ctx context.Context, contentID, versionID, actor string) error {
	return s.BulkDelete(ctx, contentID, []string{versionID}, actor)
}

// BulkDelete removes every listed version or none of them.
func (s *Service) BulkDelete(ctx context.Context, contentID string, versionIDs []string, actor string) error {
	ids, err := normalizeIDs(versionIDs)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, contentID, ids); err != nil {
		return s.translate("delete", err)
	}
	s.publish(ctx, EventVersionDeleted, contentID, ids, actor)
	return nil
}

// Export encodes every version matching q's filters, ignoring pagination.
func (s *Service) Export(ctx context.Context, q versions.Query) (Export, error) {
	items, err := s.repo.List(ctx, q.ContentID)
	if err != nil {
		return Export{}, fmt.Errorf("contentapi: export: %w", err)
	}
	q = q.Normalize()
	matched := make([]versions.Version, 0, len(items))
	for _, v := range items {
		if q.Matches(v) {
			matched = append(matched, v)
		}
	}
	versions.SortVersions(matched, q.Sort)

	doc := ExportDocument{
		ContentID:  q.ContentID,
		ExportedAt: s.clock(),
		Total:      len(matched),
		Items:      matched,
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("contentapi: export: encode: %w", err)
	}

	out := Export{Body: body}
	if s.archiver != nil {
		uri, err := s.archiver.ArchiveExport(ctx, q.ContentID, doc.ExportedAt, body)
		if err != nil {
			s.logger.Warn("contentapi: archive export failed", zap.String("content_id", q.ContentID), zap.Error(err))
		} else {
			out.ArchiveURI = uri
		}
	}
	return out, nil
}

func (s *Service) restoreOne(ctx context.Context, contentID, versionID string, actor versions.Author) (versions.Version, error) {
	source, err := s.get(ctx, contentID, versionID)
	if err != nil {
		return versions.Version{}, err
	}
	if actor.ID == "" && actor.Name == "" {
		actor = source.Author
	}
	restored := versions.Version{
		ID:          s.newID(),
		Content:     source.Content,
		VersionType: versions.TypeManual,
		Comment:     "restored from " + source.ID,
		CreatedAt:   s.clock(),
		Author:      actor,
	}
	if err := s.repo.Insert(ctx, contentID, restored); err != nil {
		return versions.Version{}, fmt.Errorf("contentapi: restore: %w", err)
	}
	return restored, nil
}

func (s *Service) get(ctx context.Context, contentID, versionID string) (versions.Version, error) {
	v, err := s.repo.Get(ctx, contentID, strings.TrimSpace(versionID))
	if err != nil {
		return versions.Version{}, s.translate("get", err)
	}
	return v, nil
}

func (s *Service) translate(op string, err error) error {
	if repositories.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrVersionNotFound, err)
	}
	return fmt.Errorf("contentapi: %s: %w", op, err)
}

func (s *Service) publish(ctx context.Context, eventType EventType, contentID string, ids []string, actor string) {
	if s.events == nil {
		return
	}
	event := VersionEvent{
		Type:       eventType,
		ContentID:  contentID,
		VersionIDs: append([]string(nil), ids...),
		Actor:      actor,
		OccurredAt: s.clock(),
	}
	if err := s.events.PublishVersionEvent(ctx, event); err != nil {
		s.logger.Warn("contentapi: publish version event failed",
			zap.String("type", string(eventType)),
			zap.String("content_id", contentID),
			zap.Error(err),
		)
	}
}

func normalizeIDs(ids []string) ([]string, error) {
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
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: versionIds must not be empty", ErrInvalidInput)
	}
	return out, nil
}
