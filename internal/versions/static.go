package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// StaticService keeps versions in memory. It backs local runs without a content
// service and records calls for tests.
type StaticService struct {
	mu       sync.Mutex
	contents map[string][]Version
	seq      int
	now      func() time.Time

	// Injected failures, checked before every call of the matching kind.
	ListErr     error
	MutationErr error
	ExportErr   error

	ListCalls        int
	LastQuery        Query
	LastToken        string
	BulkDeleteCalls  [][]string
	BulkRestoreCalls [][]string
}

// NewStaticService constructs a StaticService seeded with versions keyed by content id.
func NewStaticService(seed map[string][]Version) *StaticService {
	contents := make(map[string][]Version, len(seed))
	for id, items := range seed {
		contents[id] = append([]Version(nil), items...)
	}
	return &StaticService{
		contents: contents,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Versions returns a copy of every stored version for contentID.
func (s *StaticService) Versions(contentID string) []Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Version(nil), s.contents[contentID]...)
}

// ListCallCount returns ListCalls under the lock, for callers that race the server.
func (s *StaticService) ListCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ListCalls
}

// List filters the stored versions.
func (s *StaticService) List(ctx context.Context, token string, query Query) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ListCalls++
	s.LastQuery = query
	s.LastToken = token
	if s.ListErr != nil {
		return Page{}, s.ListErr
	}
	return Apply(s.contents[query.ContentID], query), nil
}

// BulkDelete removes the listed versions. Unknown ids fail the whole call.
func (s *StaticService) BulkDelete(ctx context.Context, token, contentID string, versionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.BulkDeleteCalls = append(s.BulkDeleteCalls, append([]string(nil), versionIDs...))
	if s.MutationErr != nil {
		return s.MutationErr
	}
	if err := s.ensureExists(contentID, versionIDs); err != nil {
		return err
	}
	for _, id := range versionIDs {
		s.remove(contentID, id)
	}
	return nil
}

// BulkRestore restores each listed version in order.
func (s *StaticService) BulkRestore(ctx context.Context, token, contentID string, versionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.BulkRestoreCalls = append(s.BulkRestoreCalls, append([]string(nil), versionIDs...))
	if s.MutationErr != nil {
		return s.MutationErr
	}
	if err := s.ensureExists(contentID, versionIDs); err != nil {
		return err
	}
	for _, id := range versionIDs {
		s.restore(contentID, id)
	}
	return nil
}

// Export encodes every version matching the query filters as JSON.
func (s *StaticService) Export(ctx context.Context, token string, query Query) (Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ExportErr != nil {
		return Export{}, s.ExportErr
	}
	query.Page = 1
	query.Limit = MaxPageSize
	items := make([]Version, 0)
	for {
		page := Apply(s.contents[query.ContentID], query)
		items = append(items, page.Items...)
		if len(items) >= page.Total || len(page.Items) == 0 {
			break
		}
		query.Page++
	}
	body, err := json.Marshal(map[string]any{
		"contentId": query.ContentID,
		"total":     len(items),
		"items":     items,
	})
	if err != nil {
		return Export{}, fmt.Errorf("versions: encode export: %w", err)
	}
	return Export{ContentType: "application/json", Body: body}, nil
}

// Restore restores a single version.
func (s *StaticService) Restore(ctx context.Context, token, contentID, versionID string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MutationErr != nil {
		return Version{}, s.MutationErr
	}
	if err := s.ensureExists(contentID, []string{versionID}); err != nil {
		return Version{}, err
	}
	return s.restore(contentID, versionID), nil
}

// Delete removes a single version.
func (s *StaticService) Delete(ctx context.Context, token, contentID, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MutationErr != nil {
		return s.MutationErr
	}
	if err := s.ensureExists(contentID, []string{versionID}); err != nil {
		return err
	}
	s.remove(contentID, versionID)
	return nil
}

func (s *StaticService) ensureExists(contentID string, ids []string) error {
	for _, id := range ids {
		if _, ok := s.find(contentID, id); !ok {
			return fmt.Errorf("%w: version %s", ErrNotFound, id)
		}
	}
	return nil
}

func (s *StaticService) find(contentID, versionID string) (Version, bool) {
	for _, v := range s.contents[contentID] {
		if v.ID == versionID {
			return v, true
		}
	}
	return Version{}, false
}

func (s *StaticService) remove(contentID, versionID string) {
	items := s.contents[contentID]
	kept := items[:0]
	for _, v := range items {
		if v.ID != versionID {
			kept = append(kept, v)
		}
	}
	s.contents[contentID] = kept
}

func (s *StaticService) restore(contentID, versionID string) Version {
	source, _ := s.find(contentID, versionID)
	s.seq++
	restored := Version{
		ID:          fmt.Sprintf("%s-restored-%d", versionID, s.seq),
		Content:     source.Content,
		VersionType: TypeManual,
		Comment:     "restored from " + versionID,
		CreatedAt:   s.now(),
		Author:      source.Author,
	}
	s.contents[contentID] = append(s.contents[contentID], restored)
	return restored
}
