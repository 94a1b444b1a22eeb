package history

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Factory builds the controller for a content document on first use.
type Factory func(contentID string) (*Controller, error)

type registryEntry struct {
	controller *Controller
	lastUsed   time.Time
}

// Registry holds one Controller per workspace session and content document.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	now     func() time.Time
	entries map[string]*registryEntry
}

// NewRegistry constructs a Registry. now defaults to time.Now.
func NewRegistry(factory Factory, now func() time.Time) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("history: controller factory is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		factory: factory,
		now:     now,
		entries: make(map[string]*registryEntry),
	}, nil
}

func registryKey(sessionID, contentID string) string {
	return sessionID + "|" + contentID
}

// Get returns the controller for the pair, creating it when absent.
func (r *Registry) Get(sessionID, contentID string) (*Controller, error) {
	sessionID = strings.TrimSpace(sessionID)
	contentID = strings.TrimSpace(contentID)
	if sessionID == "" {
		return nil, errors.New("history: session id is required")
	}
	key := registryKey(sessionID, contentID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		entry.lastUsed = r.now()
		return entry.controller, nil
	}
	controller, err := r.factory(contentID)
	if err != nil {
		return nil, err
	}
	r.entries[key] = &registryEntry{controller: controller, lastUsed: r.now()}
	return controller, nil
}

// Drop forgets every controller of a session. The workspace calls it when a
// request destroys its session, such as a rejected credential.
func (r *Registry) Drop(sessionID string) int {
	prefix := sessionID + "|"
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key := range r.entries {
		if strings.HasPrefix(key, prefix) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Sweep drops controllers unused for longer than maxIdle and returns how many went.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, entry := range r.entries {
		if entry.lastUsed.Before(cutoff) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
