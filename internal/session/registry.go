// Package session correlates one dispatch with its ephemeral credentials and
// conversation context for the duration of processing plus a short grace
// period. Nothing here is ever persisted.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ax-platform/ax-openclaw-plugin/internal/log"
)

// Session is the per-dispatch context owned by the lifecycle manager.
// DispatchID is unique per delivery; Key is the conversation-continuity
// identifier (agent + space) shared across many dispatches over time.
type Session struct {
	DispatchID string
	Key        string

	AgentID     string
	AgentHandle string
	SpaceID     string
	SpaceName   string
	SenderID    string
	SenderType  string

	AuthToken    string
	ToolEndpoint string

	RecentMessages []string
	Collaborators  []string

	StartTime time.Time
}

// Key derives the conversation-continuity key for an agent in a space.
func Key(agentID, spaceID string) string {
	return agentID + ":" + spaceID
}

// Registry is the dual-indexed session store. The primary index is by
// dispatch identifier so concurrent dispatches sharing a conversation never
// clobber each other's auth token or context; the secondary index maps a
// session key to the latest dispatch for O(1) reverse lookup.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Session
	latestID map[string]string

	grace  time.Duration
	logger *slog.Logger
}

// NewRegistry creates a Registry whose evictions are delayed by grace.
func NewRegistry(grace time.Duration) *Registry {
	return &Registry{
		byID:     make(map[string]*Session),
		latestID: make(map[string]string),
		grace:    grace,
		logger:   log.WithComponent("session"),
	}
}

// Put stores a session and points the reverse index at it.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.DispatchID] = s
	r.latestID[s.Key] = s.DispatchID
}

// GetByID returns the session for a dispatch identifier.
func (r *Registry) GetByID(dispatchID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[dispatchID]
	return s, ok
}

// GetByKey returns the most recently created session for a session key.
func (r *Registry) GetByKey(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.latestID[key]
	if !ok {
		return nil, false
	}
	s, ok := r.byID[id]
	return s, ok
}

// Evict schedules removal of a session after the grace delay, so auxiliary
// lookups still running against the dispatch identifier keep resolving. The
// reverse index entry is only dropped if it still points at this dispatch;
// a newer overlapping dispatch must never lose its index entry to an older
// dispatch's cleanup.
func (r *Registry) Evict(dispatchID, key string) {
	time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.byID, dispatchID)
		if r.latestID[key] == dispatchID {
			delete(r.latestID, key)
		}
		r.logger.Debug("session evicted", "dispatch_id", dispatchID)
	})
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
