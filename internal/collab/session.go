// ABOUTME: Collaboration session types: members, resource locks, selections
// ABOUTME: Sessions are in-memory only and vanish when their last member leaves

package collab

import (
	"time"

	"github.com/forge3d/studio-relay/internal/protocol"
)

// Transport is the outbound half of a member's socket. *transport.Conn
// satisfies it; tests substitute fakes.
type Transport interface {
	Send(f *protocol.Frame) error
	Close(reason string) error
}

// Member is one user participating in a session.
type Member struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"user_name"`
	Color    string    `json:"user_color"`
	JoinedAt time.Time `json:"joined_at"`

	transport Transport
}

// ResourceLock is an exclusive hold on one resource within a session.
type ResourceLock struct {
	ResourceID   string     `json:"resource_id"`
	ResourceName string     `json:"resource_name"`
	UserID       string     `json:"user_id"`
	UserName     string     `json:"user_name"`
	UserColor    string     `json:"user_color"`
	LockedAt     time.Time  `json:"locked_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the lock's optional expiry has passed.
func (l *ResourceLock) Expired() bool {
	return l.ExpiresAt != nil && time.Now().After(*l.ExpiresAt)
}

func (l *ResourceLock) payload() map[string]any {
	p := map[string]any{
		"resource_id":   l.ResourceID,
		"resource_name": l.ResourceName,
		"user_id":       l.UserID,
		"user_name":     l.UserName,
		"user_color":    l.UserColor,
		"locked_at":     l.LockedAt.UTC().Format(time.RFC3339),
	}
	if l.ExpiresAt != nil {
		p["expires_at"] = l.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return p
}

// session is the internal mutable state for one collaboration workspace.
// All access is guarded by the owning Service's mutex.
type session struct {
	id        string
	projectID string
	createdAt time.Time

	members    map[string]*Member
	locks      map[string]*ResourceLock
	selections map[string]map[string]struct{}
}

func newSession(id, projectID string) *session {
	return &session{
		id:         id,
		projectID:  projectID,
		createdAt:  time.Now(),
		members:    make(map[string]*Member),
		locks:      make(map[string]*ResourceLock),
		selections: make(map[string]map[string]struct{}),
	}
}

// State is a point-in-time snapshot of a session.
type State struct {
	SessionID  string              `json:"session_id"`
	ProjectID  string              `json:"project_id"`
	CreatedAt  time.Time           `json:"created_at"`
	Members    []Member            `json:"members"`
	Locks      []ResourceLock      `json:"locks"`
	Selections map[string][]string `json:"selections"`
}

func (s *session) state() State {
	st := State{
		SessionID:  s.id,
		ProjectID:  s.projectID,
		CreatedAt:  s.createdAt,
		Members:    make([]Member, 0, len(s.members)),
		Locks:      make([]ResourceLock, 0, len(s.locks)),
		Selections: make(map[string][]string, len(s.selections)),
	}
	for _, m := range s.members {
		st.Members = append(st.Members, *m)
	}
	for _, l := range s.locks {
		st.Locks = append(st.Locks, *l)
	}
	for userID, sel := range s.selections {
		ids := make([]string, 0, len(sel))
		for id := range sel {
			ids = append(ids, id)
		}
		st.Selections[userID] = ids
	}
	return st
}

// LockResult is the outcome of a lock request. Conflicts are expected,
// user-facing outcomes rather than errors.
type LockResult struct {
	OK          bool          `json:"ok"`
	AlreadyHeld bool          `json:"already_held,omitempty"`
	Lock        *ResourceLock `json:"lock,omitempty"`
	Conflict    *Conflict     `json:"conflict,omitempty"`
}

// Conflict names the current holder of a contested lock.
type Conflict struct {
	OwnerName string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
}

// UnlockResult is the outcome of an unlock request.
type UnlockResult struct {
	OK        bool   `json:"ok"`
	WasLocked bool   `json:"was_locked"`
	OwnerName string `json:"owner,omitempty"`
}
