// ABOUTME: Session/lock coordinator for collaborative editing
// ABOUTME: Tracks exclusive resource locks and selections, fanning state changes out to members

package collab

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/forge3d/studio-relay/internal/protocol"
)

// ErrNotInSession indicates the user has not joined any session. This is an
// expected, user-facing outcome.
var ErrNotInSession = errors.New("not in a session")

// Config holds coordinator timing parameters.
type Config struct {
	// LockTTL is how long a lock lives before the expiry sweep releases it.
	// Zero disables expiry.
	LockTTL time.Duration
	// SweepInterval is the expiry sweep tick. Independent from the relay's
	// heartbeat interval: lock expiry and connection liveness are unrelated.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	return c
}

// Service coordinates collaboration sessions. A user belongs to at most one
// session at a time; joining another session leaves the previous one first.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	sessions     map[string]*session
	userSessions map[string]string

	stop     chan struct{}
	stopped  sync.WaitGroup
	stopOnce sync.Once
}

// delivery is one queued outbound frame. Sends happen outside the table
// mutex so a slow peer cannot block unrelated operations.
type delivery struct {
	userID    string
	transport Transport
	frame     *protocol.Frame
}

// NewService creates a session coordinator.
func NewService(cfg Config, logger *slog.Logger) *Service {
	return &Service{
		cfg:          cfg.withDefaults(),
		logger:       logger,
		sessions:     make(map[string]*session),
		userSessions: make(map[string]string),
		stop:         make(chan struct{}),
	}
}

// Start launches the lock-expiry sweep.
func (s *Service) Start() {
	s.stopped.Add(1)
	go s.sweepLoop()
	s.logger.Info("collab coordinator started",
		"lock_ttl", s.cfg.LockTTL,
		"sweep_interval", s.cfg.SweepInterval,
	)
}

// Stop cancels the sweep and closes every member transport.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.stopped.Wait()

	s.mu.Lock()
	var transports []Transport
	for _, sess := range s.sessions {
		for _, m := range sess.members {
			transports = append(transports, m.transport)
		}
	}
	s.sessions = make(map[string]*session)
	s.userSessions = make(map[string]string)
	s.mu.Unlock()

	for _, t := range transports {
		_ = t.Close("shutting down")
	}
	s.logger.Info("collab coordinator stopped")
}

func (s *Service) sweepLoop() {
	defer s.stopped.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepExpiredLocks()
		}
	}
}

// sweepExpiredLocks releases every lock past its expiry and tells the whole
// session who lost what.
func (s *Service) sweepExpiredLocks() {
	s.mu.Lock()
	var out []delivery
	for _, sess := range s.sessions {
		for resourceID, lock := range sess.locks {
			if !lock.Expired() {
				continue
			}
			delete(sess.locks, resourceID)
			out = append(out, s.broadcastLocked(sess, protocol.NewFrame(protocol.EventLockExpired, map[string]any{
				"resource_id":    resourceID,
				"resource_name":  lock.ResourceName,
				"previous_owner": lock.UserName,
			}), "")...)
			s.logger.Info("lock expired",
				"session_id", sess.id,
				"resource_id", resourceID,
				"previous_owner", lock.UserName,
			)
		}
	}
	s.mu.Unlock()
	s.deliver(out)
}

// CreateSession creates a session if it does not exist. Idempotent.
func (s *Service) CreateSession(sessionID, projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureSessionLocked(sessionID, projectID)
}

func (s *Service) ensureSessionLocked(sessionID, projectID string) *session {
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	sess := newSession(sessionID, projectID)
	s.sessions[sessionID] = sess
	s.logger.Info("created collaboration session", "session_id", sessionID, "project_id", projectID)
	return sess
}

// Join adds a user to a session, creating it lazily. If the user is already
// in a session the previous membership is cleaned up first, exactly as an
// explicit leave would. Returns the full session state for the joiner;
// everyone else gets a user_joined broadcast.
func (s *Service) Join(sessionID, projectID, userID, name, color string, t Transport) State {
	s.mu.Lock()

	var out []delivery
	if _, ok := s.userSessions[userID]; ok {
		out = append(out, s.leaveLocked(userID)...)
	}

	sess := s.ensureSessionLocked(sessionID, projectID)
	sess.members[userID] = &Member{
		UserID:    userID,
		Name:      name,
		Color:     color,
		JoinedAt:  time.Now(),
		transport: t,
	}
	sess.selections[userID] = make(map[string]struct{})
	s.userSessions[userID] = sessionID

	out = append(out, s.broadcastLocked(sess, protocol.NewFrame(protocol.EventUserJoined, map[string]any{
		"user_id":    userID,
		"user_name":  name,
		"user_color": color,
	}), userID)...)

	state := sess.state()
	s.mu.Unlock()

	s.deliver(out)
	s.logger.Info("user joined session", "session_id", sessionID, "user_id", userID, "user_name", name)
	return state
}

// Leave removes the user from their session, releasing all their locks and
// clearing their selection. Leaving while not in a session is a no-op.
func (s *Service) Leave(userID string) {
	s.mu.Lock()
	out := s.leaveLocked(userID)
	s.mu.Unlock()
	s.deliver(out)
}

// leaveLocked performs the membership cleanup and returns the user_left
// broadcast for the remaining members. Caller holds s.mu.
func (s *Service) leaveLocked(userID string) []delivery {
	sessionID, ok := s.userSessions[userID]
	if !ok {
		return nil
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		delete(s.userSessions, userID)
		return nil
	}

	member := sess.members[userID]
	name := "Unknown"
	if member != nil {
		name = member.Name
	}

	released := make([]string, 0)
	for resourceID, lock := range sess.locks {
		if lock.UserID == userID {
			released = append(released, resourceID)
			delete(sess.locks, resourceID)
		}
	}

	delete(sess.members, userID)
	delete(sess.selections, userID)
	delete(s.userSessions, userID)

	out := s.broadcastLocked(sess, protocol.NewFrame(protocol.EventUserLeft, map[string]any{
		"user_id":        userID,
		"user_name":      name,
		"released_locks": released,
	}), "")

	s.logger.Info("user left session",
		"session_id", sessionID,
		"user_id", userID,
		"released_locks", len(released),
	)

	if len(sess.members) == 0 {
		delete(s.sessions, sessionID)
		s.logger.Info("removed empty session", "session_id", sessionID)
	}
	return out
}

// Lock acquires an exclusive lock on a resource. Re-locking a resource the
// caller already holds succeeds as a no-op. A lock held by someone else
// yields a conflict result; there is no preemption and no queueing.
func (s *Service) Lock(userID, resourceID, resourceName string) (LockResult, error) {
	s.mu.Lock()

	sess, member, err := s.memberLocked(userID)
	if err != nil {
		s.mu.Unlock()
		return LockResult{}, err
	}

	if existing, ok := sess.locks[resourceID]; ok {
		s.mu.Unlock()
		if existing.UserID == userID {
			lockCopy := *existing
			return LockResult{OK: true, AlreadyHeld: true, Lock: &lockCopy}, nil
		}
		return LockResult{
			OK:       false,
			Conflict: &Conflict{OwnerName: existing.UserName, LockedAt: existing.LockedAt},
		}, nil
	}

	lock := &ResourceLock{
		ResourceID:   resourceID,
		ResourceName: resourceName,
		UserID:       userID,
		UserName:     member.Name,
		UserColor:    member.Color,
		LockedAt:     time.Now(),
	}
	if s.cfg.LockTTL > 0 {
		expires := lock.LockedAt.Add(s.cfg.LockTTL)
		lock.ExpiresAt = &expires
	}
	sess.locks[resourceID] = lock

	// Broadcast to the whole session, caller included, so every member
	// shares one view of the lock table.
	out := s.broadcastLocked(sess, protocol.NewFrame(protocol.EventActorLocked, map[string]any{
		"lock": lock.payload(),
	}), "")

	lockCopy := *lock
	s.mu.Unlock()

	s.deliver(out)
	s.logger.Info("resource locked", "resource_id", resourceID, "user_name", member.Name)
	return LockResult{OK: true, Lock: &lockCopy}, nil
}

// Unlock releases a lock. Unlocking a resource that is not locked succeeds
// as a no-op. A lock held by someone else is only released when force is set.
func (s *Service) Unlock(userID, resourceID string, force bool) (UnlockResult, error) {
	s.mu.Lock()

	sess, member, err := s.memberLocked(userID)
	if err != nil {
		s.mu.Unlock()
		return UnlockResult{}, err
	}

	lock, ok := sess.locks[resourceID]
	if !ok {
		s.mu.Unlock()
		return UnlockResult{OK: true, WasLocked: false}, nil
	}

	if lock.UserID != userID && !force {
		s.mu.Unlock()
		return UnlockResult{OK: false, WasLocked: true, OwnerName: lock.UserName}, nil
	}

	delete(sess.locks, resourceID)
	out := s.broadcastLocked(sess, protocol.NewFrame(protocol.EventActorUnlocked, map[string]any{
		"resource_id":   resourceID,
		"resource_name": lock.ResourceName,
		"unlocked_by":   member.Name,
	}), "")
	s.mu.Unlock()

	s.deliver(out)
	s.logger.Info("resource unlocked", "resource_id", resourceID, "unlocked_by", member.Name)
	return UnlockResult{OK: true, WasLocked: true}, nil
}

// UpdateSelection replaces the caller's selection wholesale and tells the
// other members. The caller already knows its own selection, so it is
// excluded from the broadcast.
func (s *Service) UpdateSelection(userID string, resourceIDs []string) error {
	s.mu.Lock()

	sess, member, err := s.memberLocked(userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	selection := make(map[string]struct{}, len(resourceIDs))
	for _, id := range resourceIDs {
		selection[id] = struct{}{}
	}
	sess.selections[userID] = selection

	out := s.broadcastLocked(sess, protocol.NewFrame(protocol.EventSelectionChanged, map[string]any{
		"user_id":            userID,
		"user_name":          member.Name,
		"user_color":         member.Color,
		"selected_resources": resourceIDs,
	}), userID)
	s.mu.Unlock()

	s.deliver(out)
	return nil
}

// SessionState returns a snapshot of the given session.
func (s *Service) SessionState(sessionID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return State{}, false
	}
	return sess.state(), true
}

// UserSession returns the id of the session the user is in, if any.
func (s *Service) UserSession(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.userSessions[userID]
	return id, ok
}

// memberLocked resolves the caller's session and membership. Caller holds s.mu.
func (s *Service) memberLocked(userID string) (*session, *Member, error) {
	sessionID, ok := s.userSessions[userID]
	if !ok {
		return nil, nil, ErrNotInSession
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil, ErrNotInSession
	}
	member, ok := sess.members[userID]
	if !ok {
		return nil, nil, ErrNotInSession
	}
	return sess, member, nil
}

// broadcastLocked queues a frame for every session member except excludeUser.
// Caller holds s.mu; the actual sends happen later via deliver.
func (s *Service) broadcastLocked(sess *session, f *protocol.Frame, excludeUser string) []delivery {
	out := make([]delivery, 0, len(sess.members))
	for userID, m := range sess.members {
		if excludeUser != "" && userID == excludeUser {
			continue
		}
		out = append(out, delivery{userID: userID, transport: m.transport, frame: f})
	}
	return out
}

// deliver sends queued frames. A failed send is evidence of a dead member
// connection: that member is implicitly removed, and delivery to the rest
// continues regardless.
func (s *Service) deliver(items []delivery) {
	var failed []string
	for _, d := range items {
		if err := d.transport.Send(d.frame); err != nil {
			s.logger.Warn("broadcast send failed, removing member",
				"user_id", d.userID, "error", err)
			failed = append(failed, d.userID)
		}
	}
	for _, userID := range failed {
		s.Leave(userID)
	}
}

// HandleFrame processes one inbound frame from a session member.
func (s *Service) HandleFrame(userID string, t Transport, f *protocol.Frame) {
	switch f.Type {
	case protocol.EventLock:
		result, err := s.Lock(userID, f.String("resource_id"), f.String("resource_name"))
		if err != nil {
			s.sendError(t, err.Error())
			return
		}
		if !result.OK {
			_ = t.Send(protocol.NewFrame(protocol.EventError, map[string]any{
				"error":       "resource is locked by another user",
				"resource_id": f.String("resource_id"),
				"locked_by":   result.Conflict.OwnerName,
				"locked_at":   result.Conflict.LockedAt.UTC().Format(time.RFC3339),
			}))
		}

	case protocol.EventUnlock:
		result, err := s.Unlock(userID, f.String("resource_id"), f.Bool("force"))
		if err != nil {
			s.sendError(t, err.Error())
			return
		}
		if !result.OK {
			_ = t.Send(protocol.NewFrame(protocol.EventError, map[string]any{
				"error":       "lock is owned by another user",
				"resource_id": f.String("resource_id"),
				"owner":       result.OwnerName,
			}))
		}

	case protocol.EventSelection:
		if err := s.UpdateSelection(userID, f.Strings("resources")); err != nil {
			s.sendError(t, err.Error())
		}

	case protocol.EventPing:
		_ = t.Send(protocol.NewFrame(protocol.EventPong, nil))

	default:
		s.logger.Debug("unhandled collab frame", "type", f.Type, "user_id", userID)
	}
}

func (s *Service) sendError(t Transport, msg string) {
	_ = t.Send(protocol.NewFrame(protocol.EventError, map[string]any{"error": msg}))
}
