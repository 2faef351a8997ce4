// Package collab coordinates multi-user editing sessions.
//
// A session groups the users working on one project. Within a session the
// coordinator tracks three things: membership, exclusive resource locks, and
// per-user selections. Locks are advisory and first-come-first-served; a
// contested lock yields a conflict naming the current holder, never
// preemption. Each lock carries an optional TTL and a background sweep
// releases stale ones so an abandoned client cannot pin a resource forever.
//
// A user belongs to at most one session. Joining a second session, or a
// failed broadcast send to a member, triggers the same cleanup an explicit
// leave would: locks released, selection cleared, remaining members told.
// Sessions live only in memory and are destroyed when their last member
// leaves.
//
// All state changes fan out to members as frames (actor_locked,
// actor_unlocked, lock_expired, selection_changed, user_joined, user_left).
// Sends happen outside the coordinator mutex so one slow socket cannot stall
// unrelated sessions.
package collab
