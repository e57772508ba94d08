package room

import (
	"sort"
	"time"

	"github.com/studyhive/studyhive/internal/protocol"
)

// Roster is the authoritative set of present participants for one
// room, with last-seen metadata for heartbeat expiry. It is owned and
// mutated only by the room session's single worker; it is not safe for
// concurrent use on its own.
type Roster struct {
	entries map[string]*rosterEntry
}

type rosterEntry struct {
	participant protocol.Participant
	lastSeen    time.Time
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{entries: make(map[string]*rosterEntry)}
}

// Join adds a participant, replacing any prior entry for the same
// user. A rejoin without a clean leave therefore never duplicates; the
// newer metadata wins.
func (r *Roster) Join(p protocol.Participant, now time.Time) {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	r.entries[p.UserID] = &rosterEntry{participant: p, lastSeen: now}
}

// Leave removes a participant, returning the removed entry.
func (r *Roster) Leave(userID string) (protocol.Participant, bool) {
	e, ok := r.entries[userID]
	if !ok {
		return protocol.Participant{}, false
	}
	delete(r.entries, userID)
	return e.participant, true
}

// Touch records a heartbeat. It reports false for unknown users so the
// caller can re-admit a participant who was swept while their
// transport stayed up.
func (r *Roster) Touch(userID string, now time.Time) bool {
	e, ok := r.entries[userID]
	if !ok {
		return false
	}
	e.lastSeen = now
	return true
}

// SweepExpired removes every participant whose last heartbeat is older
// than the timeout and returns them so the session can broadcast the
// departures and persist the reduced roster.
func (r *Roster) SweepExpired(now time.Time, timeout time.Duration) []protocol.Participant {
	var removed []protocol.Participant
	for id, e := range r.entries {
		if now.Sub(e.lastSeen) > timeout {
			removed = append(removed, e.participant)
			delete(r.entries, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].UserID < removed[j].UserID
	})
	return removed
}

// Contains reports whether the user is currently on the roster.
func (r *Roster) Contains(userID string) bool {
	_, ok := r.entries[userID]
	return ok
}

// Len returns the number of present participants.
func (r *Roster) Len() int { return len(r.entries) }

// Snapshot returns the full participant list ordered by join time.
func (r *Roster) Snapshot() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.participant)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
