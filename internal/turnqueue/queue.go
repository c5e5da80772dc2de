// Package turnqueue holds the ordered collection of pending requests to
// address the room's AI agent. It is a pure data structure: ordering,
// deduplication and position bookkeeping live here; timers and locking belong
// to the owning arbiter.
package turnqueue

import "time"

// Entry is one pending (or active) turn request. Position is the 1-based rank
// among waiting entries; 0 means the entry is active.
type Entry struct {
	ID          string
	PeerID      string
	DisplayName string
	Priority    int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Position    int
}

// Queue keeps waiting entries ordered by priority descending, then creation
// time ascending. Positions are recomputed after every structural change.
type Queue struct {
	entries []*Entry
}

func New() *Queue { return &Queue{} }

func (q *Queue) Len() int { return len(q.entries) }

// Push inserts e after every entry with priority >= e.Priority and creation
// time <= e.CreatedAt (stable FIFO within equal priority) and returns the
// resulting 1-based position.
func (q *Queue) Push(e *Entry) int {
	idx := len(q.entries)
	for i, cur := range q.entries {
		if cur.Priority < e.Priority ||
			(cur.Priority == e.Priority && cur.CreatedAt.After(e.CreatedAt)) {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	q.renumber()
	return e.Position
}

// Remove deletes the entry with the given id and returns it, or nil if the
// id is not waiting.
func (q *Queue) Remove(entryID string) *Entry {
	for i, e := range q.entries {
		if e.ID == entryID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.renumber()
			e.Position = 0
			return e
		}
	}
	return nil
}

// PopNext removes and returns the head of the queue, or nil when empty.
func (q *Queue) PopNext() *Entry {
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.renumber()
	e.Position = 0
	return e
}

// ByPeer returns the waiting entry for peerID, or nil.
func (q *Queue) ByPeer(peerID string) *Entry {
	for _, e := range q.entries {
		if e.PeerID == peerID {
			return e
		}
	}
	return nil
}

// RemoveExpired deletes every entry whose ExpiresAt is at or before now and
// returns them in queue order.
func (q *Queue) RemoveExpired(now time.Time) []*Entry {
	var expired []*Entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !e.ExpiresAt.After(now) {
			e.Position = 0
			expired = append(expired, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.renumber()
	return expired
}

// Entries returns the waiting entries in order. The slice is a copy; the
// entries are shared.
func (q *Queue) Entries() []*Entry {
	out := make([]*Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) renumber() {
	for i, e := range q.entries {
		e.Position = i + 1
	}
}
