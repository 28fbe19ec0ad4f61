package session

import (
	"sync"

	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// Roster is the process-local index of which sessions are currently
// attached to which location, grounded on
// github.com/tinode/chat/server/hub.go's per-topic subscriber map used to
// fan messages out to everyone subscribed to a topic. Only locally-owned
// locations are ever joined here — a remote location's own subscribers
// live on whichever GS actually owns it, reached over RPC instead.
type Roster struct {
	mu      sync.Mutex
	members map[tsid.TSID]map[*Session]struct{}
}

// NewRoster builds an empty Roster.
func NewRoster() *Roster {
	return &Roster{members: make(map[tsid.TSID]map[*Session]struct{})}
}

// Join attaches s to loc. Calling Join again for a session already in loc
// is a no-op.
func (r *Roster) Join(loc tsid.TSID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[loc]
	if !ok {
		set = make(map[*Session]struct{})
		r.members[loc] = set
	}
	set[s] = struct{}{}
}

// Leave detaches s from loc; a location left with no members is dropped
// from the index so Roster never grows unbounded over abandoned locations.
func (r *Roster) Leave(loc tsid.TSID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[loc]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.members, loc)
	}
}

// Broadcast delivers data to every session currently joined to loc, except
// skip (the session the message is about, which either already left or
// doesn't need to hear about itself).
func (r *Roster) Broadcast(loc tsid.TSID, typ string, data []byte, skip *Session) {
	r.mu.Lock()
	members := make([]*Session, 0, len(r.members[loc]))
	for s := range r.members[loc] {
		if s != skip {
			members = append(members, s)
		}
	}
	r.mu.Unlock()

	for _, s := range members {
		s.send(data, typ)
	}
}
