package chat

import (
	"slices"

	"github.com/samber/lo"
)

// PresenceRegistry maps live sessions to the users they authenticated as.
// It is owned by the Hub loop and must not be touched from other goroutines.
type PresenceRegistry struct {
	sessions map[string]Identity
	users    map[int]map[string]struct{}
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		sessions: make(map[string]Identity),
		users:    make(map[int]map[string]struct{}),
	}
}

func (p *PresenceRegistry) Add(sessionID string, id Identity) {
	if prev, ok := p.sessions[sessionID]; ok {
		p.unlink(sessionID, prev.UserID)
	}
	p.sessions[sessionID] = id
	set, ok := p.users[id.UserID]
	if !ok {
		set = make(map[string]struct{})
		p.users[id.UserID] = set
	}
	set[sessionID] = struct{}{}
}

func (p *PresenceRegistry) Remove(sessionID string) (Identity, bool) {
	id, ok := p.sessions[sessionID]
	if !ok {
		return Identity{}, false
	}
	delete(p.sessions, sessionID)
	p.unlink(sessionID, id.UserID)
	return id, true
}

func (p *PresenceRegistry) unlink(sessionID string, userID int) {
	set := p.users[userID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(p.users, userID)
	}
}

func (p *PresenceRegistry) Lookup(sessionID string) (Identity, bool) {
	id, ok := p.sessions[sessionID]
	return id, ok
}

// SessionsOf lists every live session of a user, sorted.
func (p *PresenceRegistry) SessionsOf(userID int) []string {
	ids := lo.Keys(p.users[userID])
	slices.Sort(ids)
	return ids
}

// Users lists distinct online users, sorted.
func (p *PresenceRegistry) Users() []int {
	ids := lo.Keys(p.users)
	slices.Sort(ids)
	return ids
}

func (p *PresenceRegistry) Len() int {
	return len(p.sessions)
}
