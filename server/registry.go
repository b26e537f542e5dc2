package server

import (
	"sync"
)

// Registry tracks which connections belong to which named channels. It is
// owned by the RelayServer and passed into the dispatcher and handlers;
// there is no ambient global state. Connections are referenced here, not
// owned — the read loop that accepted the socket owns its lifecycle.
//
// Channels are created lazily on first join and never destroyed; an empty
// member set is acceptable garbage until process restart. A connection may
// belong to any number of channels at once.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]*connection
}

// NewRegistry returns an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]map[string]*connection),
	}
}

// Join adds the connection to the named channel, creating the channel if
// absent. Joining a channel twice is a no-op add; the returned flag
// reports whether the connection was already a member.
func (r *Registry) Join(name string, c *connection) (already bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		ch = make(map[string]*connection)
		r.channels[name] = ch
	}
	_, already = ch[c.clientID]
	ch[c.clientID] = c
	return already
}

// Leave removes the connection from every channel it belongs to and
// returns the names of the channels it was actually a member of, so the
// caller can notify each one's remaining members.
func (r *Registry) Leave(c *connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var left []string
	for name, ch := range r.channels {
		if _, ok := ch[c.clientID]; ok {
			delete(ch, c.clientID)
			left = append(left, name)
		}
	}
	return left
}

// IsMember reports whether the connection has joined the named channel.
// The dispatcher gates every channel scoped message other than join on it.
func (r *Registry) IsMember(name string, c *connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return false
	}
	_, ok = ch[c.clientID]
	return ok
}

// Members returns a snapshot of the channel's current member set. The
// order carries no significance.
func (r *Registry) Members(name string) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil
	}
	members := make([]*connection, 0, len(ch))
	for _, c := range ch {
		members = append(members, c)
	}
	return members
}

// MemberCount returns the size of the channel's member set.
func (r *Registry) MemberCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[name])
}

// ChannelCount returns the number of known channels, empty ones included.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
