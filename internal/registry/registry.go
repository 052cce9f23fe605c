// Package registry tracks the live connections of every online user.
package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Conn is one authenticated client connection. A user may hold several.
type Conn interface {
	ID() string
	UserID() string
	Device() string
	// Send queues a pre-encoded frame. It must not block; a full or closed
	// connection returns an error wrapping protocol.ErrTransport.
	Send(data []byte) error
	Close() error
}

// Evictor removes a connection that failed a delivery.
type Evictor interface {
	Evict(c Conn, cause error)
}

type shard struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn
	byID   map[string]Conn
}

// Registry maps user ids to their open connections. Users and connection ids
// are spread over independently locked shards so operations on one user never
// wait on another user's lock.
type Registry struct {
	shards []*shard
}

// New returns a registry with n shards (at least one).
func New(n int) *Registry {
	if n < 1 {
		n = 1
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{
			byUser: make(map[string]map[string]Conn),
			byID:   make(map[string]Conn),
		}
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	return r.shards[xxhash.Sum64String(key)%uint64(len(r.shards))]
}

// Register adds c to its user's set and reports whether it is the user's
// first connection.
func (r *Registry) Register(c Conn) (first bool) {
	us := r.shardFor(c.UserID())
	us.mu.Lock()
	set, ok := us.byUser[c.UserID()]
	if !ok {
		set = make(map[string]Conn)
		us.byUser[c.UserID()] = set
	}
	first = len(set) == 0
	set[c.ID()] = c
	us.mu.Unlock()

	is := r.shardFor(c.ID())
	is.mu.Lock()
	is.byID[c.ID()] = c
	is.mu.Unlock()
	return first
}

// Unregister removes c and reports whether its user has no connection left.
// Unregistering an unknown connection is a no-op that reports false, so only
// the call that actually empties the set observes the transition.
func (r *Registry) Unregister(c Conn) (last bool) {
	us := r.shardFor(c.UserID())
	us.mu.Lock()
	set := us.byUser[c.UserID()]
	if existing, ok := set[c.ID()]; ok && existing == c {
		delete(set, c.ID())
		if len(set) == 0 {
			delete(us.byUser, c.UserID())
			last = true
		}
	}
	us.mu.Unlock()

	is := r.shardFor(c.ID())
	is.mu.Lock()
	if existing, ok := is.byID[c.ID()]; ok && existing == c {
		delete(is.byID, c.ID())
	}
	is.mu.Unlock()
	return last
}

// ConnectionsFor returns a snapshot of userID's connections.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byUser[userID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether userID holds at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID]) > 0
}

// Lookup finds a connection by id.
func (r *Registry) Lookup(connID string) (Conn, bool) {
	s := r.shardFor(connID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[connID]
	return c, ok
}

// Counts returns the number of online users and open connections.
func (r *Registry) Counts() (users, conns int) {
	for _, s := range r.shards {
		s.mu.RLock()
		users += len(s.byUser)
		conns += len(s.byID)
		s.mu.RUnlock()
	}
	return users, conns
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []Conn {
	var out []Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.byID {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}
