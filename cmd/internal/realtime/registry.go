package realtime

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const registryShardCount = 16

// Registry tracks live connections and their room subscriptions.
//
// It is sharded by connection id so independent connections never contend on
// one lock. Room subscriber sets live inside the shard that owns the
// connection; resolving a room's subscribers therefore walks every shard,
// which keeps Deregister a single-shard, all-or-nothing operation.
//
// Concurrency guarantees:
//   - Register/Subscribe/Deregister are safe under concurrent Subscribers.
//   - Deregister atomically removes the connection from every room set it
//     joined; no subscriber list resolved afterwards contains it.
type Registry struct {
	shards [registryShardCount]registryShard
	size   atomic.Int64
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]*registryEntry
	rooms map[string]map[string]*Client
}

type registryEntry struct {
	client *Client
	rooms  map[string]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]*registryEntry)
		r.shards[i].rooms = make(map[string]map[string]*Client)
	}
	return r
}

func (r *Registry) shard(connID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return &r.shards[h.Sum32()%registryShardCount]
}

// Register adds a new connection. Registering an id twice is a conflict.
func (r *Registry) Register(c *Client) error {
	if c == nil || c.ConnID == "" {
		return ErrNotRegistered
	}

	s := r.shard(c.ConnID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[c.ConnID]; ok {
		return ErrAlreadyRegistered
	}
	s.conns[c.ConnID] = &registryEntry{client: c, rooms: make(map[string]struct{})}
	r.size.Add(1)
	return nil
}

// BindIdentity attaches a verified user id to a registered connection and
// moves it to the active state. Rebinding the same identity is a no-op;
// binding a different one is rejected.
func (r *Registry) BindIdentity(connID, userID string) error {
	s := r.shard(connID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.conns[connID]
	if !ok {
		return ErrNotRegistered
	}
	return e.client.bind(userID)
}

// Get returns the client for a connection id.
func (r *Registry) Get(connID string) (*Client, error) {
	s := r.shard(connID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.conns[connID]
	if !ok {
		return nil, ErrNotRegistered
	}
	return e.client, nil
}

// Subscribe adds the connection to a room's subscriber set. Subscribing twice
// is a no-op success.
func (r *Registry) Subscribe(connID, roomID string) error {
	s := r.shard(connID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.conns[connID]
	if !ok {
		return ErrNotRegistered
	}

	e.rooms[roomID] = struct{}{}
	set := s.rooms[roomID]
	if set == nil {
		set = make(map[string]*Client)
		s.rooms[roomID] = set
	}
	set[connID] = e.client
	return nil
}

// Unsubscribe removes the connection from a room's subscriber set. Leaving a
// room that was never joined is a no-op success.
func (r *Registry) Unsubscribe(connID, roomID string) error {
	s := r.shard(connID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.conns[connID]
	if !ok {
		return ErrNotRegistered
	}

	delete(e.rooms, roomID)
	s.dropFromRoom(roomID, connID)
	return nil
}

// Subscribed reports whether the connection currently subscribes to the room.
func (r *Registry) Subscribed(connID, roomID string) bool {
	s := r.shard(connID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.conns[connID]
	if !ok {
		return false
	}
	_, ok = e.rooms[roomID]
	return ok
}

// Subscribers returns a snapshot of the room's current subscribers.
func (r *Registry) Subscribers(roomID string) []*Client {
	var out []*Client
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, c := range s.rooms[roomID] {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}

// Deregister removes the connection and every room subscription it held, in
// one shard-local critical section. Returns the removed client, or
// ErrNotRegistered when the id is unknown (double-deregister is harmless to
// everything but the return value).
func (r *Registry) Deregister(connID string) (*Client, error) {
	s := r.shard(connID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.conns[connID]
	if !ok {
		return nil, ErrNotRegistered
	}
	for roomID := range e.rooms {
		s.dropFromRoom(roomID, connID)
	}
	delete(s.conns, connID)
	r.size.Add(-1)
	return e.client, nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// All returns a snapshot of every registered client. Used by shutdown to
// force-disconnect the remaining sessions.
func (r *Registry) All() []*Client {
	var out []*Client
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.conns {
			out = append(out, e.client)
		}
		s.mu.RUnlock()
	}
	return out
}

// dropFromRoom must run with the shard lock held.
func (s *registryShard) dropFromRoom(roomID, connID string) {
	set := s.rooms[roomID]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.rooms, roomID)
	}
}
