package hub

import (
	"sync"

	"github.com/tasky-app/tasky/internal/sharding"
)

// registry maps group names to their member connections. Groups are spread
// over independently locked shards so pushes for different users do not
// contend.
type registry struct {
	shards []*registryShard
}

type registryShard struct {
	mu     sync.RWMutex
	groups map[string]map[string]*conn
}

func newRegistry(shards int) *registry {
	if shards < 1 {
		shards = 1
	}
	r := &registry{shards: make([]*registryShard, shards)}
	for i := range r.shards {
		r.shards[i] = &registryShard{groups: map[string]map[string]*conn{}}
	}
	return r
}

func (r *registry) shard(group string) *registryShard {
	return r.shards[sharding.ShardFor(group, len(r.shards))]
}

func (r *registry) add(group string, c *conn) {
	s := r.shard(group)
	s.mu.Lock()
	members, ok := s.groups[group]
	if !ok {
		members = map[string]*conn{}
		s.groups[group] = members
	}
	members[c.id] = c
	s.mu.Unlock()
}

func (r *registry) remove(group, connID string) {
	s := r.shard(group)
	s.mu.Lock()
	if members, ok := s.groups[group]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(s.groups, group)
		}
	}
	s.mu.Unlock()
}

func (r *registry) members(group string) []*conn {
	s := r.shard(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.groups[group]
	out := make([]*conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

func (r *registry) groupCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.groups)
		s.mu.RUnlock()
	}
	return n
}
