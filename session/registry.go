// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const numShards = 64

type registryShard struct {
	mu     sync.RWMutex
	actors map[string]*actor
}

// registry maps client ids to their actors. It is split across shards so
// that submissions for different clients don't contend on one lock.
//
// Senders acquire an actor under the shard's read lock and send after
// releasing it. Removal takes the write lock and refuses actors with
// acquired senders or queued events, so a retired actor cannot receive
// another event through the registry.
type registry struct {
	shards [numShards]registryShard
	count  atomic.Int64
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].actors = make(map[string]*actor)
	}
	return r
}

func (r *registry) shard(key string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.shards[h.Sum32()%numShards]
}

func (r *registry) get(clientID string) *actor {
	s := r.shard(clientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actors[clientID]
}

// acquire returns the actor of clientID, or nil, with a sender reference
// held. The caller must release it once its send is done.
func (r *registry) acquire(clientID string) *actor {
	s := r.shard(clientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.actors[clientID]
	if a != nil {
		a.senders.Add(1)
	}
	return a
}

// insert adds a unless the client id already has an actor.
func (r *registry) insert(a *actor) bool {
	s := r.shard(a.clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actors[a.clientID]; exists {
		return false
	}
	s.actors[a.clientID] = a
	r.count.Add(1)
	return true
}

// retire removes a if it is still registered and has nothing queued. It
// gives up instead of waiting when the shard is busy.
func (r *registry) retire(a *actor) bool {
	s := r.shard(a.clientID)
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	if s.actors[a.clientID] != a || a.senders.Load() > 0 || len(a.mailbox) > 0 {
		return false
	}
	delete(s.actors, a.clientID)
	r.count.Add(-1)
	return true
}

func (r *registry) forEach(fn func(*actor)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, a := range s.actors {
			fn(a)
		}
		s.mu.RUnlock()
	}
}

func (r *registry) len() int {
	return int(r.count.Load())
}
