// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxsession/storage"
)

var _ storage.UnauthorizedStore = (*UnauthorizedStore)(nil)

// UnauthorizedStore is an in-memory implementation of storage.UnauthorizedStore.
type UnauthorizedStore struct {
	mu   sync.RWMutex
	data map[string]storage.UnauthorizedClient
}

// NewUnauthorizedStore creates a new in-memory unauthorized-attempt store.
func NewUnauthorizedStore() *UnauthorizedStore {
	return &UnauthorizedStore{
		data: make(map[string]storage.UnauthorizedClient),
	}
}

// Save upserts a record.
func (s *UnauthorizedStore) Save(ctx context.Context, c storage.UnauthorizedClient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[c.ClientID] = c
	return nil
}

// Get retrieves a record by client ID.
func (s *UnauthorizedStore) Get(ctx context.Context, clientID string) (storage.UnauthorizedClient, error) {
	if err := ctx.Err(); err != nil {
		return storage.UnauthorizedClient{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.data[clientID]
	if !ok {
		return storage.UnauthorizedClient{}, storage.ErrNotFound
	}
	return c, nil
}

// Delete removes a record.
func (s *UnauthorizedStore) Delete(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}

// List returns all records, most recent first.
func (s *UnauthorizedStore) List(ctx context.Context) ([]storage.UnauthorizedClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]storage.UnauthorizedClient, 0, len(s.data))
	for _, c := range s.data {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// DeleteOlderThan removes records with a timestamp before t.
func (s *UnauthorizedStore) DeleteOlderThan(ctx context.Context, t time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.data {
		if c.Timestamp.Before(t) {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}
