// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/fluxsession/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	unauthorized *UnauthorizedStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		unauthorized: NewUnauthorizedStore(),
	}
}

// Unauthorized returns the unauthorized-attempt store.
func (s *Store) Unauthorized() storage.UnauthorizedStore {
	return s.unauthorized
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
