// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"sync"
	"time"

	"github.com/absmach/fluxsession/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store.
type Store struct {
	db *badger.DB

	unauthorized *UnauthorizedStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
	// TTL of unauthorized records, 0 keeps them until removed.
	TTL time.Duration
	// InMemory runs Badger without touching disk, Dir is ignored.
	InMemory bool
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Audit records are best-effort, skip fsync on every write.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:           db,
		unauthorized: NewUnauthorizedStore(db, cfg.TTL),
		gcStopCh:     make(chan struct{}),
		gcDone:       make(chan struct{}),
	}

	go s.runGC(cfg.InMemory)

	return s, nil
}

// Unauthorized returns the unauthorized-attempt store.
func (s *Store) Unauthorized() storage.UnauthorizedStore {
	return s.unauthorized
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(inMemory bool) {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if inMemory {
				continue
			}
			// Returns an error when nothing was rewritten, which is fine.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
