// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/absmach/fluxsession/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.UnauthorizedStore = (*UnauthorizedStore)(nil)

const unauthorizedPrefix = "unauthorized:"

// UnauthorizedStore implements storage.UnauthorizedStore using BadgerDB.
type UnauthorizedStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewUnauthorizedStore creates a new BadgerDB unauthorized-attempt store.
func NewUnauthorizedStore(db *badger.DB, ttl time.Duration) *UnauthorizedStore {
	return &UnauthorizedStore{db: db, ttl: ttl}
}

func unauthorizedKey(clientID string) []byte {
	return []byte(unauthorizedPrefix + clientID)
}

// Save upserts a record.
func (s *UnauthorizedStore) Save(ctx context.Context, c storage.UnauthorizedClient) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal unauthorized client: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(unauthorizedKey(c.ClientID), data)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Get retrieves a record by client ID.
func (s *UnauthorizedStore) Get(ctx context.Context, clientID string) (storage.UnauthorizedClient, error) {
	if err := ctx.Err(); err != nil {
		return storage.UnauthorizedClient{}, err
	}

	var c storage.UnauthorizedClient
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(unauthorizedKey(clientID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if err != nil {
		return storage.UnauthorizedClient{}, err
	}
	return c, nil
}

// Delete removes a record.
func (s *UnauthorizedStore) Delete(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(unauthorizedKey(clientID))
	})
}

// List returns all records, most recent first.
func (s *UnauthorizedStore) List(ctx context.Context) ([]storage.UnauthorizedClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []storage.UnauthorizedClient
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(unauthorizedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c storage.UnauthorizedClient
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// DeleteOlderThan removes records with a timestamp before t.
func (s *UnauthorizedStore) DeleteOlderThan(ctx context.Context, t time.Time) (int, error) {
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, c := range all {
			if !c.Timestamp.Before(t) {
				continue
			}
			if err := txn.Delete(unauthorizedKey(c.ClientID)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
