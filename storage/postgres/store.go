// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package postgres stores session core records in PostgreSQL through
// database/sql and the lib/pq driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/absmach/fluxsession/storage"
	"github.com/lib/pq"
)

var _ storage.Store = (*Store)(nil)

const defaultTable = "unauthorized_clients"

// Config holds PostgreSQL configuration.
type Config struct {
	DSN string
	// Table defaults to unauthorized_clients.
	Table        string
	MaxOpenConns int
	ConnTimeout  time.Duration
}

// Store is the composite PostgreSQL store.
type Store struct {
	db           *sql.DB
	unauthorized *UnauthorizedStore
}

// New opens the database, verifies connectivity and creates missing tables.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	timeout := cfg.ConnTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping database: %w", err)
	}

	return NewWithDB(ctx, db, cfg.Table)
}

// NewWithDB wraps an already opened database.
func NewWithDB(ctx context.Context, db *sql.DB, table string) (*Store, error) {
	if table == "" {
		table = defaultTable
	}
	u := NewUnauthorizedStore(db, table)
	if err := u.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, unauthorized: u}, nil
}

// Unauthorized returns the unauthorized-attempt store.
func (s *Store) Unauthorized() storage.UnauthorizedStore {
	return s.unauthorized
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func quote(name string) string {
	return pq.QuoteIdentifier(name)
}
