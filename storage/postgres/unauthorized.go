// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxsession/storage"
)

var _ storage.UnauthorizedStore = (*UnauthorizedStore)(nil)

// UnauthorizedStore implements storage.UnauthorizedStore on PostgreSQL.
type UnauthorizedStore struct {
	db    *sql.DB
	table string
}

// NewUnauthorizedStore creates a store over table. Call through New or
// NewWithDB so the table exists.
func NewUnauthorizedStore(db *sql.DB, table string) *UnauthorizedStore {
	return &UnauthorizedStore{db: db, table: quote(table)}
}

func (s *UnauthorizedStore) migrate(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		client_id         VARCHAR(255) PRIMARY KEY,
		username          VARCHAR(255) NOT NULL DEFAULT '',
		ip_address        VARCHAR(64)  NOT NULL DEFAULT '',
		ts                TIMESTAMPTZ  NOT NULL,
		password_provided BOOLEAN      NOT NULL,
		tls_used          BOOLEAN      NOT NULL,
		reason            TEXT         NOT NULL DEFAULT ''
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	return nil
}

// Save upserts a record.
func (s *UnauthorizedStore) Save(ctx context.Context, c storage.UnauthorizedClient) error {
	q := fmt.Sprintf(`INSERT INTO %s (client_id, username, ip_address, ts, password_provided, tls_used, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id) DO UPDATE SET
			username = EXCLUDED.username,
			ip_address = EXCLUDED.ip_address,
			ts = EXCLUDED.ts,
			password_provided = EXCLUDED.password_provided,
			tls_used = EXCLUDED.tls_used,
			reason = EXCLUDED.reason`, s.table)

	_, err := s.db.ExecContext(ctx, q,
		c.ClientID, c.Username, c.IPAddress, c.Timestamp.UTC(), c.PasswordProvided, c.TLSUsed, c.Reason)
	if err != nil {
		return fmt.Errorf("failed to save unauthorized client %s: %w", c.ClientID, err)
	}
	return nil
}

// Get retrieves a record by client ID.
func (s *UnauthorizedStore) Get(ctx context.Context, clientID string) (storage.UnauthorizedClient, error) {
	q := fmt.Sprintf(`SELECT client_id, username, ip_address, ts, password_provided, tls_used, reason
		FROM %s WHERE client_id = $1`, s.table)

	c, err := scanOne(s.db.QueryRowContext(ctx, q, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.UnauthorizedClient{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.UnauthorizedClient{}, fmt.Errorf("failed to get unauthorized client %s: %w", clientID, err)
	}
	return c, nil
}

// Delete removes a record.
func (s *UnauthorizedStore) Delete(ctx context.Context, clientID string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE client_id = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, q, clientID); err != nil {
		return fmt.Errorf("failed to delete unauthorized client %s: %w", clientID, err)
	}
	return nil
}

// List returns all records, most recent first.
func (s *UnauthorizedStore) List(ctx context.Context) ([]storage.UnauthorizedClient, error) {
	q := fmt.Sprintf(`SELECT client_id, username, ip_address, ts, password_provided, tls_used, reason
		FROM %s ORDER BY ts DESC`, s.table)

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list unauthorized clients: %w", err)
	}
	defer rows.Close()

	var out []storage.UnauthorizedClient
	for rows.Next() {
		c, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes records with a timestamp before t.
func (s *UnauthorizedStore) DeleteOlderThan(ctx context.Context, t time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE ts < $1`, s.table)
	res, err := s.db.ExecContext(ctx, q, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge unauthorized clients: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row scanner) (storage.UnauthorizedClient, error) {
	var c storage.UnauthorizedClient
	err := row.Scan(&c.ClientID, &c.Username, &c.IPAddress, &c.Timestamp, &c.PasswordProvided, &c.TLSUsed, &c.Reason)
	return c, err
}
