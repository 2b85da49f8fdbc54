// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Store is the composite storage interface of the session core.
type Store interface {
	// Unauthorized returns the unauthorized-attempt store.
	Unauthorized() UnauthorizedStore

	// Close closes all storage backends.
	Close() error
}

// UnauthorizedClient is the audit record of a rejected authentication.
// There is at most one record per client id; a later rejection replaces it
// and a later success removes it.
type UnauthorizedClient struct {
	ClientID         string    `json:"client_id"`
	Username         string    `json:"username,omitempty"`
	IPAddress        string    `json:"ip_address,omitempty"`
	Reason           string    `json:"reason"`
	Timestamp        time.Time `json:"ts"`
	PasswordProvided bool      `json:"password_provided"`
	TLSUsed          bool      `json:"tls_used"`
}

// UnauthorizedStore persists UnauthorizedClient records keyed by client id.
type UnauthorizedStore interface {
	// Save upserts the record for its client id.
	Save(ctx context.Context, c UnauthorizedClient) error

	// Get returns the record for clientID or ErrNotFound.
	Get(ctx context.Context, clientID string) (UnauthorizedClient, error)

	// Delete removes the record for clientID. Deleting a missing record is not an error.
	Delete(ctx context.Context, clientID string) error

	// List returns all records, most recent first.
	List(ctx context.Context) ([]UnauthorizedClient, error)

	// DeleteOlderThan removes records with a timestamp before t and returns how many were removed.
	DeleteOlderThan(ctx context.Context, t time.Time) (int, error)
}
