// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster propagates session lifecycle events between broker nodes.
package cluster

import (
	"context"

	"github.com/google/uuid"
)

// SessionEvents announces local session lifecycle changes to the cluster.
// Every call is send-and-forget: delivery and cross-node ordering are the
// implementation's concern and failures are only logged.
type SessionEvents interface {
	// RequestConnection claims clientID for sessionID on this node. Other
	// nodes holding a session for the same client id evict it.
	RequestConnection(ctx context.Context, clientID string, sessionID uuid.UUID)

	// NotifyDisconnected releases the claim of sessionID, if it still holds.
	NotifyDisconnected(ctx context.Context, clientID string, sessionID uuid.UUID)
}

// Evictor tears down a local session superseded on another node.
type Evictor interface {
	EvictSession(clientID string, sessionID uuid.UUID, byNode string)
}

// Owner is the cluster-wide claim on a client id.
type Owner struct {
	Node    string    `json:"node"`
	Session uuid.UUID `json:"session"`
}
