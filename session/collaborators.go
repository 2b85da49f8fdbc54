// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/absmach/fluxsession/events"
	"github.com/absmach/fluxsession/storage"
	"github.com/absmach/fluxsession/unauthorized"
	"github.com/google/uuid"
)

// Disconnector tears down a session. It is called from the owning actor
// and returns when the teardown is complete.
type Disconnector interface {
	Disconnect(ctx context.Context, sc *Context, reason DisconnectReason)
}

// AuditRecorder persists unauthorized-attempt records without blocking.
type AuditRecorder interface {
	Persist(rec storage.UnauthorizedClient, done unauthorized.Done)
	Remove(clientID string, done unauthorized.Done)
}

// Dispatcher addresses the actor of any client id, including the caller's
// own. Delivery is asynchronous.
type Dispatcher interface {
	Connect(clientID string, c ConnectCompletion)
	Disconnect(clientID string, sessionID uuid.UUID, reason DisconnectReason)
}

// Notifier publishes session events.
type Notifier interface {
	Notify(ctx context.Context, ev events.Event) error
}
