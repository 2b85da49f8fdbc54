// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"time"

	"github.com/absmach/fluxsession/events"
)

// Notifier delivers session events asynchronously.
type Notifier interface {
	// Notify queues an event for every matching endpoint without blocking.
	Notify(ctx context.Context, event events.Event) error

	// Close stops delivery, waiting up to the configured shutdown timeout.
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send posts a payload to url.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Notify(context.Context, events.Event) error { return nil }
func (Noop) Close() error                               { return nil }
