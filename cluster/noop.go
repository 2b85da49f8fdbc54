// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"

	"github.com/google/uuid"
)

var _ SessionEvents = Noop{}

// Noop is the SessionEvents of a single-node deployment.
type Noop struct{}

func (Noop) RequestConnection(context.Context, string, uuid.UUID)  {}
func (Noop) NotifyDisconnected(context.Context, string, uuid.UUID) {}
