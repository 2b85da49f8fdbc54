// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server holds the listeners that feed client connections into
// the session layer.
package server

import (
	"context"
	"net"
)

// ConnHandler serves one client connection until it ends.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to ConnHandler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) Serve(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}
