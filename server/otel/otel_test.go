// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxsession/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitProviderDisabled(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), config.ServerConfig{OtelServiceName: "test"}, "node-1")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestProvidersShutdownOrder(t *testing.T) {
	var order []int
	errFirst := errors.New("first")
	p := providers{
		func(context.Context) error { order = append(order, 1); return errFirst },
		func(context.Context) error { order = append(order, 2); return nil },
	}

	err := p.shutdown(context.Background())
	assert.ErrorIs(t, err, errFirst)
	assert.Equal(t, []int{2, 1}, order)
}
