// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package unauthorized

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxsession/config"
	"github.com/absmach/fluxsession/storage"
	"github.com/absmach/fluxsession/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	op  Op
	err error
}

func collector() (Done, <-chan result) {
	ch := make(chan result, 16)
	return func(op Op, err error) { ch <- result{op, err} }, ch
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return result{}
	}
}

func TestRecorder_PersistRemove(t *testing.T) {
	store := memory.NewUnauthorizedStore()
	r := New(store, config.UnauthorizedConfig{}, nil, nil)
	defer r.Close()

	done, ch := collector()
	r.Persist(storage.UnauthorizedClient{ClientID: "c1", Username: "alice", Reason: "bad password"}, done)
	res := waitResult(t, ch)
	assert.Equal(t, OpPersist, res.op)
	require.NoError(t, res.err)

	rec, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)
	assert.False(t, rec.Timestamp.IsZero(), "timestamp must be filled in")

	r.Remove("c1", done)
	res = waitResult(t, ch)
	assert.Equal(t, OpRemove, res.op)
	require.NoError(t, res.err)

	_, err = store.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type failingStore struct {
	storage.UnauthorizedStore
}

func (failingStore) Save(context.Context, storage.UnauthorizedClient) error {
	return errors.New("disk full")
}

func TestRecorder_FailureIsReportedNotEscalated(t *testing.T) {
	r := New(failingStore{memory.NewUnauthorizedStore()}, config.UnauthorizedConfig{}, nil, nil)
	defer r.Close()

	done, ch := collector()
	assert.NotPanics(t, func() {
		r.Persist(storage.UnauthorizedClient{ClientID: "c1"}, done)
	})
	res := waitResult(t, ch)
	assert.EqualError(t, res.err, "disk full")
}

func TestRecorder_RateLimitDrops(t *testing.T) {
	store := memory.NewUnauthorizedStore()
	r := New(store, config.UnauthorizedConfig{WriteRate: 0.001, WriteBurst: 1}, nil, nil)
	defer r.Close()

	done, ch := collector()
	r.Persist(storage.UnauthorizedClient{ClientID: "c1"}, done)
	r.Persist(storage.UnauthorizedClient{ClientID: "c2"}, done)

	var dropped int
	for i := 0; i < 2; i++ {
		if errors.Is(waitResult(t, ch).err, ErrDropped) {
			dropped++
		}
	}
	assert.Equal(t, 1, dropped)
	assert.Equal(t, uint64(1), r.Dropped())

	// Removals are not rate limited.
	r.Remove("c1", done)
	require.NoError(t, waitResult(t, ch).err)
}

type blockingStore struct {
	storage.UnauthorizedStore
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, _ storage.UnauthorizedClient) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRecorder_QueueFullDrops(t *testing.T) {
	store := &blockingStore{
		UnauthorizedStore: memory.NewUnauthorizedStore(),
		release:           make(chan struct{}),
		started:           make(chan struct{}),
	}
	r := New(store, config.UnauthorizedConfig{Workers: 1, QueueSize: 1}, nil, nil)

	done, ch := collector()
	r.Persist(storage.UnauthorizedClient{ClientID: "busy"}, done)
	<-store.started
	r.Persist(storage.UnauthorizedClient{ClientID: "queued"}, done)
	r.Persist(storage.UnauthorizedClient{ClientID: "dropped"}, done)

	res := waitResult(t, ch)
	assert.ErrorIs(t, res.err, ErrDropped)

	close(store.release)
	require.NoError(t, waitResult(t, ch).err)
	require.NoError(t, waitResult(t, ch).err)
	r.Close()
}

type slowSaveStore struct {
	storage.UnauthorizedStore
}

func (s slowSaveStore) Save(ctx context.Context, c storage.UnauthorizedClient) error {
	time.Sleep(50 * time.Millisecond)
	return s.UnauthorizedStore.Save(ctx, c)
}

func TestRecorder_SameClientRunsInOrder(t *testing.T) {
	store := memory.NewUnauthorizedStore()
	r := New(slowSaveStore{store}, config.UnauthorizedConfig{Workers: 4}, nil, nil)
	defer r.Close()

	done, ch := collector()
	r.Persist(storage.UnauthorizedClient{ClientID: "c1", Reason: "bad password"}, done)
	r.Remove("c1", done)

	first := waitResult(t, ch)
	second := waitResult(t, ch)
	assert.Equal(t, OpPersist, first.op)
	assert.Equal(t, OpRemove, second.op)
	require.NoError(t, first.err)
	require.NoError(t, second.err)

	_, err := store.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "a later removal must win over an earlier persist")
}

func TestRecorder_Closed(t *testing.T) {
	r := New(memory.NewUnauthorizedStore(), config.UnauthorizedConfig{}, nil, nil)
	r.Close()
	r.Close()

	done, ch := collector()
	r.Persist(storage.UnauthorizedClient{ClientID: "c1"}, done)
	assert.ErrorIs(t, waitResult(t, ch).err, ErrRecorderClosed)
}

func TestRecorder_Purge(t *testing.T) {
	store := memory.NewUnauthorizedStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, storage.UnauthorizedClient{ClientID: "old", Timestamp: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, store.Save(ctx, storage.UnauthorizedClient{ClientID: "new", Timestamp: time.Now()}))

	r := New(store, config.UnauthorizedConfig{TTL: time.Hour}, nil, nil)
	defer r.Close()

	assert.Equal(t, 1, r.Purge(ctx))
	_, err := store.Get(ctx, "new")
	require.NoError(t, err)
}
