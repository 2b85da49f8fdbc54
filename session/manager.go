// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxsession/cluster"
	"github.com/absmach/fluxsession/config"
	"github.com/absmach/fluxsession/server/otel"
	"github.com/google/uuid"
)

var (
	ErrManagerClosed   = errors.New("session manager is closed")
	ErrMailboxFull     = errors.New("session mailbox is full")
	ErrShutdownTimeout = errors.New("session manager shutdown timed out")
	ErrEmptyClientID   = errors.New("empty client id")
)

var (
	_ Dispatcher      = (*Manager)(nil)
	_ cluster.Evictor = (*Manager)(nil)
)

// Manager owns the actors of all client ids on this node.
type Manager struct {
	cfg      config.SessionConfig
	proc     *Processor
	registry *registry
	metrics  *otel.Metrics
	logger   *slog.Logger

	// mu guards closed against submissions that are still inserting actors.
	mu     sync.RWMutex
	closed bool

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	dispatchWG sync.WaitGroup
}

// NewManager creates a Manager. When pcfg has no Dispatcher the Manager
// itself is used.
func NewManager(cfg config.SessionConfig, pcfg ProcessorConfig) (*Manager, error) {
	if cfg.MailboxSize < 1 {
		cfg.MailboxSize = 1
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if cfg.RetireInterval <= 0 {
		cfg.RetireInterval = time.Second
	}
	if pcfg.AuthTimeout <= 0 {
		pcfg.AuthTimeout = cfg.AuthTimeout
	}
	if pcfg.DisconnectTimeout <= 0 {
		pcfg.DisconnectTimeout = cfg.DisconnectTimeout
	}
	if pcfg.Logger == nil {
		pcfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		registry: newRegistry(),
		metrics:  pcfg.Metrics,
		logger:   pcfg.Logger,
	}
	if pcfg.Dispatcher == nil {
		pcfg.Dispatcher = m
	}

	proc, err := NewProcessor(pcfg)
	if err != nil {
		return nil, err
	}
	m.proc = proc
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Submit queues ev for the actor of clientID, starting the actor if the
// client id has none. It waits up to the enqueue timeout on a full mailbox.
func (m *Manager) Submit(ctx context.Context, clientID string, ev Event) error {
	if clientID == "" {
		return ErrEmptyClientID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}

	for {
		if a := m.registry.acquire(clientID); a != nil {
			return m.send(ctx, a, ev)
		}

		a := newActor(clientID, m.cfg.MailboxSize)
		a.mailbox <- ev
		if !m.registry.insert(a) {
			continue
		}
		m.wg.Add(1)
		m.metrics.ActorStarted()
		go m.run(a)
		return nil
	}
}

// send posts ev to an acquired actor and releases it. No registry lock is
// held while it waits.
func (m *Manager) send(ctx context.Context, a *actor, ev Event) error {
	defer a.release()

	select {
	case a.mailbox <- ev:
		return nil
	default:
	}

	t := time.NewTimer(m.cfg.EnqueueTimeout)
	defer t.Stop()
	select {
	case a.mailbox <- ev:
		return nil
	case <-a.done:
		return ErrManagerClosed
	case <-t.C:
		return fmt.Errorf("%w: %s", ErrMailboxFull, a.clientID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver posts ev to a without blocking, provided a is still the
// registered actor of its client id.
func (m *Manager) deliver(a *actor, ev Event) bool {
	delivered := false
	if cur := m.registry.acquire(a.clientID); cur != nil {
		if cur == a {
			select {
			case a.mailbox <- ev:
				delivered = true
			default:
			}
		}
		cur.release()
	}
	if !delivered {
		m.logger.Debug("session_delivery_dropped",
			slog.String("client_id", a.clientID),
			slog.String("event", eventName(ev)))
	}
	return delivered
}

// Connect implements Dispatcher.
func (m *Manager) Connect(clientID string, c ConnectCompletion) {
	m.dispatch(clientID, c)
}

// Disconnect implements Dispatcher.
func (m *Manager) Disconnect(clientID string, sessionID uuid.UUID, reason DisconnectReason) {
	m.dispatch(clientID, Disconnect{SessionID: sessionID, Reason: reason})
}

// dispatch submits from a separate goroutine so that an actor can address
// itself.
func (m *Manager) dispatch(clientID string, ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.dispatchWG.Add(1)
	go func() {
		defer m.dispatchWG.Done()
		if err := m.Submit(m.ctx, clientID, ev); err != nil {
			m.logger.Warn("session_dispatch_failed",
				slog.String("client_id", clientID),
				slog.String("event", eventName(ev)),
				slog.String("error", err.Error()))
		}
	}()
}

// DisconnectLocal tears down whatever session clientID has on this node.
func (m *Manager) DisconnectLocal(ctx context.Context, clientID string, reason DisconnectReason) error {
	if m.registry.get(clientID) == nil {
		return nil
	}
	return m.Submit(ctx, clientID, Disconnect{Reason: reason})
}

// EvictSession implements cluster.Evictor. Only a session that is still
// current is torn down.
func (m *Manager) EvictSession(clientID string, sessionID uuid.UUID, byNode string) {
	if m.registry.get(clientID) == nil {
		return
	}
	reason := Reason(OnConflictingSessions, "session taken over by node "+byNode)
	if err := m.Submit(m.ctx, clientID, Disconnect{SessionID: sessionID, Reason: reason}); err != nil {
		m.logger.Warn("session_evict_failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
	}
}

// Snapshot returns the last published view of clientID's actor.
func (m *Manager) Snapshot(clientID string) (Snapshot, bool) {
	a := m.registry.get(clientID)
	if a == nil {
		return Snapshot{}, false
	}
	return *a.snap.Load(), true
}

// Snapshots returns the views of all actors.
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, m.registry.len())
	m.registry.forEach(func(a *actor) {
		out = append(out, *a.snap.Load())
	})
	return out
}

// Count returns the number of live actors.
func (m *Manager) Count() int {
	return m.registry.len()
}

// ConnectedCount returns the number of actors with a connected session.
func (m *Manager) ConnectedCount() int {
	n := 0
	m.registry.forEach(func(a *actor) {
		if a.snap.Load().State == Connected {
			n++
		}
	})
	return n
}

// Close stops every actor, tearing down live sessions, and waits for them
// until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	stop := Stop{Reason: Reason(OnServerShutdown, "")}
	m.registry.forEach(func(a *actor) {
		select {
		case a.mailbox <- stop:
		case <-a.done:
		case <-ctx.Done():
		}
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.cancel()
		m.dispatchWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.cancel()
		return ErrShutdownTimeout
	}
}
