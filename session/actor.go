// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync/atomic"
	"time"
)

// actor is the single goroutine owning the ActorState of one client id.
type actor struct {
	clientID string
	mailbox  chan Event
	snap     atomic.Pointer[Snapshot]
	done     chan struct{}
	// senders counts acquired references that may still send.
	senders atomic.Int32
}

func newActor(clientID string, size int) *actor {
	if size < 1 {
		size = 1
	}
	a := &actor{
		clientID: clientID,
		mailbox:  make(chan Event, size),
		done:     make(chan struct{}),
	}
	a.snap.Store(&Snapshot{ClientID: clientID})
	return a
}

func (a *actor) release() {
	a.senders.Add(-1)
}

func (m *Manager) run(a *actor) {
	defer m.wg.Done()
	defer close(a.done)
	defer m.metrics.ActorStopped()

	st := NewActorState(a.clientID)
	st.deliver = func(ev Event) bool { return m.deliver(a, ev) }

	idle := time.NewTimer(m.cfg.RetireInterval)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case ev := <-a.mailbox:
			m.proc.Handle(m.ctx, st, ev)
			a.snap.Store(st.snapshot())
			if _, ok := ev.(Stop); ok {
				return
			}
			if st.Idle() && st.State == Disconnected {
				idle.Reset(m.cfg.RetireInterval)
			} else {
				idle.Stop()
			}
		case <-idle.C:
			if !m.registry.retire(a) {
				idle.Reset(m.cfg.RetireInterval)
				continue
			}
			m.proc.Handle(m.ctx, st, Stop{Reason: Reason(OnDisconnectMsg, "idle")})
			return
		}
	}
}
