// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/absmach/fluxsession/auth"
	"github.com/google/uuid"
)

// fence invalidates asynchronous results issued before the last stop.
//
// idle is the pending-stop marker. It is set while the actor holds no
// session: from creation, on stop, on reset and when a rejection leaves
// the actor Disconnected. Committing a session clears it. The manager
// retires an idle Disconnected actor once its mailbox stays empty.
type fence struct {
	generation uint64
	idle       bool
}

// ActorState is the state of one client id. It is owned by a single actor
// goroutine; nothing else reads or writes it.
type ActorState struct {
	ClientID  string
	State     State
	SessionID uuid.UUID
	Ctx       *Context

	fence         fence
	auditFailures uint64

	// deliver posts an event to the owning actor without blocking.
	deliver func(Event) bool
}

// NewActorState creates the state of a client id that has no session. It
// is eligible for retirement until a session is committed.
func NewActorState(clientID string) *ActorState {
	return &ActorState{ClientID: clientID, fence: fence{idle: true}}
}

// Generation returns the current stop fence value.
func (s *ActorState) Generation() uint64 {
	return s.fence.generation
}

// Idle reports whether the pending-stop marker is set, which makes the
// actor eligible for retirement.
func (s *ActorState) Idle() bool {
	return s.fence.idle
}

// commit makes sc the current session in state.
func (s *ActorState) commit(sc *Context, state State) {
	s.State = state
	s.SessionID = sc.SessionID
	s.Ctx = sc
	s.fence.idle = false
}

// reset drops the current session without a teardown.
func (s *ActorState) reset() {
	if s.Ctx != nil {
		s.Ctx.EnhancedAuth = nil
		s.Ctx.ReAuth = nil
	}
	s.State = Disconnected
	s.SessionID = uuid.Nil
	s.Ctx = nil
	s.fence.idle = true
}

func (s *ActorState) isCurrent(sc *Context) bool {
	return sc != nil && s.Ctx != nil && sc.SessionID == s.SessionID
}

// Snapshot is a read-only view of an actor for other subsystems.
type Snapshot struct {
	ClientID        string
	State           State
	SessionID       uuid.UUID
	Username        string
	ClientType      auth.ClientType
	ProtocolVersion byte
	PubRules        int
	SubRules        int
	AuditFailures   uint64
}

func (s *ActorState) snapshot() *Snapshot {
	snap := &Snapshot{
		ClientID:      s.ClientID,
		State:         s.State,
		SessionID:     s.SessionID,
		AuditFailures: s.auditFailures,
	}
	if s.Ctx != nil {
		snap.Username = s.Ctx.Username
		snap.ClientType = s.Ctx.ClientType
		snap.ProtocolVersion = s.Ctx.ProtocolVersion
		snap.PubRules = len(s.Ctx.Rules.PubPatterns())
		snap.SubRules = len(s.Ctx.Rules.SubPatterns())
	}
	return snap
}
