// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/absmach/fluxsession/unauthorized"
	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Event is one inbound message of a client actor. The set of events is
// closed: only the types in this file implement it.
type Event interface {
	clientEvent()
}

// SessionInit starts plain username/password authentication.
type SessionInit struct {
	Ctx      *Context
	Username string
	// Password is nil when the CONNECT carried no password.
	Password []byte
}

// EnhancedAuthInit starts an enhanced-auth handshake from a CONNECT that
// carried an authentication method.
type EnhancedAuthInit struct {
	Ctx     *Context
	Method  string
	Data    []byte
	Connect *packets.Packet
}

// EnhancedAuthContinue is an AUTH packet with the continue code. Ctx is
// the connection the packet arrived on.
type EnhancedAuthContinue struct {
	Ctx    *Context
	Method string
	Data   []byte
}

// EnhancedReAuth is an AUTH packet with the re-authenticate code.
type EnhancedReAuth struct {
	Ctx    *Context
	Method string
	Data   []byte
}

// Disconnect tears down a session. A nil SessionID targets whatever
// session is current; any other id only matches that session.
type Disconnect struct {
	SessionID uuid.UUID
	Reason    DisconnectReason
}

// ConnectCompletion finishes a CONNECT whose authentication succeeded.
type ConnectCompletion struct {
	SessionID uuid.UUID
	Connect   *packets.Packet
	// Method and Data are echoed in a v5 CONNACK after enhanced auth.
	Method string
	Data   []byte
}

// Stop retires the actor. Pending asynchronous results are invalidated
// and a live session is torn down first.
type Stop struct {
	Reason DisconnectReason
}

type auditDone struct {
	generation uint64
	op         unauthorized.Op
	err        error
}

func (SessionInit) clientEvent()          {}
func (EnhancedAuthInit) clientEvent()     {}
func (EnhancedAuthContinue) clientEvent() {}
func (EnhancedReAuth) clientEvent()       {}
func (Disconnect) clientEvent()           {}
func (ConnectCompletion) clientEvent()    {}
func (Stop) clientEvent()                 {}
func (auditDone) clientEvent()            {}

func eventName(ev Event) string {
	switch ev.(type) {
	case SessionInit:
		return "session.init"
	case EnhancedAuthInit:
		return "session.enhanced_auth_init"
	case EnhancedAuthContinue:
		return "session.enhanced_auth_continue"
	case EnhancedReAuth:
		return "session.enhanced_reauth"
	case Disconnect:
		return "session.disconnect"
	case ConnectCompletion:
		return "session.connect"
	case Stop:
		return "session.stop"
	case auditDone:
		return "session.audit_done"
	default:
		return "session.unknown"
	}
}
