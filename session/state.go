// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

// State is the lifecycle state of a client actor.
type State uint8

const (
	Disconnected State = iota
	// Connecting is never committed between events: authentication runs to
	// completion inside the event that started it.
	Connecting
	Initialized
	EnhancedAuthStarted
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Initialized:
		return "INITIALIZED"
	case EnhancedAuthStarted:
		return "ENHANCED_AUTH_STARTED"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ReasonKind tags why a session is torn down.
type ReasonKind uint8

const (
	OnConflictingSessions ReasonKind = iota
	NotAuthorized
	OnProtocolError
	OnDisconnectMsg
	OnTransportClosed
	OnServerShutdown
)

func (k ReasonKind) String() string {
	switch k {
	case OnConflictingSessions:
		return "ON_CONFLICTING_SESSIONS"
	case NotAuthorized:
		return "NOT_AUTHORIZED"
	case OnProtocolError:
		return "ON_PROTOCOL_ERROR"
	case OnDisconnectMsg:
		return "ON_DISCONNECT_MSG"
	case OnTransportClosed:
		return "ON_TRANSPORT_CLOSED"
	case OnServerShutdown:
		return "ON_SERVER_SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// DisconnectReason is a teardown reason with optional detail text.
type DisconnectReason struct {
	Kind    ReasonKind
	Message string
}

// Reason builds a DisconnectReason.
func Reason(kind ReasonKind, msg string) DisconnectReason {
	return DisconnectReason{Kind: kind, Message: msg}
}

func (r DisconnectReason) String() string {
	if r.Message == "" {
		return r.Kind.String()
	}
	return r.Kind.String() + ": " + r.Message
}
