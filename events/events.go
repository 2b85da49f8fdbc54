// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSessionConnected    = "session.connected"
	TypeSessionDisconnected = "session.disconnected"
	TypeSessionTakeover     = "session.takeover"
	TypeAuthFailed          = "auth.failed"
)

// Event is the common interface for all session events.
type Event interface {
	// Type returns the event type identifier (e.g., "session.connected").
	Type() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(nodeID string) *Envelope
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, nodeID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		NodeID:    nodeID,
		Data:      e,
	}
}

// SessionConnected is emitted when a session reaches CONNECTED.
type SessionConnected struct {
	ClientID   string `json:"client_id"`
	SessionID  string `json:"session_id"`
	Username   string `json:"username,omitempty"`
	Protocol   string `json:"protocol"` // "mqtt3", "mqtt311" or "mqtt5"
	AuthMethod string `json:"auth_method,omitempty"`
	ClientType string `json:"client_type"`
	RemoteAddr string `json:"remote_addr"`
}

func (e SessionConnected) Type() string                  { return TypeSessionConnected }
func (e SessionConnected) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// SessionDisconnected is emitted after a session teardown.
type SessionDisconnected struct {
	ClientID   string `json:"client_id"`
	SessionID  string `json:"session_id"`
	Reason     string `json:"reason"`
	Message    string `json:"message,omitempty"`
	RemoteAddr string `json:"remote_addr"`
}

func (e SessionDisconnected) Type() string                  { return TypeSessionDisconnected }
func (e SessionDisconnected) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// SessionTakeover is emitted when a newer connection evicts a live session.
type SessionTakeover struct {
	ClientID     string `json:"client_id"`
	OldSessionID string `json:"old_session_id"`
	NewSessionID string `json:"new_session_id,omitempty"`
	FromNode     string `json:"from_node,omitempty"`
	ToNode       string `json:"to_node,omitempty"`
}

func (e SessionTakeover) Type() string                  { return TypeSessionTakeover }
func (e SessionTakeover) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// AuthFailed is emitted for every rejected authentication.
type AuthFailed struct {
	ClientID   string `json:"client_id"`
	Username   string `json:"username,omitempty"`
	Method     string `json:"method"` // "password" or the enhanced method name
	Reason     string `json:"reason"`
	RemoteAddr string `json:"remote_addr"`
}

func (e AuthFailed) Type() string                  { return TypeAuthFailed }
func (e AuthFailed) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// Protocol names an MQTT protocol version for events.
func Protocol(version byte) string {
	switch version {
	case 5:
		return "mqtt5"
	case 4:
		return "mqtt311"
	default:
		return "mqtt3"
	}
}
