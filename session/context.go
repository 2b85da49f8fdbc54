// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net"

	"github.com/absmach/fluxsession/auth"
	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Transport is the connection a session writes replies to.
type Transport interface {
	WritePacket(pk *packets.Packet) error
	Close() error
	RemoteAddr() net.Addr
}

// TLSInfo is the verified TLS peer identity of a connection.
type TLSInfo struct {
	CommonName string
}

// EnhancedAuthState is the open enhanced-auth handshake of a connection.
type EnhancedAuthState struct {
	Method   string
	Exchange *auth.Exchange
	// Connect is the CONNECT packet held back until the handshake completes.
	Connect *packets.Packet
}

// Context is the per-connection handle of one session attempt. A new
// Context is built for every connection attempt; after it is submitted
// only the owning actor touches it.
type Context struct {
	SessionID       uuid.UUID
	ClientID        string
	Transport       Transport
	TLS             *TLSInfo
	ProtocolVersion byte

	Username   string
	Rules      auth.Rules
	ClientType auth.ClientType
	// AuthMethod is the enhanced-auth method the session connected with.
	AuthMethod string

	EnhancedAuth *EnhancedAuthState
	// ReAuth is the open re-authentication exchange of a connected session.
	ReAuth *auth.Exchange
}

// NewContext creates a Context with a fresh session id.
func NewContext(clientID string, t Transport, version byte, tls *TLSInfo) *Context {
	return &Context{
		SessionID:       uuid.New(),
		ClientID:        clientID,
		Transport:       t,
		TLS:             tls,
		ProtocolVersion: version,
	}
}

// RemoteIP returns the peer address without port, or "" when unknown.
func (c *Context) RemoteIP() string {
	if c == nil || c.Transport == nil {
		return ""
	}
	addr := c.Transport.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (c *Context) install(username string, rules auth.Rules, ct auth.ClientType) {
	if username != "" {
		c.Username = username
	}
	if len(rules) > 0 {
		c.Rules = rules
	}
	c.ClientType = ct
}
