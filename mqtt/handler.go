// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt turns MQTT connections into session events.
package mqtt

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/fluxsession/auth"
	"github.com/absmach/fluxsession/ratelimit"
	"github.com/absmach/fluxsession/server/otel"
	"github.com/absmach/fluxsession/session"
	"github.com/mochi-mqtt/server/v2/packets"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// Sessions accepts session events.
type Sessions interface {
	Submit(ctx context.Context, clientID string, ev session.Event) error
}

// HandlerConfig holds the dependencies of a Handler.
type HandlerConfig struct {
	Sessions Sessions
	Limiter  ratelimit.Limiter
	Metrics  *otel.Metrics
	Logger   *slog.Logger

	// ConnectTimeout bounds the wait for the first packet.
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Handler reads packets from one connection at a time and submits the
// session events they carry.
type Handler struct {
	sessions       Sessions
	limiter        ratelimit.Limiter
	metrics        *otel.Metrics
	logger         *slog.Logger
	connectTimeout time.Duration
	writeTimeout   time.Duration
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Handler{
		sessions:       cfg.Sessions,
		limiter:        cfg.Limiter,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		connectTimeout: cfg.ConnectTimeout,
		writeTimeout:   cfg.WriteTimeout,
	}
}

// Serve handles conn until it is closed. TLS handshakes must already be
// complete.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	c := NewConnection(conn, h.writeTimeout)
	defer c.Close()

	if !h.limiter.Allow(conn.RemoteAddr()) {
		h.metrics.RecordConnectionRejected("rate_limited")
		h.logger.Debug("connection_rate_limited", slog.String("remote", conn.RemoteAddr().String()))
		return
	}

	_ = c.SetReadDeadline(time.Now().Add(h.connectTimeout))
	pk, err := c.ReadPacket()
	if err != nil {
		h.metrics.RecordConnectionRejected("read_error")
		h.logger.Debug("connect_read_failed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
		return
	}
	if pk.FixedHeader.Type != packets.Connect {
		h.metrics.RecordConnectionRejected("protocol_error")
		h.logger.Debug("first_packet_not_connect",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("type", packets.PacketNames[pk.FixedHeader.Type]))
		return
	}

	sc, err := h.open(ctx, c, pk, tlsInfo(conn))
	if err != nil {
		return
	}
	h.readLoop(ctx, c, sc, pk.Connect.Keepalive)
}

// open validates CONNECT and submits the events that start the session.
func (h *Handler) open(ctx context.Context, c *Connection, pk *packets.Packet, tls *session.TLSInfo) (*session.Context, error) {
	version := pk.ProtocolVersion
	if code := pk.ConnectValidate(); code != packets.CodeSuccess {
		h.refuse(c, version, code, "invalid_connect")
		return nil, code
	}

	clientID := pk.Connect.ClientIdentifier
	if clientID == "" {
		if version < 5 && !pk.Connect.Clean {
			h.refuse(c, version, packets.ErrClientIdentifierNotValid, "invalid_client_id")
			return nil, packets.ErrClientIdentifierNotValid
		}
		id, err := GenerateClientID()
		if err != nil {
			h.refuse(c, version, packets.ErrUnspecifiedError, "client_id_generation")
			return nil, err
		}
		clientID = id
	}

	sc := session.NewContext(clientID, c, version, tls)
	method := pk.Properties.AuthenticationMethod

	var err error
	if version >= 5 && method != "" {
		err = h.sessions.Submit(ctx, clientID, session.EnhancedAuthInit{
			Ctx:     sc,
			Method:  method,
			Data:    pk.Properties.AuthenticationData,
			Connect: pk,
		})
	} else {
		var password []byte
		if pk.Connect.PasswordFlag {
			password = pk.Connect.Password
		}
		err = h.sessions.Submit(ctx, clientID, session.SessionInit{
			Ctx:      sc,
			Username: string(pk.Connect.Username),
			Password: password,
		})
		if err == nil {
			err = h.sessions.Submit(ctx, clientID, session.ConnectCompletion{SessionID: sc.SessionID, Connect: pk})
			if err != nil {
				// The actor may already hold sc; release it before refusing.
				h.submit(ctx, sc, session.Disconnect{
					SessionID: sc.SessionID,
					Reason:    session.Reason(session.OnTransportClosed, "connect not completed"),
				})
			}
		}
	}
	if err != nil {
		h.logger.Warn("session_submit_failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		h.refuse(c, version, packets.ErrServerBusy, "server_busy")
		return nil, err
	}
	return sc, nil
}

func (h *Handler) readLoop(ctx context.Context, c *Connection, sc *session.Context, keepalive uint16) {
	for {
		deadline := time.Time{}
		if keepalive > 0 {
			deadline = time.Now().Add(time.Duration(keepalive) * 1500 * time.Millisecond)
		}
		_ = c.SetReadDeadline(deadline)

		pk, err := c.ReadPacket()
		if err != nil {
			msg := ""
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				msg = err.Error()
			}
			h.submit(ctx, sc, session.Disconnect{SessionID: sc.SessionID, Reason: session.Reason(session.OnTransportClosed, msg)})
			return
		}

		switch pk.FixedHeader.Type {
		case packets.Auth:
			if !h.auth(ctx, sc, pk) {
				return
			}
		case packets.Disconnect:
			h.submit(ctx, sc, session.Disconnect{SessionID: sc.SessionID, Reason: session.Reason(session.OnDisconnectMsg, "")})
			return
		case packets.Pingreq:
			resp := &packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}, ProtocolVersion: sc.ProtocolVersion}
			if err := c.WritePacket(resp); err != nil {
				h.logger.Debug("pingresp_write_failed",
					slog.String("client_id", sc.ClientID),
					slog.String("error", err.Error()))
			}
		case packets.Connect:
			h.submit(ctx, sc, session.Disconnect{SessionID: sc.SessionID, Reason: session.Reason(session.OnProtocolError, "second CONNECT")})
			return
		default:
			h.logger.Debug("packet_ignored",
				slog.String("client_id", sc.ClientID),
				slog.String("type", packets.PacketNames[pk.FixedHeader.Type]))
		}
	}
}

// auth submits the event for an AUTH packet. It reports whether the
// connection should keep reading.
func (h *Handler) auth(ctx context.Context, sc *session.Context, pk *packets.Packet) bool {
	method := pk.Properties.AuthenticationMethod
	data := pk.Properties.AuthenticationData

	if sc.ProtocolVersion < 5 {
		h.submit(ctx, sc, session.Disconnect{SessionID: sc.SessionID, Reason: session.Reason(session.OnProtocolError, "AUTH before MQTT 5")})
		return false
	}
	switch pk.ReasonCode {
	case packets.CodeContinueAuthentication.Code:
		h.submit(ctx, sc, session.EnhancedAuthContinue{Ctx: sc, Method: method, Data: data})
	case packets.CodeReAuthenticate.Code:
		h.submit(ctx, sc, session.EnhancedReAuth{Ctx: sc, Method: method, Data: data})
	default:
		h.submit(ctx, sc, session.Disconnect{
			SessionID: sc.SessionID,
			Reason:    session.Reason(session.OnProtocolError, fmt.Sprintf("unexpected AUTH reason code 0x%02x", pk.ReasonCode)),
		})
		return false
	}
	return true
}

func (h *Handler) submit(ctx context.Context, sc *session.Context, ev session.Event) {
	if err := h.sessions.Submit(ctx, sc.ClientID, ev); err != nil {
		h.logger.Warn("session_submit_failed",
			slog.String("client_id", sc.ClientID),
			slog.String("error", err.Error()))
	}
}

// refuse answers a CONNECT that never reaches the session layer.
func (h *Handler) refuse(c *Connection, version byte, code packets.Code, cause string) {
	h.metrics.RecordConnectionRejected(cause)
	ack := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connack},
		ProtocolVersion: version,
		ReasonCode:      auth.ForVersion(code, version).Code,
	}
	if err := c.WritePacket(ack); err != nil {
		h.logger.Debug("connack_write_failed", slog.String("error", err.Error()))
	}
}

// GenerateClientID generates a random client ID.
// Format: auto-<16-char-hex>.
func GenerateClientID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random client ID: %w", err)
	}
	return "auto-" + hex.EncodeToString(b), nil
}

func tlsInfo(conn net.Conn) *session.TLSInfo {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return nil
	}
	info := &session.TLSInfo{}
	if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
		info.CommonName = certs[0].Subject.CommonName
	}
	return info
}
