// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package disconnect tears sessions down.
package disconnect

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/absmach/fluxsession/cluster"
	"github.com/absmach/fluxsession/events"
	"github.com/absmach/fluxsession/server/otel"
	"github.com/absmach/fluxsession/session"
	"github.com/absmach/fluxsession/webhook"
	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
)

var _ session.Disconnector = (*Orchestrator)(nil)

// reasonCodes holds the v5 DISCONNECT code sent for server-initiated
// teardowns. Kinds missing from the table close without a DISCONNECT.
var reasonCodes = map[session.ReasonKind]packets.Code{
	session.OnConflictingSessions: packets.ErrSessionTakenOver,
	session.NotAuthorized:         packets.ErrNotAuthorized,
	session.OnProtocolError:       packets.ErrProtocolViolation,
	session.OnServerShutdown:      packets.ErrServerShuttingDown,
}

// ReasonCode returns the DISCONNECT code for kind and whether one is sent.
func ReasonCode(kind session.ReasonKind) (packets.Code, bool) {
	c, ok := reasonCodes[kind]
	return c, ok
}

// SubscriptionReleaser drops the subscriptions of a session.
type SubscriptionReleaser interface {
	Release(ctx context.Context, clientID string, sessionID uuid.UUID) error
}

// NoopReleaser is the SubscriptionReleaser of a node without a
// subscription engine.
type NoopReleaser struct{}

func (NoopReleaser) Release(context.Context, string, uuid.UUID) error { return nil }

// Orchestrator runs the teardown steps of a session. Each step is
// attempted even if an earlier one failed.
type Orchestrator struct {
	nodeID   string
	cluster  cluster.SessionEvents
	releaser SubscriptionReleaser
	notifier webhook.Notifier
	metrics  *otel.Metrics
	logger   *slog.Logger
}

// New creates an Orchestrator. Nil collaborators are replaced by no-ops.
func New(nodeID string, ce cluster.SessionEvents, r SubscriptionReleaser, n webhook.Notifier, m *otel.Metrics, logger *slog.Logger) *Orchestrator {
	if ce == nil {
		ce = cluster.Noop{}
	}
	if r == nil {
		r = NoopReleaser{}
	}
	if n == nil {
		n = webhook.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		nodeID:   nodeID,
		cluster:  ce,
		releaser: r,
		notifier: n,
		metrics:  m,
		logger:   logger,
	}
}

// Disconnect implements session.Disconnector.
func (o *Orchestrator) Disconnect(ctx context.Context, sc *session.Context, reason session.DisconnectReason) {
	if sc == nil {
		return
	}
	log := o.logger.With(
		slog.String("client_id", sc.ClientID),
		slog.String("session_id", sc.SessionID.String()),
		slog.String("reason", reason.String()))

	if sc.Transport != nil {
		if code, ok := reasonCodes[reason.Kind]; ok && sc.ProtocolVersion >= 5 {
			pk := &packets.Packet{
				FixedHeader:     packets.FixedHeader{Type: packets.Disconnect},
				ProtocolVersion: sc.ProtocolVersion,
				ReasonCode:      code.Code,
			}
			if reason.Message != "" {
				pk.Properties.ReasonString = reason.Message
			}
			if err := sc.Transport.WritePacket(pk); err != nil && !isClosed(err) {
				log.Debug("disconnect_packet_failed", slog.String("error", err.Error()))
			}
		}
		if err := sc.Transport.Close(); err != nil && !isClosed(err) {
			log.Debug("transport_close_failed", slog.String("error", err.Error()))
		}
	}

	if err := o.releaser.Release(ctx, sc.ClientID, sc.SessionID); err != nil {
		log.Error("subscription_release_failed", slog.String("error", err.Error()))
	}

	o.cluster.NotifyDisconnected(ctx, sc.ClientID, sc.SessionID)

	remote := sc.RemoteIP()
	if reason.Kind == session.OnConflictingSessions {
		o.notify(ctx, log, events.SessionTakeover{
			ClientID:     sc.ClientID,
			OldSessionID: sc.SessionID.String(),
			FromNode:     o.nodeID,
		})
	}
	o.notify(ctx, log, events.SessionDisconnected{
		ClientID:   sc.ClientID,
		SessionID:  sc.SessionID.String(),
		Reason:     reason.Kind.String(),
		Message:    reason.Message,
		RemoteAddr: remote,
	})

	o.metrics.RecordDisconnect(reason.Kind.String())
	log.Info("session_disconnected")
}

func (o *Orchestrator) notify(ctx context.Context, log *slog.Logger, ev events.Event) {
	if err := o.notifier.Notify(ctx, ev); err != nil {
		log.Warn("event_notify_failed",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
