// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxsession/auth"
	"github.com/absmach/fluxsession/cluster"
	"github.com/absmach/fluxsession/events"
	"github.com/absmach/fluxsession/server/otel"
	"github.com/absmach/fluxsession/storage"
	"github.com/absmach/fluxsession/unauthorized"
	"github.com/absmach/fluxsession/webhook"
	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultAuthTimeout       = 10 * time.Second
	defaultDisconnectTimeout = 5 * time.Second

	methodPassword = "password"
	sameSessionMsg = "trying to init the same active session"
)

// ErrNoAuthenticator is returned when a processor is built without a
// single-round authenticator.
var ErrNoAuthenticator = errors.New("session: authenticator is required")

// ProcessorConfig holds the collaborators of a Processor.
type ProcessorConfig struct {
	NodeID        string
	Authenticator auth.Authenticator
	// Enhanced is optional; without it every enhanced CONNECT is refused.
	Enhanced     auth.EnhancedAuthenticator
	Disconnector Disconnector
	Audit        AuditRecorder
	Dispatcher   Dispatcher
	Cluster      cluster.SessionEvents
	Notifier     Notifier
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
	Logger       *slog.Logger

	AuthTimeout       time.Duration
	DisconnectTimeout time.Duration
}

// Processor runs the lifecycle state machine. It holds no per-client state:
// every call operates on the ActorState passed in, and calls for the same
// ActorState must not overlap.
type Processor struct {
	nodeID       string
	authn        auth.Authenticator
	enhanced     auth.EnhancedAuthenticator
	disconnector Disconnector
	audit        AuditRecorder
	dispatcher   Dispatcher
	cluster      cluster.SessionEvents
	notifier     Notifier
	metrics      *otel.Metrics
	tracer       trace.Tracer
	logger       *slog.Logger

	authTimeout       time.Duration
	disconnectTimeout time.Duration
}

// NewProcessor creates a Processor. Missing optional collaborators are
// replaced by no-ops.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Authenticator == nil {
		return nil, ErrNoAuthenticator
	}
	if cfg.Disconnector == nil {
		cfg.Disconnector = closeDisconnector{}
	}
	if cfg.Audit == nil {
		cfg.Audit = noopAudit{}
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = noopDispatcher{}
	}
	if cfg.Cluster == nil {
		cfg.Cluster = cluster.Noop{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = webhook.Noop{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}

	return &Processor{
		nodeID:            cfg.NodeID,
		authn:             cfg.Authenticator,
		enhanced:          cfg.Enhanced,
		disconnector:      cfg.Disconnector,
		audit:             cfg.Audit,
		dispatcher:        cfg.Dispatcher,
		cluster:           cfg.Cluster,
		notifier:          cfg.Notifier,
		metrics:           cfg.Metrics,
		tracer:            cfg.Tracer,
		logger:            cfg.Logger,
		authTimeout:       cfg.AuthTimeout,
		disconnectTimeout: cfg.DisconnectTimeout,
	}, nil
}

// Handle processes one event to completion.
func (p *Processor) Handle(ctx context.Context, st *ActorState, ev Event) {
	ctx, span := p.tracer.Start(ctx, eventName(ev),
		trace.WithAttributes(attribute.String("client_id", st.ClientID)))
	defer func() {
		span.SetAttributes(attribute.String("state", st.State.String()))
		span.End()
	}()

	switch e := ev.(type) {
	case SessionInit:
		p.init(ctx, st, e)
	case EnhancedAuthInit:
		p.enhancedInit(ctx, st, e)
	case EnhancedAuthContinue:
		p.enhancedContinue(ctx, st, e)
	case EnhancedReAuth:
		p.reAuth(ctx, st, e)
	case Disconnect:
		p.disconnect(ctx, st, e)
	case ConnectCompletion:
		p.connect(ctx, st, e)
	case Stop:
		p.stop(ctx, st, e)
	case auditDone:
		p.auditDone(st, e)
	default:
		span.SetStatus(codes.Error, "unknown event")
		p.logger.Error("session_unknown_event", slog.String("client_id", st.ClientID))
	}
}

func (p *Processor) init(ctx context.Context, st *ActorState, e SessionInit) {
	sc := e.Ctx
	if p.sameSession(ctx, st, sc) {
		return
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, p.authTimeout)
	res, err := p.authn.Authenticate(actx, auth.Credentials{
		ClientID: sc.ClientID,
		Username: e.Username,
		Password: e.Password,
		TLS:      tlsIdentity(sc.TLS),
	})
	cancel()
	if err != nil {
		p.logger.Warn("session_authenticator_error",
			slog.String("client_id", st.ClientID),
			slog.String("error", err.Error()))
		res = auth.Failure(err.Error())
	}
	p.recordAuth(methodPassword, res.Success, start)

	if !res.Success {
		p.reject(ctx, st, sc, rejection{
			username: e.Username,
			secret:   e.Password != nil,
			method:   methodPassword,
			reason:   res.Reason,
			code:     auth.NotAuthorized(sc.ProtocolVersion),
		})
		return
	}

	p.clearAudit(st, sc.ClientID)
	sc.install(e.Username, res.Rules, res.ClientType)
	p.evictLive(ctx, st)
	st.commit(sc, Initialized)
}

func (p *Processor) enhancedInit(ctx context.Context, st *ActorState, e EnhancedAuthInit) {
	sc := e.Ctx
	if p.sameSession(ctx, st, sc) {
		return
	}

	start := time.Now()
	res := auth.Failed(auth.UnknownAuthMethod, "")
	if p.enhanced != nil {
		actx, cancel := context.WithTimeout(ctx, p.authTimeout)
		res = p.enhanced.Start(actx, auth.EnhancedRequest{ClientID: sc.ClientID, Method: e.Method, Data: e.Data})
		cancel()
	}
	p.recordAuth(e.Method, res.Success, start)

	if !res.Success {
		p.reject(ctx, st, sc, rejection{
			username: res.Username,
			secret:   len(e.Data) > 0,
			method:   e.Method,
			reason:   res.Failure.ReasonLog(),
			code:     auth.NotAuthorized(sc.ProtocolVersion),
		})
		return
	}

	if err := sc.Transport.WritePacket(authPacket(sc.ProtocolVersion, packets.CodeContinueAuthentication, e.Method, res.ServerData)); err != nil {
		p.logger.Debug("session_auth_challenge_write_failed",
			slog.String("client_id", st.ClientID),
			slog.String("error", err.Error()))
	}

	p.evictLive(ctx, st)
	sc.Username = res.Username
	sc.AuthMethod = e.Method
	sc.EnhancedAuth = &EnhancedAuthState{Method: e.Method, Exchange: res.Exchange, Connect: e.Connect}
	st.commit(sc, EnhancedAuthStarted)
}

func (p *Processor) enhancedContinue(ctx context.Context, st *ActorState, e EnhancedAuthContinue) {
	current := st.isCurrent(e.Ctx)
	switch {
	case current && st.State == EnhancedAuthStarted:
		p.processAuth(ctx, st, e)
	case current && st.State == Connected:
		p.processReAuth(ctx, st, e)
	default:
		p.invalidAuthPacket(ctx, st, e.Ctx, current)
	}
}

func (p *Processor) processAuth(ctx context.Context, st *ActorState, e EnhancedAuthContinue) {
	sc := st.Ctx
	ea := sc.EnhancedAuth
	if ea == nil {
		p.invalidAuthPacket(ctx, st, sc, true)
		return
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, p.authTimeout)
	res := p.enhanced.Continue(actx, ea.Exchange, auth.EnhancedRequest{ClientID: sc.ClientID, Method: e.Method, Data: e.Data})
	cancel()
	p.recordAuth(ea.Method, res.Success, start)

	if !res.Success {
		st.reset()
		username := res.Username
		if username == "" {
			username = sc.Username
		}
		p.reject(ctx, st, sc, rejection{
			username: username,
			secret:   len(e.Data) > 0,
			method:   ea.Method,
			reason:   res.Failure.ReasonLog(),
			code:     auth.ForVersion(auth.FailureCode(res.Failure), sc.ProtocolVersion),
		})
		return
	}

	p.clearAudit(st, sc.ClientID)
	sc.install(res.Username, res.Rules, res.ClientType)
	st.State = Initialized
	st.fence.idle = false
	p.dispatcher.Connect(st.ClientID, ConnectCompletion{
		SessionID: sc.SessionID,
		Connect:   ea.Connect,
		Method:    ea.Method,
		Data:      res.ServerData,
	})
	sc.EnhancedAuth = nil
}

func (p *Processor) processReAuth(ctx context.Context, st *ActorState, e EnhancedAuthContinue) {
	sc := st.Ctx
	ex := sc.ReAuth
	sc.ReAuth = nil

	res := auth.Failed(auth.MissingExchangeState, sc.Username)
	start := time.Now()
	if ex != nil && p.enhanced != nil {
		actx, cancel := context.WithTimeout(ctx, p.authTimeout)
		res = p.enhanced.ReAuthContinue(actx, ex, auth.EnhancedRequest{ClientID: sc.ClientID, Method: e.Method, Data: e.Data})
		cancel()
	}
	p.recordAuth(sc.AuthMethod, res.Success, start)

	if !res.Success {
		p.reAuthFailed(ctx, st, res.Failure, len(e.Data) > 0, "")
		return
	}

	if err := sc.Transport.WritePacket(authPacket(sc.ProtocolVersion, packets.CodeSuccess, e.Method, res.ServerData)); err != nil {
		p.logger.Debug("session_reauth_reply_write_failed",
			slog.String("client_id", st.ClientID),
			slog.String("error", err.Error()))
	}
	sc.install(res.Username, res.Rules, res.ClientType)
}

// invalidAuthPacket refuses an AUTH packet that does not fit the lifecycle.
// Only the current session is reset; a packet from any other connection
// is refused on that connection alone.
func (p *Processor) invalidAuthPacket(ctx context.Context, st *ActorState, sc *Context, current bool) {
	if current {
		st.reset()
	}
	p.reject(ctx, st, sc, rejection{
		username: sc.Username,
		method:   sc.AuthMethod,
		reason:   auth.InvalidClientStateForAuthPacket.ReasonLog(),
		code:     auth.NotAuthorized(sc.ProtocolVersion),
	})
}

func (p *Processor) reAuth(ctx context.Context, st *ActorState, e EnhancedReAuth) {
	if !st.isCurrent(e.Ctx) {
		closeTransport(e.Ctx)
		return
	}
	if st.State != Connected {
		p.dispatcher.Disconnect(st.ClientID, st.SessionID, Reason(OnProtocolError, ""))
		return
	}

	sc := st.Ctx
	res := auth.Failed(auth.AuthMethodMismatch, sc.Username)
	start := time.Now()
	if e.Method == sc.AuthMethod && p.enhanced != nil {
		actx, cancel := context.WithTimeout(ctx, p.authTimeout)
		res = p.enhanced.ReAuthStart(actx, auth.EnhancedRequest{ClientID: sc.ClientID, Method: e.Method, Data: e.Data})
		cancel()
	}
	p.recordAuth(e.Method, res.Success, start)

	if !res.Success {
		p.reAuthFailed(ctx, st, res.Failure, len(e.Data) > 0, res.Failure.ReasonLog())
		return
	}

	if err := sc.Transport.WritePacket(authPacket(sc.ProtocolVersion, packets.CodeContinueAuthentication, e.Method, res.ServerData)); err != nil {
		p.logger.Debug("session_reauth_challenge_write_failed",
			slog.String("client_id", st.ClientID),
			slog.String("error", err.Error()))
	}
	sc.ReAuth = res.Exchange
}

// reAuthFailed leaves the teardown to the disconnect path. detail is the
// text carried by the NotAuthorized disconnect and may be empty.
func (p *Processor) reAuthFailed(ctx context.Context, st *ActorState, f auth.EnhancedFailure, secret bool, detail string) {
	sc := st.Ctx
	p.dispatcher.Disconnect(st.ClientID, st.SessionID, Reason(NotAuthorized, detail))
	p.persist(st, sc, sc.Username, secret, f.ReasonLog())
	p.notify(ctx, events.AuthFailed{
		ClientID:   sc.ClientID,
		Username:   sc.Username,
		Method:     sc.AuthMethod,
		Reason:     f.ReasonLog(),
		RemoteAddr: sc.RemoteIP(),
	})
}

func (p *Processor) disconnect(ctx context.Context, st *ActorState, e Disconnect) {
	if e.SessionID != uuid.Nil && e.SessionID != st.SessionID {
		p.logger.Debug("session_stale_disconnect",
			slog.String("client_id", st.ClientID),
			slog.String("session_id", e.SessionID.String()),
			slog.String("reason", e.Reason.String()))
		return
	}
	p.teardown(ctx, st, e.Reason)
}

func (p *Processor) connect(ctx context.Context, st *ActorState, e ConnectCompletion) {
	if st.State != Initialized || e.SessionID != st.SessionID {
		p.logger.Debug("session_connect_dropped",
			slog.String("client_id", st.ClientID),
			slog.String("state", st.State.String()))
		return
	}

	sc := st.Ctx
	ack := connack(sc.ProtocolVersion, packets.CodeSuccess)
	if sc.ProtocolVersion >= 5 && e.Method != "" {
		ack.Properties.AuthenticationMethod = e.Method
		ack.Properties.AuthenticationData = e.Data
	}
	if sc.ProtocolVersion >= 5 && e.Connect != nil && e.Connect.Connect.ClientIdentifier == "" {
		ack.Properties.AssignedClientID = sc.ClientID
	}
	st.State = Connected
	p.metrics.SessionConnected()

	if err := sc.Transport.WritePacket(ack); err != nil {
		p.logger.Debug("session_connack_write_failed",
			slog.String("client_id", st.ClientID),
			slog.String("error", err.Error()))
		p.teardown(ctx, st, Reason(OnTransportClosed, err.Error()))
		return
	}

	p.cluster.RequestConnection(ctx, st.ClientID, sc.SessionID)

	p.notify(ctx, events.SessionConnected{
		ClientID:   sc.ClientID,
		SessionID:  sc.SessionID.String(),
		Username:   sc.Username,
		Protocol:   events.Protocol(sc.ProtocolVersion),
		AuthMethod: sc.AuthMethod,
		ClientType: sc.ClientType.String(),
		RemoteAddr: sc.RemoteIP(),
	})
	p.logger.Debug("session_connected",
		slog.String("client_id", st.ClientID),
		slog.String("session_id", sc.SessionID.String()))
}

func (p *Processor) stop(ctx context.Context, st *ActorState, e Stop) {
	st.fence.generation++
	st.fence.idle = true
	p.teardown(ctx, st, e.Reason)
}

func (p *Processor) auditDone(st *ActorState, e auditDone) {
	if e.generation != st.fence.generation {
		p.metrics.RecordStaleCallback()
		return
	}
	if e.err != nil {
		st.auditFailures++
		p.logger.Debug("session_audit_failed",
			slog.String("client_id", st.ClientID),
			slog.String("op", e.op.String()),
			slog.String("error", e.err.Error()))
	}
}

// sameSession tears the current session down when sc is that session.
func (p *Processor) sameSession(ctx context.Context, st *ActorState, sc *Context) bool {
	if st.Ctx == nil || sc.SessionID != st.SessionID {
		return false
	}
	p.metrics.RecordConflict(true)
	p.teardown(ctx, st, Reason(OnConflictingSessions, sameSessionMsg))
	return true
}

// evictLive tears down a live session that a newly authenticated one replaces.
func (p *Processor) evictLive(ctx context.Context, st *ActorState) {
	if st.State == Disconnected {
		return
	}
	p.metrics.RecordConflict(false)
	p.teardown(ctx, st, Reason(OnConflictingSessions, ""))
}

func (p *Processor) teardown(ctx context.Context, st *ActorState, reason DisconnectReason) {
	if st.State == Disconnected || st.State == Disconnecting {
		return
	}
	wasConnected := st.State == Connected
	st.State = Disconnecting

	dctx, cancel := context.WithTimeout(ctx, p.disconnectTimeout)
	p.disconnector.Disconnect(dctx, st.Ctx, reason)
	cancel()

	st.reset()
	if wasConnected {
		p.metrics.SessionDisconnected()
	}
}

type rejection struct {
	username string
	secret   bool
	method   string
	reason   string
	code     packets.Code
}

// reject records a refused attempt, replies with its code and closes sc.
func (p *Processor) reject(ctx context.Context, st *ActorState, sc *Context, r rejection) {
	p.persist(st, sc, r.username, r.secret, r.reason)
	p.notify(ctx, events.AuthFailed{
		ClientID:   sc.ClientID,
		Username:   r.username,
		Method:     r.method,
		Reason:     r.reason,
		RemoteAddr: sc.RemoteIP(),
	})
	// A refused connection that left no session makes the actor retirable.
	if st.State == Disconnected {
		st.fence.idle = true
	}

	if sc.Transport == nil {
		return
	}
	if err := sc.Transport.WritePacket(connack(sc.ProtocolVersion, r.code)); err != nil {
		p.logger.Debug("session_connack_write_failed",
			slog.String("client_id", sc.ClientID),
			slog.String("error", err.Error()))
	}
	closeTransport(sc)
}

func (p *Processor) persist(st *ActorState, sc *Context, username string, secret bool, reason string) {
	p.audit.Persist(storage.UnauthorizedClient{
		ClientID:         sc.ClientID,
		Username:         username,
		IPAddress:        sc.RemoteIP(),
		Reason:           reason,
		PasswordProvided: secret,
		TLSUsed:          sc.TLS != nil,
	}, p.completion(st))
}

func (p *Processor) clearAudit(st *ActorState, clientID string) {
	p.audit.Remove(clientID, p.completion(st))
}

// completion returns an audit callback bound to the current fence.
func (p *Processor) completion(st *ActorState) unauthorized.Done {
	deliver := st.deliver
	if deliver == nil {
		return nil
	}
	gen := st.fence.generation
	return func(op unauthorized.Op, err error) {
		deliver(auditDone{generation: gen, op: op, err: err})
	}
}

func (p *Processor) notify(ctx context.Context, ev events.Event) {
	if err := p.notifier.Notify(ctx, ev); err != nil {
		p.logger.Debug("session_notify_failed",
			slog.String("event", ev.Type()),
			slog.String("error", err.Error()))
	}
}

func (p *Processor) recordAuth(method string, ok bool, start time.Time) {
	result := "failure"
	if ok {
		result = "success"
	}
	p.metrics.RecordAuth(method, result, float64(time.Since(start).Milliseconds()))
}

func tlsIdentity(t *TLSInfo) *auth.TLSIdentity {
	if t == nil {
		return nil
	}
	return &auth.TLSIdentity{CommonName: t.CommonName}
}

func closeTransport(sc *Context) {
	if sc != nil && sc.Transport != nil {
		_ = sc.Transport.Close()
	}
}

// closeDisconnector only closes the transport.
type closeDisconnector struct{}

func (closeDisconnector) Disconnect(_ context.Context, sc *Context, _ DisconnectReason) {
	closeTransport(sc)
}

type noopAudit struct{}

func (noopAudit) Persist(storage.UnauthorizedClient, unauthorized.Done) {}
func (noopAudit) Remove(string, unauthorized.Done)                      {}

type noopDispatcher struct{}

func (noopDispatcher) Connect(string, ConnectCompletion)               {}
func (noopDispatcher) Disconnect(string, uuid.UUID, DisconnectReason) {}
