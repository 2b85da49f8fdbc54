// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/absmach/fluxsession/auth"
	"github.com/absmach/fluxsession/storage"
	"github.com/absmach/fluxsession/unauthorized"
	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
)

var errClosed = errors.New("transport closed")

// mockTransport records written packets.
type mockTransport struct {
	mu      sync.Mutex
	packets []*packets.Packet
	closed  bool
}

func (t *mockTransport) WritePacket(pk *packets.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errClosed
	}
	t.packets = append(t.packets, pk)
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *mockTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 50000}
}

func (t *mockTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *mockTransport) written() []*packets.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*packets.Packet(nil), t.packets...)
}

func (t *mockTransport) last() *packets.Packet {
	pks := t.written()
	if len(pks) == 0 {
		return nil
	}
	return pks[len(pks)-1]
}

type mockAuthenticator struct {
	mu    sync.Mutex
	calls int
	resp  auth.Response
	err   error
}

func (a *mockAuthenticator) Authenticate(_ context.Context, _ auth.Credentials) (auth.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.resp, a.err
}

func (a *mockAuthenticator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type mockEnhanced struct {
	mu      sync.Mutex
	start   auth.EnhancedResult
	cont    auth.EnhancedResult
	reStart auth.EnhancedResult
	reCont  auth.EnhancedResult

	startCalls   int
	contCalls    int
	reStartCalls int
	reContCalls  int
}

func (e *mockEnhanced) Start(context.Context, auth.EnhancedRequest) auth.EnhancedResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startCalls++
	return e.start
}

func (e *mockEnhanced) Continue(context.Context, *auth.Exchange, auth.EnhancedRequest) auth.EnhancedResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contCalls++
	return e.cont
}

func (e *mockEnhanced) ReAuthStart(context.Context, auth.EnhancedRequest) auth.EnhancedResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reStartCalls++
	return e.reStart
}

func (e *mockEnhanced) ReAuthContinue(context.Context, *auth.Exchange, auth.EnhancedRequest) auth.EnhancedResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reContCalls++
	return e.reCont
}

func (e *mockEnhanced) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startCalls + e.contCalls + e.reStartCalls + e.reContCalls
}

type teardownCall struct {
	sessionID uuid.UUID
	reason    DisconnectReason
}

type mockDisconnector struct {
	mu    sync.Mutex
	calls []teardownCall
}

func (d *mockDisconnector) Disconnect(_ context.Context, sc *Context, reason DisconnectReason) {
	d.mu.Lock()
	d.calls = append(d.calls, teardownCall{sessionID: sc.SessionID, reason: reason})
	d.mu.Unlock()
	_ = sc.Transport.Close()
}

func (d *mockDisconnector) list() []teardownCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]teardownCall(nil), d.calls...)
}

type mockAudit struct {
	mu        sync.Mutex
	persisted []storage.UnauthorizedClient
	removed   []string
	dones     []unauthorized.Done
}

func (a *mockAudit) Persist(rec storage.UnauthorizedClient, done unauthorized.Done) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persisted = append(a.persisted, rec)
	a.dones = append(a.dones, done)
}

func (a *mockAudit) Remove(clientID string, done unauthorized.Done) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, clientID)
	a.dones = append(a.dones, done)
}

func (a *mockAudit) records() []storage.UnauthorizedClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.UnauthorizedClient(nil), a.persisted...)
}

func (a *mockAudit) removals() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.removed...)
}

type mockDispatcher struct {
	mu          sync.Mutex
	connects    []ConnectCompletion
	disconnects []Disconnect
}

func (d *mockDispatcher) Connect(_ string, c ConnectCompletion) {
	d.mu.Lock()
	d.connects = append(d.connects, c)
	d.mu.Unlock()
}

func (d *mockDispatcher) Disconnect(_ string, sessionID uuid.UUID, reason DisconnectReason) {
	d.mu.Lock()
	d.disconnects = append(d.disconnects, Disconnect{SessionID: sessionID, Reason: reason})
	d.mu.Unlock()
}

type mockCluster struct {
	mu          sync.Mutex
	connections []uuid.UUID
}

func (c *mockCluster) RequestConnection(_ context.Context, _ string, sessionID uuid.UUID) {
	c.mu.Lock()
	c.connections = append(c.connections, sessionID)
	c.mu.Unlock()
}

func (c *mockCluster) NotifyDisconnected(context.Context, string, uuid.UUID) {}

type mocks struct {
	authn        *mockAuthenticator
	enhanced     *mockEnhanced
	disconnector *mockDisconnector
	audit        *mockAudit
	dispatcher   *mockDispatcher
	cluster      *mockCluster
}

func newMocks() *mocks {
	return &mocks{
		authn:        &mockAuthenticator{},
		enhanced:     &mockEnhanced{},
		disconnector: &mockDisconnector{},
		audit:        &mockAudit{},
		dispatcher:   &mockDispatcher{},
		cluster:      &mockCluster{},
	}
}

func (m *mocks) config() ProcessorConfig {
	return ProcessorConfig{
		NodeID:        "node-1",
		Authenticator: m.authn,
		Enhanced:      m.enhanced,
		Disconnector:  m.disconnector,
		Audit:         m.audit,
		Dispatcher:    m.dispatcher,
		Cluster:       m.cluster,
	}
}

func newTestProcessor(t *testing.T) (*Processor, *mocks) {
	t.Helper()
	m := newMocks()
	p, err := NewProcessor(m.config())
	require.NoError(t, err)
	return p, m
}

func newTestContext(clientID string, version byte) (*Context, *mockTransport) {
	tr := &mockTransport{}
	return NewContext(clientID, tr, version, nil), tr
}

func testRules(t *testing.T) auth.Rules {
	t.Helper()
	rp, err := auth.CompileRule([]string{"test"}, []string{"test"})
	require.NoError(t, err)
	return auth.Rules{rp}
}
