// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxsession/config"
	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/server/v3/embed"
)

const (
	sessionsPrefix = "/fluxsession/sessions/"
	ownerSuffix    = "/owner"

	opQueueSize  = 1024
	opTimeout    = 5 * time.Second
	readyTimeout = 60 * time.Second
)

var _ SessionEvents = (*Etcd)(nil)

func ownerKey(clientID string) string {
	return sessionsPrefix + clientID + ownerSuffix
}

// clientIDFromOwnerKey returns "" for keys that are not owner keys.
func clientIDFromOwnerKey(key string) string {
	if !strings.HasPrefix(key, sessionsPrefix) || !strings.HasSuffix(key, ownerSuffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, sessionsPrefix), ownerSuffix)
}

type opKind uint8

const (
	opClaim opKind = iota
	opRelease
)

type op struct {
	kind      opKind
	clientID  string
	sessionID uuid.UUID
}

// Etcd implements SessionEvents on etcd. Ownership claims are attached to
// a lease of this node and vanish with it.
type Etcd struct {
	nodeID   string
	embedded *embed.Etcd
	client   *clientv3.Client
	session  *concurrency.Session
	logger   *slog.Logger

	ops chan op

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEtcd connects to etcd, starting an embedded member first when
// cfg.Etcd.Embedded is set.
func NewEtcd(cfg config.ClusterConfig, logger *slog.Logger) (*Etcd, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoints := cfg.Etcd.Endpoints
	var e *embed.Etcd
	if cfg.Etcd.Embedded {
		var err error
		if e, err = startEmbedded(cfg.NodeID, cfg.Etcd, logger); err != nil {
			return nil, err
		}
		endpoints = []string{cfg.Etcd.ClientAddr}
	}

	dialTimeout := cfg.Etcd.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		if e != nil {
			e.Close()
		}
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ttl := int(cfg.Etcd.LeaseTTL)
	if ttl <= 0 {
		ttl = 10
	}
	s, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		client.Close()
		if e != nil {
			e.Close()
		}
		return nil, fmt.Errorf("failed to create etcd lease session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Etcd{
		nodeID:   cfg.NodeID,
		embedded: e,
		client:   client,
		session:  s,
		logger:   logger,
		ops:      make(chan op, opQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func startEmbedded(nodeID string, cfg config.EtcdConfig, logger *slog.Logger) (*embed.Etcd, error) {
	eCfg := embed.NewConfig()
	eCfg.Name = nodeID
	eCfg.Dir = cfg.DataDir

	peerURL, err := url.Parse("http://" + cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address: %w", err)
	}
	eCfg.ListenPeerUrls = []url.URL{*peerURL}
	eCfg.AdvertisePeerUrls = []url.URL{*peerURL}

	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}

	eCfg.InitialCluster = cfg.InitialCluster
	if eCfg.InitialCluster == "" {
		eCfg.InitialCluster = nodeID + "=" + peerURL.String()
	}
	if cfg.Bootstrap {
		eCfg.ClusterState = embed.ClusterStateFlagNew
	} else {
		eCfg.ClusterState = embed.ClusterStateFlagExisting
	}

	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
		logger.Info("embedded etcd ready",
			slog.String("node_id", nodeID),
			slog.String("client_addr", cfg.ClientAddr))
	case <-time.After(readyTimeout):
		e.Server.Stop()
		e.Close()
		return nil, errors.New("etcd server took too long to start")
	}
	return e, nil
}

// NodeID returns this node's identifier.
func (c *Etcd) NodeID() string {
	return c.nodeID
}

// Start runs the operation worker and the ownership watcher. Remote claims
// on a client id owned by this node are reported to ev.
func (c *Etcd) Start(ev Evictor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	watchCh := c.client.Watch(c.ctx, sessionsPrefix, clientv3.WithPrefix(), clientv3.WithPrevKV())

	c.wg.Add(2)
	go c.runOps()
	go c.watch(watchCh, ev)
}

// RequestConnection implements SessionEvents.
func (c *Etcd) RequestConnection(_ context.Context, clientID string, sessionID uuid.UUID) {
	c.enqueue(op{kind: opClaim, clientID: clientID, sessionID: sessionID})
}

// NotifyDisconnected implements SessionEvents.
func (c *Etcd) NotifyDisconnected(_ context.Context, clientID string, sessionID uuid.UUID) {
	c.enqueue(op{kind: opRelease, clientID: clientID, sessionID: sessionID})
}

func (c *Etcd) enqueue(o op) {
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.ops <- o:
	default:
		c.logger.Warn("cluster_op_dropped",
			slog.String("client_id", o.clientID),
			slog.String("session_id", o.sessionID.String()))
	}
}

// runOps applies operations one at a time so that a claim and its release
// reach etcd in submission order.
func (c *Etcd) runOps() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case o := <-c.ops:
			if err := c.apply(o); err != nil && c.ctx.Err() == nil {
				c.logger.Error("cluster_op_failed",
					slog.String("client_id", o.clientID),
					slog.String("session_id", o.sessionID.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Etcd) apply(o op) error {
	ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
	defer cancel()

	switch o.kind {
	case opClaim:
		return c.Claim(ctx, o.clientID, o.sessionID)
	case opRelease:
		_, err := c.Release(ctx, o.clientID, o.sessionID)
		return err
	}
	return nil
}

// Claim writes the ownership of clientID for sessionID under this node's lease.
func (c *Etcd) Claim(ctx context.Context, clientID string, sessionID uuid.UUID) error {
	val, err := json.Marshal(Owner{Node: c.nodeID, Session: sessionID})
	if err != nil {
		return err
	}
	_, err = c.client.Put(ctx, ownerKey(clientID), string(val), clientv3.WithLease(c.session.Lease()))
	return err
}

// Release deletes the ownership of clientID if it is still held by
// sessionID on this node. It reports whether a claim was removed.
func (c *Etcd) Release(ctx context.Context, clientID string, sessionID uuid.UUID) (bool, error) {
	val, err := json.Marshal(Owner{Node: c.nodeID, Session: sessionID})
	if err != nil {
		return false, err
	}
	key := ownerKey(clientID)
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", string(val))).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

// Owner returns the current claim on clientID.
func (c *Etcd) Owner(ctx context.Context, clientID string) (Owner, bool, error) {
	resp, err := c.client.Get(ctx, ownerKey(clientID))
	if err != nil {
		return Owner{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return Owner{}, false, nil
	}
	var o Owner
	if err := json.Unmarshal(resp.Kvs[0].Value, &o); err != nil {
		return Owner{}, false, fmt.Errorf("invalid owner of %s: %w", clientID, err)
	}
	return o, true, nil
}

func (c *Etcd) watch(ch clientv3.WatchChan, ev Evictor) {
	defer c.wg.Done()

	for resp := range ch {
		if err := resp.Err(); err != nil {
			c.logger.Error("cluster_watch_error", slog.String("error", err.Error()))
			continue
		}
		for _, e := range resp.Events {
			if e.Type != mvccpb.PUT || e.PrevKv == nil {
				continue
			}
			clientID := clientIDFromOwnerKey(string(e.Kv.Key))
			if clientID == "" {
				continue
			}

			var prev, next Owner
			if json.Unmarshal(e.PrevKv.Value, &prev) != nil || json.Unmarshal(e.Kv.Value, &next) != nil {
				continue
			}
			if prev.Node != c.nodeID || next.Node == c.nodeID {
				continue
			}

			c.logger.Info("session_taken_over_remotely",
				slog.String("client_id", clientID),
				slog.String("session_id", prev.Session.String()),
				slog.String("by_node", next.Node))
			if ev != nil {
				ev.EvictSession(clientID, prev.Session, next.Node)
			}
		}
	}
}

// Close stops the workers, revokes this node's lease and shuts down the
// embedded member if any.
func (c *Etcd) Close() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	if err := c.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("revoke lease: %w", err))
	}
	if err := c.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	if c.embedded != nil {
		c.embedded.Close()
	}
	return errors.Join(errs...)
}
