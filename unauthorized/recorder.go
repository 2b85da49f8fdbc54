// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package unauthorized records rejected authentication attempts.
//
// Writes are best effort: they run on a bounded worker pool behind a token
// bucket, never block the caller and report their outcome through an
// optional completion callback. Failures are logged and counted only.
// Operations for one client id always run on the same worker, in
// submission order.
package unauthorized

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsession/config"
	"github.com/absmach/fluxsession/server/otel"
	"github.com/absmach/fluxsession/storage"
	"golang.org/x/time/rate"
)

const (
	defaultWorkers      = 2
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
	minPurgeInterval    = time.Minute
)

var (
	// ErrDropped is passed to completions of operations that were not run.
	ErrDropped = errors.New("unauthorized record operation dropped")
	// ErrRecorderClosed is passed to completions after Close.
	ErrRecorderClosed = errors.New("unauthorized recorder closed")
)

// Op is the kind of a recorder operation.
type Op uint8

const (
	OpPersist Op = iota
	OpRemove
)

func (o Op) String() string {
	if o == OpRemove {
		return "remove"
	}
	return "persist"
}

// Done is called once per operation, from a worker goroutine or from the
// submitting goroutine when the operation is dropped.
type Done func(op Op, err error)

type job struct {
	op     Op
	record storage.UnauthorizedClient
	done   Done
}

// Recorder is the asynchronous front of an storage.UnauthorizedStore.
type Recorder struct {
	store   storage.UnauthorizedStore
	ttl     time.Duration
	queues  []chan job
	limiter *rate.Limiter
	metrics *otel.Metrics
	logger  *slog.Logger

	dropped atomic.Uint64
	closed  atomic.Bool
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Recorder over store. A nil metrics disables instrumentation.
func New(store storage.UnauthorizedStore, cfg config.UnauthorizedConfig, metrics *otel.Metrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	limit := rate.Inf
	if cfg.WriteRate > 0 {
		limit = rate.Limit(cfg.WriteRate)
	}
	burst := cfg.WriteBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:   store,
		ttl:     cfg.TTL,
		queues:  make([]chan job, workers),
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := range r.queues {
		r.queues[i] = make(chan job, queueSize)
		r.wg.Add(1)
		go r.worker(r.queues[i])
	}

	if r.ttl > 0 {
		r.wg.Add(1)
		go r.purgeLoop()
	}

	return r
}

// Persist upserts rec asynchronously.
func (r *Recorder) Persist(rec storage.UnauthorizedClient, done Done) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	r.submit(job{op: OpPersist, record: rec, done: done})
}

// Remove deletes the record of clientID asynchronously.
func (r *Recorder) Remove(clientID string, done Done) {
	r.submit(job{op: OpRemove, record: storage.UnauthorizedClient{ClientID: clientID}, done: done})
}

// Dropped returns the number of operations refused so far.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) submit(j job) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed.Load() {
		r.drop(j, "closed", ErrRecorderClosed)
		return
	}
	// Removals clear state after a success and bypass the limiter.
	if j.op == OpPersist && !r.limiter.Allow() {
		r.drop(j, "rate", ErrDropped)
		return
	}

	select {
	case r.queue(j.record.ClientID) <- j:
	default:
		r.drop(j, "queue_full", ErrDropped)
	}
}

// queue returns the worker queue owning clientID.
func (r *Recorder) queue(clientID string) chan job {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return r.queues[h.Sum32()%uint32(len(r.queues))]
}

func (r *Recorder) drop(j job, cause string, err error) {
	r.dropped.Add(1)
	r.metrics.RecordAuditDropped(j.op.String(), cause)
	r.logger.Warn("unauthorized_record_dropped",
		slog.String("client_id", j.record.ClientID),
		slog.String("op", j.op.String()),
		slog.String("cause", cause))
	if j.done != nil {
		j.done(j.op, err)
	}
}

func (r *Recorder) worker(jobs <-chan job) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case j := <-jobs:
			r.run(j)
		}
	}
}

func (r *Recorder) run(j job) {
	ctx, cancel := context.WithTimeout(r.ctx, defaultWriteTimeout)
	defer cancel()

	var err error
	switch j.op {
	case OpPersist:
		err = r.store.Save(ctx, j.record)
	case OpRemove:
		err = r.store.Delete(ctx, j.record.ClientID)
	}

	r.metrics.RecordAuditWrite(j.op.String(), err != nil)
	if err != nil {
		r.logger.Error("unauthorized_record_failed",
			slog.String("client_id", j.record.ClientID),
			slog.String("op", j.op.String()),
			slog.String("error", err.Error()))
	}
	if j.done != nil {
		j.done(j.op, err)
	}
}

func (r *Recorder) purgeLoop() {
	defer r.wg.Done()

	interval := r.ttl / 4
	if interval < minPurgeInterval {
		interval = minPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Purge(r.ctx)
		}
	}
}

// Purge removes records older than the configured TTL and returns how many
// were removed. It is a no-op without a TTL.
func (r *Recorder) Purge(ctx context.Context) int {
	if r.ttl <= 0 {
		return 0
	}
	n, err := r.store.DeleteOlderThan(ctx, time.Now().Add(-r.ttl))
	if err != nil {
		r.logger.Error("unauthorized_purge_failed", slog.String("error", err.Error()))
		return 0
	}
	if n > 0 {
		r.logger.Debug("unauthorized_purged", slog.Int("count", n))
	}
	return n
}

// Close stops the workers. Queued operations that have not started are
// completed with ErrRecorderClosed.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	for _, q := range r.queues {
	drain:
		for {
			select {
			case j := <-q:
				r.drop(j, "closed", ErrRecorderClosed)
			default:
				break drain
			}
		}
	}
}
