// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsession/config"
	"github.com/absmach/fluxsession/events"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*GenericNotifier)(nil)

// ErrNilSender is returned by NewNotifier without a Sender.
var ErrNilSender = errors.New("webhook sender cannot be nil")

// GenericNotifier delivers events through a worker pool with a circuit
// breaker per endpoint.
type GenericNotifier struct {
	cfg       config.WebhookConfig
	nodeID    string
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	dropped   atomic.Uint64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type endpoint struct {
	name    string
	url     string
	events  map[string]bool
	headers map[string]string
	timeout time.Duration
	retry   config.RetryConfig
}

type job struct {
	event    events.Event
	endpoint endpoint
	attempt  int
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, nodeID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, ErrNilSender
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filters[t] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpoint{
			name:    ep.Name,
			url:     ep.URL,
			events:  filters,
			headers: ep.Headers,
			timeout: timeout,
			retry:   retry,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	threshold := uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:       cfg,
		nodeID:    nodeID,
		endpoints: endpoints,
		queue:     make(chan job, queueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", workers),
		slog.Int("queue_size", queueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues ev for every endpoint subscribed to its type.
func (n *GenericNotifier) Notify(_ context.Context, ev events.Event) error {
	if n.ctx.Err() != nil {
		return nil
	}
	for _, ep := range n.endpoints {
		if len(ep.events) > 0 && !ep.events[ev.Type()] {
			continue
		}
		n.enqueue(job{event: ev, endpoint: ep})
	}
	return nil
}

// Dropped returns how many deliveries were discarded on a full queue.
func (n *GenericNotifier) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *GenericNotifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case old := <-n.queue:
			n.logDrop(old)
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}
	n.logDrop(j)
}

func (n *GenericNotifier) logDrop(j job) {
	n.dropped.Add(1)
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

func (n *GenericNotifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt >= j.endpoint.retry.MaxAttempts-1 {
		n.logger.Error("webhook delivery failed after max retries",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-n.ctx.Done():
	case <-timer.C:
		n.enqueue(j)
	}
}

func (n *GenericNotifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.nodeID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting up to the configured shutdown timeout.
func (n *GenericNotifier) Close() error {
	n.logger.Info("shutting down webhook notifier")
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.queue)))
	}
	return nil
}
