// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts per source address.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultSweepInterval = 5 * time.Minute

// Limiter decides whether a connection attempt may proceed.
type Limiter interface {
	Allow(addr net.Addr) bool
}

// Unlimited allows every attempt.
type Unlimited struct{}

func (Unlimited) Allow(net.Addr) bool { return true }

// IPLimiter keeps one token bucket per source IP. Buckets idle for two
// sweep intervals are dropped.
type IPLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	sweep   time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns Unlimited when perSecond is not positive and an IPLimiter
// otherwise.
func New(perSecond float64, burst int) Limiter {
	if perSecond <= 0 {
		return Unlimited{}
	}
	return NewIPLimiter(perSecond, burst, defaultSweepInterval)
}

// NewIPLimiter creates an IPLimiter allowing perSecond attempts per IP with
// the given burst. Stop must be called to release the sweeper.
func NewIPLimiter(perSecond float64, burst int, sweep time.Duration) *IPLimiter {
	if burst < 1 {
		burst = 1
	}
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	l := &IPLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		sweep:   sweep,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether an attempt from addr is within its IP's budget.
// Addresses without an IP are always allowed.
func (l *IPLimiter) Allow(addr net.Addr) bool {
	ip := IP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = l.now()
	lim := b.limiter
	l.mu.Unlock()

	return lim.Allow()
}

// Len returns the number of tracked IPs.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *IPLimiter) sweepLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPLimiter) dropIdle() {
	threshold := l.now().Add(-2 * l.sweep)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if b.lastSeen.Before(threshold) {
			delete(l.buckets, ip)
		}
	}
}

// Stop ends the sweeper. It is safe to call more than once.
func (l *IPLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
}

// IP extracts the host part of addr.
func IP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
