// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestIPLimiter_Allow(t *testing.T) {
	// 5 attempts per second, burst of 2
	limiter := NewIPLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	if !limiter.Allow(addr) {
		t.Error("First attempt should be allowed")
	}
	if !limiter.Allow(addr) {
		t.Error("Second attempt (within burst) should be allowed")
	}
	if limiter.Allow(addr) {
		t.Error("Third attempt should be rate limited (burst exhausted)")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow(addr) {
		t.Error("Attempt after token refill should be allowed")
	}
}

func TestIPLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}

	if !limiter.Allow(addr1) {
		t.Error("First attempt from IP1 should be allowed")
	}
	if !limiter.Allow(addr2) {
		t.Error("First attempt from IP2 should be allowed")
	}
	if limiter.Allow(addr1) {
		t.Error("Second attempt from IP1 should be rate limited")
	}
	if limiter.Allow(addr2) {
		t.Error("Second attempt from IP2 should be rate limited")
	}
}

func TestIPLimiter_SamePortlessHost(t *testing.T) {
	limiter := NewIPLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1000}
	b := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 2000}

	if !limiter.Allow(a) {
		t.Error("First attempt should be allowed")
	}
	if limiter.Allow(b) {
		t.Error("Attempt from the same IP on another port should share the bucket")
	}
}

func TestIPLimiter_NilAddr(t *testing.T) {
	limiter := NewIPLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow(nil) {
		t.Error("Nil address should be allowed")
	}
}

func TestIPLimiter_DropIdle(t *testing.T) {
	limiter := NewIPLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	now := time.Now()
	limiter.now = func() time.Time { return now }
	limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1")})
	limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.2")})
	if got := limiter.Len(); got != 2 {
		t.Fatalf("expected 2 tracked IPs, got %d", got)
	}

	now = now.Add(3 * time.Minute)
	limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.2")})
	limiter.dropIdle()

	if got := limiter.Len(); got != 1 {
		t.Errorf("expected idle IP to be dropped, %d tracked", got)
	}
}

func TestIPLimiter_StopTwice(t *testing.T) {
	limiter := NewIPLimiter(1, 1, time.Minute)
	limiter.Stop()
	limiter.Stop()
}

func TestNew(t *testing.T) {
	if _, ok := New(0, 10).(Unlimited); !ok {
		t.Error("zero rate should disable limiting")
	}

	l := New(1, 1)
	ipl, ok := l.(*IPLimiter)
	if !ok {
		t.Fatalf("expected *IPLimiter, got %T", l)
	}
	ipl.Stop()
}

func TestIP(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"tcp", &net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 1}, "1.2.3.4"},
		{"udp", &net.UDPAddr{IP: net.ParseIP("::1"), Port: 1}, "::1"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IP(tt.addr); got != tt.want {
				t.Errorf("IP() = %q, want %q", got, tt.want)
			}
		})
	}
}
