// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxsession/auth"
	"github.com/absmach/fluxsession/session"
	"github.com/absmach/fluxsession/storage"
	"github.com/absmach/fluxsession/storage/memory"
	"github.com/google/uuid"
)

var nullLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// mockSessions implements Sessions for testing.
type mockSessions struct {
	snaps []session.Snapshot
}

func (m *mockSessions) Count() int {
	return len(m.snaps)
}

func (m *mockSessions) ConnectedCount() int {
	n := 0
	for _, s := range m.snaps {
		if s.State == session.Connected {
			n++
		}
	}
	return n
}

func (m *mockSessions) Snapshots() []session.Snapshot {
	return m.snaps
}

func newMockSessions() *mockSessions {
	return &mockSessions{snaps: []session.Snapshot{
		{
			ClientID:        "dev-1",
			State:           session.Connected,
			SessionID:       uuid.New(),
			Username:        "alice",
			ClientType:      auth.Device,
			ProtocolVersion: 4,
			PubRules:        2,
			SubRules:        1,
		},
		{
			ClientID:      "dev-2",
			State:         session.Disconnected,
			AuditFailures: 3,
		},
	}}
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, newMockSessions(), nil, nullLogger)
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, newMockSessions(), nil, nullLogger)

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		sessions       Sessions
		method         string
		expectedStatus int
		expectedReady  bool
	}{
		{
			name:           "ready with session manager",
			sessions:       newMockSessions(),
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "not ready without session manager",
			sessions:       nil,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "POST request not allowed",
			sessions:       newMockSessions(),
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.sessions, nil, nullLogger)

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.method != http.MethodGet {
				return
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if got := response.Status == "ready"; got != tt.expectedReady {
				t.Errorf("expected ready=%v, got status %q", tt.expectedReady, response.Status)
			}
		})
	}
}

func TestSessionsEndpoint(t *testing.T) {
	server := New(Config{NodeID: "node-1"}, newMockSessions(), nil, nullLogger)

	t.Run("counts", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://test/sessions", nil)
		rec := httptest.NewRecorder()

		server.handleSessions(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		var resp SessionsResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.NodeID != "node-1" || resp.Actors != 2 || resp.Connected != 1 {
			t.Errorf("unexpected counts: %+v", resp)
		}
		if len(resp.Sessions) != 0 {
			t.Errorf("expected no details, got %d", len(resp.Sessions))
		}
	})

	t.Run("detail", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://test/sessions?detail=true", nil)
		rec := httptest.NewRecorder()

		server.handleSessions(rec, req)

		var resp SessionsResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Sessions) != 2 {
			t.Fatalf("expected 2 sessions, got %d", len(resp.Sessions))
		}

		connected := resp.Sessions[0]
		if connected.State != session.Connected.String() || connected.Username != "alice" {
			t.Errorf("unexpected connected session: %+v", connected)
		}
		if connected.SessionID == "" || connected.ClientType != auth.Device.String() {
			t.Errorf("expected session id and client type, got %+v", connected)
		}
		if connected.PubRules != 2 || connected.SubRules != 1 {
			t.Errorf("unexpected rule counts: %+v", connected)
		}

		idle := resp.Sessions[1]
		if idle.SessionID != "" {
			t.Errorf("disconnected actor should not report a session id, got %q", idle.SessionID)
		}
		if idle.AuditFailures != 3 {
			t.Errorf("expected 3 audit failures, got %d", idle.AuditFailures)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "http://test/sessions", nil)
		rec := httptest.NewRecorder()

		server.handleSessions(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", rec.Code)
		}
	})
}

func TestUnauthorizedEndpoint(t *testing.T) {
	store := memory.NewUnauthorizedStore()
	rec := storage.UnauthorizedClient{
		ClientID:         "intruder",
		Username:         "mallory",
		IPAddress:        "10.0.0.9",
		Reason:           "invalid password",
		Timestamp:        time.Now().UTC().Truncate(time.Second),
		PasswordProvided: true,
	}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("failed to save record: %v", err)
	}

	server := New(Config{}, newMockSessions(), store, nullLogger)
	srv := httptest.NewServer(server.server.Handler)
	defer srv.Close()

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/unauthorized")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		var recs []storage.UnauthorizedClient
		if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(recs) != 1 || recs[0].ClientID != "intruder" {
			t.Fatalf("unexpected records: %+v", recs)
		}
	})

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/unauthorized?client_id=intruder")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		var got storage.UnauthorizedClient
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if got.Reason != "invalid password" || !got.PasswordProvided {
			t.Errorf("unexpected record: %+v", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/unauthorized?client_id=nobody")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", resp.StatusCode)
		}
	})
}

func seedUnauthorized(t *testing.T, n int) *memory.UnauthorizedStore {
	t.Helper()
	store := memory.NewUnauthorizedStore()
	now := time.Now()
	for i := 0; i < n; i++ {
		rec := storage.UnauthorizedClient{
			ClientID:  fmt.Sprintf("intruder-%d", i),
			Reason:    "invalid password",
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
		}
		if err := store.Save(context.Background(), rec); err != nil {
			t.Fatalf("failed to save record: %v", err)
		}
	}
	return store
}

func TestUnauthorizedPaging(t *testing.T) {
	server := New(Config{}, newMockSessions(), seedUnauthorized(t, 5), nullLogger)
	srv := httptest.NewServer(server.server.Handler)
	defer srv.Close()

	tests := []struct {
		name   string
		query  string
		status int
		ids    []string
	}{
		{name: "first page", query: "?limit=2", status: http.StatusOK, ids: []string{"intruder-0", "intruder-1"}},
		{name: "second page", query: "?limit=2&offset=2", status: http.StatusOK, ids: []string{"intruder-2", "intruder-3"}},
		{name: "last partial page", query: "?limit=2&offset=4", status: http.StatusOK, ids: []string{"intruder-4"}},
		{name: "past the end", query: "?offset=10", status: http.StatusOK, ids: []string{}},
		{name: "invalid limit", query: "?limit=0", status: http.StatusBadRequest},
		{name: "limit too large", query: "?limit=5000", status: http.StatusBadRequest},
		{name: "invalid offset", query: "?offset=-1", status: http.StatusBadRequest},
		{name: "non numeric", query: "?limit=ten", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/unauthorized" + tt.query)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if tt.status != http.StatusOK {
				return
			}
			if got := resp.Header.Get("X-Total-Count"); got != "5" {
				t.Errorf("expected X-Total-Count 5, got %q", got)
			}

			var recs []storage.UnauthorizedClient
			if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if len(recs) != len(tt.ids) {
				t.Fatalf("expected %d records, got %d", len(tt.ids), len(recs))
			}
			for i, id := range tt.ids {
				if recs[i].ClientID != id {
					t.Errorf("record %d: expected %s, got %s", i, id, recs[i].ClientID)
				}
			}
		})
	}
}

func deleteRequest(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestUnauthorizedDelete(t *testing.T) {
	store := seedUnauthorized(t, 3)
	server := New(Config{}, newMockSessions(), store, nullLogger)
	srv := httptest.NewServer(server.server.Handler)
	defer srv.Close()
	ctx := context.Background()

	t.Run("one", func(t *testing.T) {
		resp := deleteRequest(t, srv.URL+"/unauthorized?client_id=intruder-1")
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", resp.StatusCode)
		}
		if _, err := store.Get(ctx, "intruder-1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected intruder-1 to be deleted, got %v", err)
		}
		if _, err := store.Get(ctx, "intruder-0"); err != nil {
			t.Errorf("expected intruder-0 to remain, got %v", err)
		}
	})

	t.Run("missing is not an error", func(t *testing.T) {
		resp := deleteRequest(t, srv.URL+"/unauthorized?client_id=nobody")
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", resp.StatusCode)
		}
	})

	t.Run("all", func(t *testing.T) {
		resp := deleteRequest(t, srv.URL+"/unauthorized")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected status 200, got %d", resp.StatusCode)
		}

		var got DeleteResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if got.Deleted != 2 {
			t.Errorf("expected 2 deleted records, got %d", got.Deleted)
		}
		recs, err := store.List(ctx)
		if err != nil {
			t.Fatalf("failed to list records: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("expected no records left, got %d", len(recs))
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/unauthorized", "application/json", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", resp.StatusCode)
		}
	})
}

func TestUnauthorizedEndpointDisabled(t *testing.T) {
	server := New(Config{}, newMockSessions(), nil, nullLogger)
	srv := httptest.NewServer(server.server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/unauthorized")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}

func TestListenAndShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, newMockSessions(), nil, nullLogger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown timeout")
	}
}
