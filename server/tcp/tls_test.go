// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxsession/auth"
	"github.com/absmach/fluxsession/auth/basic"
	"github.com/absmach/fluxsession/config"
	"github.com/absmach/fluxsession/mqtt"
	"github.com/absmach/fluxsession/session"
	"github.com/mochi-mqtt/server/v2/packets"
)

var nullLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// startSessionServer runs a listener backed by a real session manager.
func startSessionServer(t *testing.T, tlsConfig *tls.Config, users []basic.User, allowAnonymous bool) string {
	t.Helper()

	mgr, err := session.NewManager(config.SessionConfig{}, session.ProcessorConfig{
		NodeID:        "test-node",
		Authenticator: basic.New(users, allowAnonymous),
		Logger:        nullLogger,
	})
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}
	h := mqtt.NewHandler(mqtt.HandlerConfig{Sessions: mgr, Logger: nullLogger})

	cfg := Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       tlsConfig,
		ShutdownTimeout: 5 * time.Second,
		Logger:          nullLogger,
	}
	server := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Logf("Server shutdown with error: %v", err)
			}
		case <-time.After(6 * time.Second):
			t.Fatal("Server shutdown timeout")
		}
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := mgr.Close(closeCtx); err != nil {
			t.Errorf("Failed to close session manager: %v", err)
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return server.Addr().String()
}

// connect sends a v4 CONNECT and returns the CONNACK reason code.
func connect(t *testing.T, conn net.Conn, clientID, username string) (byte, error) {
	t.Helper()

	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: 4,
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			Clean:            true,
			Keepalive:        30,
			ClientIdentifier: clientID,
		},
	}
	if username != "" {
		pk.Connect.UsernameFlag = true
		pk.Connect.Username = []byte(username)
	}

	var buf bytes.Buffer
	if err := pk.ConnectEncode(&buf); err != nil {
		t.Fatalf("Failed to encode CONNECT: %v", err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return 0, err
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	c := mqtt.NewConnection(conn, 0)
	ack, err := c.ReadPacket()
	if err != nil {
		return 0, err
	}
	if ack.FixedHeader.Type != packets.Connack {
		t.Fatalf("Expected CONNACK, got %s", packets.PacketNames[ack.FixedHeader.Type])
	}
	return ack.ReasonCode, nil
}

func disconnect(conn net.Conn) {
	pk := &packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}}
	var buf bytes.Buffer
	if err := pk.DisconnectEncode(&buf); err == nil {
		conn.Write(buf.Bytes())
	}
	conn.Close()
}

func TestTLS_BasicConnection(t *testing.T) {
	pki := newTestPKI(t)
	tlsConfig := pki.serverConfig(t, "none")
	addr := startSessionServer(t, tlsConfig, nil, true)

	clientTLSConfig := pki.clientConfig(false)
	conn, err := tls.Dial("tcp", addr, clientTLSConfig)
	if err != nil {
		t.Fatalf("Failed to connect with TLS: %v", err)
	}
	defer disconnect(conn)

	if err := conn.Handshake(); err != nil {
		t.Fatalf("TLS handshake failed: %v", err)
	}

	code, err := connect(t, conn, "tls-test-client", "")
	if err != nil {
		t.Fatalf("Failed to read CONNACK: %v", err)
	}
	if code != packets.CodeSuccess.Code {
		t.Fatalf("Expected CONNACK success, got 0x%02x", code)
	}
}

func TestTLS_RequireClientCert(t *testing.T) {
	pki := newTestPKI(t)
	tlsConfig := pki.serverConfig(t, "require")
	if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("Server TLS config ClientAuth not set correctly")
	}

	users := []basic.User{{Username: "device", CommonName: clientCommonName, ClientType: auth.Device}}
	addr := startSessionServer(t, tlsConfig, users, false)

	t.Run("with client certificate", func(t *testing.T) {
		conn, err := tls.Dial("tcp", addr, pki.clientConfig(true))
		if err != nil {
			t.Fatalf("Failed to connect with client cert: %v", err)
		}
		defer disconnect(conn)

		code, err := connect(t, conn, "cert-client", "device")
		if err != nil {
			t.Fatalf("Failed to read CONNACK: %v", err)
		}
		if code != packets.CodeSuccess.Code {
			t.Fatalf("Expected CONNACK success, got 0x%02x", code)
		}
	})

	t.Run("without client certificate", func(t *testing.T) {
		conn, err := tls.Dial("tcp", addr, pki.clientConfig(false))
		if err != nil {
			// TLS 1.2 fails the dial itself.
			return
		}
		defer conn.Close()

		// With TLS 1.3 the server's rejection surfaces on the first read.
		if _, err := connect(t, conn, "no-cert-client", "device"); err == nil {
			t.Fatal("Expected connection without client cert to fail")
		}
	})
}

func TestTLS_CommonNameMismatch(t *testing.T) {
	pki := newTestPKI(t)
	tlsConfig := pki.serverConfig(t, "require")

	users := []basic.User{{Username: "device", CommonName: "another-device", ClientType: auth.Device}}
	addr := startSessionServer(t, tlsConfig, users, false)

	conn, err := tls.Dial("tcp", addr, pki.clientConfig(true))
	if err != nil {
		t.Fatalf("Failed to connect with client cert: %v", err)
	}
	defer conn.Close()

	code, err := connect(t, conn, "cert-client", "device")
	if err != nil {
		t.Fatalf("Failed to read CONNACK: %v", err)
	}
	if code != packets.Err3NotAuthorized.Code {
		t.Fatalf("Expected CONNACK not authorized, got 0x%02x", code)
	}
}

func TestTLS_InvalidCert(t *testing.T) {
	pki := newTestPKI(t)
	tlsConfig := pki.serverConfig(t, "none")
	addr := startSessionServer(t, tlsConfig, nil, true)

	// The client does not trust the server's CA.
	conn, err := tls.Dial("tcp", addr, &tls.Config{})
	if err == nil {
		conn.Close()
		t.Fatal("Expected connection to fail with unverified certificate")
	}
}

func TestTLS_MinVersion(t *testing.T) {
	pki := newTestPKI(t)
	tlsConfig := pki.serverConfig(t, "none")
	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Fatalf("Expected MinVersion to be TLS 1.2, got %v", tlsConfig.MinVersion)
	}
	addr := startSessionServer(t, tlsConfig, nil, true)

	clientTLSConfig := pki.clientConfig(false)
	clientTLSConfig.MaxVersion = tls.VersionTLS11

	conn, err := tls.Dial("tcp", addr, clientTLSConfig)
	if err == nil {
		conn.Close()
		t.Fatal("Expected TLS 1.1 connection to be rejected")
	}

	clientTLSConfig.MaxVersion = tls.VersionTLS13
	clientTLSConfig.MinVersion = tls.VersionTLS12

	conn, err = tls.Dial("tcp", addr, clientTLSConfig)
	if err != nil {
		t.Fatalf("Failed to connect with TLS 1.2+: %v", err)
	}
	conn.Close()
}

func TestTLS_NoTLS(t *testing.T) {
	addr := startSessionServer(t, nil, nil, true)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect without TLS: %v", err)
	}
	defer disconnect(conn)

	code, err := connect(t, conn, "plain-test-client", "")
	if err != nil {
		t.Fatalf("Failed to read CONNACK: %v", err)
	}
	if code != packets.CodeSuccess.Code {
		t.Fatalf("Expected CONNACK success, got 0x%02x", code)
	}
}
