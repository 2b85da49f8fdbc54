// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxsession/config"
	mqtttls "github.com/absmach/fluxsession/pkg/tls"
)

const clientCommonName = "test-client"

// testPKI is a throwaway CA with one server and one client leaf, written
// as PEM files under t.TempDir().
type testPKI struct {
	dir    string
	pool   *x509.CertPool
	client tls.Certificate
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	dir := t.TempDir()
	caKey := newKey(t)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fluxsession test CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}
	writePEM(t, filepath.Join(dir, "ca.crt"), "CERTIFICATE", caDER)

	p := &testPKI{dir: dir, pool: x509.NewCertPool()}
	p.pool.AddCert(ca)

	p.issue(t, ca, caKey, "server", &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	})
	p.issue(t, ca, caKey, "client", &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: clientCommonName},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})

	p.client, err = tls.LoadX509KeyPair(p.path("client.crt"), p.path("client.key"))
	if err != nil {
		t.Fatalf("Failed to load client key pair: %v", err)
	}
	return p
}

func (p *testPKI) issue(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, name string, tmpl *x509.Certificate) {
	t.Helper()

	key := newKey(t)
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create %s certificate: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal %s key: %v", name, err)
	}
	writePEM(t, p.path(name+".crt"), "CERTIFICATE", der)
	writePEM(t, p.path(name+".key"), "EC PRIVATE KEY", keyDER)
}

func (p *testPKI) path(name string) string {
	return filepath.Join(p.dir, name)
}

// serverConfig builds the listener config through the same loader the
// binary uses. clientAuth is one of "none", "request" or "require".
func (p *testPKI) serverConfig(t *testing.T, clientAuth string) *tls.Config {
	t.Helper()

	cfg, err := mqtttls.LoadTLSConfig(config.ServerConfig{
		TLSEnabled:    true,
		TLSCertFile:   p.path("server.crt"),
		TLSKeyFile:    p.path("server.key"),
		TLSCAFile:     p.path("ca.crt"),
		TLSClientAuth: clientAuth,
	})
	if err != nil {
		t.Fatalf("Failed to load server TLS config: %v", err)
	}
	return cfg
}

func (p *testPKI) clientConfig(withCert bool) *tls.Config {
	cfg := &tls.Config{RootCAs: p.pool, MinVersion: tls.VersionTLS12}
	if withCert {
		cfg.Certificates = []tls.Certificate{p.client}
	}
	return cfg
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}
