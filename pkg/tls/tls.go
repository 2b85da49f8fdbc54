// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/absmach/fluxsession/config"
)

var (
	errLoadCerts      = errors.New("failed to load certificates")
	errLoadClientCA   = errors.New("failed to load Client CA")
	errAppendCA       = errors.New("failed to append client ca to tls.Config")
	errUnknownAuth    = errors.New("unknown tls client auth mode")
	errClientCAneeded = errors.New("client certificate verification requires a CA file")
)

// LoadTLSConfig builds the listener TLS configuration from the server
// section. It returns nil when TLS is disabled.
func LoadTLSConfig(c config.ServerConfig) (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}

	certificate, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
		Certificates: []tls.Certificate{certificate},
	}

	clientAuth, err := clientAuthType(c.TLSClientAuth)
	if err != nil {
		return nil, err
	}
	cfg.ClientAuth = clientAuth

	if c.TLSCAFile != "" {
		clientCA, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, errors.Join(errLoadClientCA, err)
		}
		cfg.ClientCAs = x509.NewCertPool()
		if !cfg.ClientCAs.AppendCertsFromPEM(clientCA) {
			return nil, errAppendCA
		}
	} else if clientAuth == tls.RequireAndVerifyClientCert || clientAuth == tls.VerifyClientCertIfGiven {
		return nil, errClientCAneeded
	}

	return cfg, nil
}

// clientAuthType maps the configured mode. Certificates are verified
// against the client CA whenever one is requested.
func clientAuthType(mode string) (tls.ClientAuthType, error) {
	switch mode {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.VerifyClientCertIfGiven, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("%w: %q", errUnknownAuth, mode)
	}
}

// SecurityStatus returns log message from TLS config.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	// It is possible to establish TLS with client certificates only.
	if len(c.Certificates) == 0 {
		ret = "no server certificates"
	}
	if c.ClientCAs != nil {
		ret += " and " + c.ClientAuth.String()
	}
	return ret
}
