// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth defines the authentication contracts consumed by the session
// core: single-round credential checks, multi-round enhanced exchanges, the
// authorization rules they yield and the failure to return-code mapping.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownClientType is returned when parsing an unsupported client type.
var ErrUnknownClientType = errors.New("unknown client type")

// ClientType is the coarse client classification used by delivery logic.
type ClientType int

const (
	// Device is an ordinary, possibly short-lived, client.
	Device ClientType = iota
	// Application is a long-lived consumer that gets persistent delivery.
	Application
)

func (t ClientType) String() string {
	switch t {
	case Application:
		return "APPLICATION"
	default:
		return "DEVICE"
	}
}

// ParseClientType converts a case-insensitive name to a ClientType.
// An empty name yields Device.
func ParseClientType(s string) (ClientType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "DEVICE":
		return Device, nil
	case "APPLICATION":
		return Application, nil
	default:
		return Device, fmt.Errorf("%w: %q", ErrUnknownClientType, s)
	}
}

// TLSIdentity is the verified peer identity of a TLS connection.
type TLSIdentity struct {
	CommonName string
}

// Credentials carry everything a single-round authenticator may inspect.
type Credentials struct {
	ClientID string
	Username string
	// Password is nil when the client did not send one.
	Password []byte
	TLS      *TLSIdentity
}

// Response is the outcome of a single-round authentication.
type Response struct {
	Success    bool
	Rules      Rules
	ClientType ClientType
	Reason     string
}

// Authenticator performs a single-round credential check.
// A returned error is a provider fault; rejections are reported through
// Response.Success and Response.Reason.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Response, error)
}

// Success builds an accepted Response.
func Success(rules Rules, clientType ClientType) Response {
	return Response{Success: true, Rules: rules, ClientType: clientType}
}

// Failure builds a rejected Response carrying reason.
func Failure(reason string) Response {
	return Response{Reason: reason}
}
