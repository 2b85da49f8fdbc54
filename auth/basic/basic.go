// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package basic provides a username/password authenticator backed by bcrypt
// hashes held in memory.
package basic

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/absmach/fluxsession/auth"
	"github.com/absmach/fluxsession/config"
	"golang.org/x/crypto/bcrypt"
)

var _ auth.Authenticator = (*Authenticator)(nil)

// Rejection reasons recorded in the unauthorized-attempt audit.
const (
	ReasonUnknownUser      = "unknown username"
	ReasonClientIDMismatch = "client id is not allowed for this username"
	ReasonTLSMismatch      = "TLS identity does not match"
	ReasonPasswordRequired = "password required"
	ReasonInvalidPassword  = "invalid password"
)

// User is one credential entry.
type User struct {
	Username string
	// ClientID restricts the entry to a single client id when set.
	ClientID string
	// PasswordHash is a bcrypt hash. Empty means no password is checked.
	PasswordHash []byte
	// CommonName pins the entry to a TLS peer certificate when set.
	CommonName string
	ClientType auth.ClientType
	Rules      auth.Rules
}

// Authenticator checks credentials against a fixed user table.
type Authenticator struct {
	users          map[string]User
	allowAnonymous bool
}

// New creates an Authenticator from users. With allowAnonymous, clients that
// send no username are accepted as devices without rules.
func New(users []User, allowAnonymous bool) *Authenticator {
	m := make(map[string]User, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	return &Authenticator{users: m, allowAnonymous: allowAnonymous}
}

// NewFromConfig builds an Authenticator from the auth section of the config.
func NewFromConfig(cfg config.AuthConfig) (*Authenticator, error) {
	users := make([]User, 0, len(cfg.Users))
	for i, u := range cfg.Users {
		ct, err := auth.ParseClientType(u.ClientType)
		if err != nil {
			return nil, fmt.Errorf("auth.users[%d]: %w", i, err)
		}
		rules, err := compileRules(u.Rules)
		if err != nil {
			return nil, fmt.Errorf("auth.users[%d]: %w", i, err)
		}
		users = append(users, User{
			Username:     u.Username,
			ClientID:     u.ClientID,
			PasswordHash: []byte(u.PasswordHash),
			CommonName:   u.CommonName,
			ClientType:   ct,
			Rules:        rules,
		})
	}
	return New(users, cfg.AllowAnonymous), nil
}

func compileRules(cfgRules []config.AuthRule) (auth.Rules, error) {
	rules := make(auth.Rules, 0, len(cfgRules))
	for _, r := range cfgRules {
		rp, err := auth.CompileRule(r.Pub, r.Sub)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rp)
	}
	return rules, nil
}

// Authenticate implements auth.Authenticator.
func (a *Authenticator) Authenticate(ctx context.Context, creds auth.Credentials) (auth.Response, error) {
	if err := ctx.Err(); err != nil {
		return auth.Response{}, err
	}

	u, ok := a.users[creds.Username]
	if !ok {
		if a.allowAnonymous && creds.Username == "" {
			return auth.Success(nil, auth.Device), nil
		}
		return auth.Failure(ReasonUnknownUser), nil
	}

	if u.ClientID != "" && u.ClientID != creds.ClientID {
		return auth.Failure(ReasonClientIDMismatch), nil
	}

	if u.CommonName != "" {
		if creds.TLS == nil || subtle.ConstantTimeCompare([]byte(creds.TLS.CommonName), []byte(u.CommonName)) != 1 {
			return auth.Failure(ReasonTLSMismatch), nil
		}
	}

	if len(u.PasswordHash) > 0 {
		if creds.Password == nil {
			return auth.Failure(ReasonPasswordRequired), nil
		}
		err := bcrypt.CompareHashAndPassword(u.PasswordHash, creds.Password)
		switch {
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return auth.Failure(ReasonInvalidPassword), nil
		case err != nil:
			return auth.Response{}, fmt.Errorf("failed to verify password for %q: %w", creds.Username, err)
		}
	}

	return auth.Success(u.Rules, u.ClientType), nil
}

// HashPassword returns a bcrypt hash suitable for User.PasswordHash.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
