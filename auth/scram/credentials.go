// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scram

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/absmach/fluxsession/auth"
	"github.com/absmach/fluxsession/config"
	"github.com/xdg-go/scram"
)

const (
	defaultIterations = 4096
	saltSize          = 16
)

// Credential is the server-side SCRAM secret of one user.
type Credential struct {
	Username   string
	Method     string
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
	ClientType auth.ClientType
	Rules      auth.Rules
}

func (c Credential) stored() scram.StoredCredentials {
	return scram.StoredCredentials{
		KeyFactors: scram.KeyFactors{Salt: string(c.Salt), Iters: c.Iterations},
		StoredKey:  c.StoredKey,
		ServerKey:  c.ServerKey,
	}
}

// CredentialStore resolves SCRAM credentials by username.
type CredentialStore interface {
	Lookup(ctx context.Context, username string) (Credential, error)
}

// NewCredential derives a Credential from a clear-text password. A nil salt
// is replaced with a random one and iterations <= 0 uses 4096.
func NewCredential(username, password, method string, iterations int, salt []byte) (Credential, error) {
	hash, err := hashFor(method)
	if err != nil {
		return Credential{}, err
	}
	if iterations <= 0 {
		iterations = defaultIterations
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return Credential{}, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	client, err := hash.NewClient(username, password, "")
	if err != nil {
		return Credential{}, fmt.Errorf("failed to prepare credential for %q: %w", username, err)
	}
	sc := client.GetStoredCredentials(scram.KeyFactors{Salt: string(salt), Iters: iterations})

	return Credential{
		Username:   username,
		Method:     method,
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  sc.StoredKey,
		ServerKey:  sc.ServerKey,
	}, nil
}

// MemoryStore is a CredentialStore held in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

// NewMemoryStoreFromConfig loads the scram users of the auth config.
// Entries carrying a clear-text password are derived at load time, the
// others must provide base64 salt, stored key and server key.
func NewMemoryStoreFromConfig(cfg config.AuthConfig) (*MemoryStore, error) {
	s := NewMemoryStore()
	for i, u := range cfg.Scram {
		cred, err := credentialFromConfig(u)
		if err != nil {
			return nil, fmt.Errorf("auth.scram[%d]: %w", i, err)
		}
		s.Put(cred)
	}
	return s, nil
}

func credentialFromConfig(u config.ScramUser) (Credential, error) {
	ct, err := auth.ParseClientType(u.ClientType)
	if err != nil {
		return Credential{}, err
	}
	rules := make(auth.Rules, 0, len(u.Rules))
	for _, r := range u.Rules {
		rp, err := auth.CompileRule(r.Pub, r.Sub)
		if err != nil {
			return Credential{}, err
		}
		rules = append(rules, rp)
	}

	var cred Credential
	if u.Password != "" {
		var salt []byte
		if u.Salt != "" {
			if salt, err = base64.StdEncoding.DecodeString(u.Salt); err != nil {
				return Credential{}, fmt.Errorf("salt: %w", err)
			}
		}
		cred, err = NewCredential(u.Username, u.Password, u.Method, u.Iterations, salt)
		if err != nil {
			return Credential{}, err
		}
	} else {
		if _, err := hashFor(u.Method); err != nil {
			return Credential{}, err
		}
		cred = Credential{Username: u.Username, Method: u.Method, Iterations: u.Iterations}
		if cred.Salt, err = base64.StdEncoding.DecodeString(u.Salt); err != nil {
			return Credential{}, fmt.Errorf("salt: %w", err)
		}
		if cred.StoredKey, err = base64.StdEncoding.DecodeString(u.StoredKey); err != nil {
			return Credential{}, fmt.Errorf("stored_key: %w", err)
		}
		if cred.ServerKey, err = base64.StdEncoding.DecodeString(u.ServerKey); err != nil {
			return Credential{}, fmt.Errorf("server_key: %w", err)
		}
	}
	cred.ClientType = ct
	cred.Rules = rules
	return cred, nil
}

// Put adds or replaces a credential.
func (s *MemoryStore) Put(c Credential) {
	s.mu.Lock()
	s.creds[c.Username] = c
	s.mu.Unlock()
}

// Lookup implements CredentialStore.
func (s *MemoryStore) Lookup(ctx context.Context, username string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[username]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %q", ErrCredentialNotFound, username)
	}
	return c, nil
}
