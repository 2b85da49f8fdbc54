// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scram implements SCRAM-SHA-256 and SCRAM-SHA-512 enhanced
// authentication on top of xdg-go/scram server conversations.
package scram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxsession/auth"
	"github.com/xdg-go/scram"
)

// Supported MQTT v5 authentication method names.
const (
	MethodSHA256 = "SCRAM-SHA-256"
	MethodSHA512 = "SCRAM-SHA-512"
)

var (
	// ErrCredentialNotFound is returned by stores for unknown usernames.
	ErrCredentialNotFound = errors.New("scram credential not found")
	// ErrAlgorithmMismatch is returned when a stored credential was derived
	// with a different hash than the requested method.
	ErrAlgorithmMismatch = errors.New("scram credential algorithm mismatch")
	// ErrUnsupportedMethod is returned for unknown method names.
	ErrUnsupportedMethod = errors.New("unsupported scram method")
)

var _ auth.EnhancedAuthenticator = (*Authenticator)(nil)

// Authenticator runs SCRAM exchanges against a CredentialStore.
type Authenticator struct {
	store  CredentialStore
	logger *slog.Logger
}

// New creates a SCRAM Authenticator.
func New(store CredentialStore, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{store: store, logger: logger}
}

type exchangeState struct {
	conv       *scram.ServerConversation
	credential *Credential
}

// Start implements auth.EnhancedAuthenticator.
func (a *Authenticator) Start(ctx context.Context, req auth.EnhancedRequest) auth.EnhancedResult {
	return a.open(ctx, req, auth.ClientFirstMessageEvaluationError)
}

// ReAuthStart implements auth.EnhancedAuthenticator.
func (a *Authenticator) ReAuthStart(ctx context.Context, req auth.EnhancedRequest) auth.EnhancedResult {
	return a.open(ctx, req, auth.ClientReAuthMessageEvaluationError)
}

// Continue implements auth.EnhancedAuthenticator.
func (a *Authenticator) Continue(ctx context.Context, ex *auth.Exchange, req auth.EnhancedRequest) auth.EnhancedResult {
	return a.finish(ctx, ex, req, auth.ClientFinalMessageEvaluationError)
}

// ReAuthContinue implements auth.EnhancedAuthenticator.
func (a *Authenticator) ReAuthContinue(ctx context.Context, ex *auth.Exchange, req auth.EnhancedRequest) auth.EnhancedResult {
	return a.finish(ctx, ex, req, auth.ClientReAuthMessageEvaluationError)
}

func (a *Authenticator) open(ctx context.Context, req auth.EnhancedRequest, evalFailure auth.EnhancedFailure) auth.EnhancedResult {
	hash, err := hashFor(req.Method)
	if err != nil {
		a.logger.Debug("scram_unsupported_method",
			slog.String("client_id", req.ClientID),
			slog.String("method", req.Method))
		return auth.Failed(auth.UnknownAuthMethod, "")
	}

	state := &exchangeState{}
	server, err := hash.NewServer(func(username string) (scram.StoredCredentials, error) {
		cred, err := a.store.Lookup(ctx, username)
		if err != nil {
			return scram.StoredCredentials{}, err
		}
		if cred.Method != req.Method {
			return scram.StoredCredentials{}, fmt.Errorf("%w: %s", ErrAlgorithmMismatch, cred.Method)
		}
		state.credential = &cred
		return cred.stored(), nil
	})
	if err != nil {
		a.logger.Error("scram_server_init_failed", slog.String("error", err.Error()))
		return auth.Failed(evalFailure, "")
	}

	state.conv = server.NewConversation()
	challenge, err := state.conv.Step(string(req.Data))
	username := state.conv.Username()
	if err != nil {
		a.logger.Debug("scram_first_message_rejected",
			slog.String("client_id", req.ClientID),
			slog.String("username", username),
			slog.String("error", err.Error()))
		return auth.Failed(evalFailure, username)
	}

	return auth.EnhancedResult{
		Success:    true,
		Username:   username,
		ServerData: []byte(challenge),
		Exchange: &auth.Exchange{
			Method:   req.Method,
			Username: username,
			State:    state,
		},
	}
}

func (a *Authenticator) finish(ctx context.Context, ex *auth.Exchange, req auth.EnhancedRequest, evalFailure auth.EnhancedFailure) auth.EnhancedResult {
	if ex == nil {
		return auth.Failed(auth.MissingExchangeState, "")
	}
	state, ok := ex.State.(*exchangeState)
	if !ok || state.conv == nil {
		return auth.Failed(auth.MissingExchangeState, ex.Username)
	}
	if req.Method != ex.Method {
		return auth.Failed(auth.AuthMethodMismatch, ex.Username)
	}
	if err := ctx.Err(); err != nil {
		return auth.Failed(evalFailure, ex.Username)
	}

	final, err := state.conv.Step(string(req.Data))
	if err != nil {
		a.logger.Debug("scram_final_message_rejected",
			slog.String("client_id", req.ClientID),
			slog.String("username", ex.Username),
			slog.String("error", err.Error()))
		return auth.Failed(evalFailure, ex.Username)
	}
	if !state.conv.Done() || !state.conv.Valid() || state.credential == nil {
		return auth.Failed(auth.AuthChallengeFailed, ex.Username)
	}

	return auth.EnhancedResult{
		Success:    true,
		Username:   ex.Username,
		ServerData: []byte(final),
		Rules:      state.credential.Rules,
		ClientType: state.credential.ClientType,
	}
}

func hashFor(method string) (scram.HashGeneratorFcn, error) {
	switch method {
	case MethodSHA256:
		return scram.SHA256, nil
	case MethodSHA512:
		return scram.SHA512, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}
