// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import "context"

// EnhancedFailure identifies why an enhanced exchange step failed.
type EnhancedFailure int

const (
	// NoFailure marks a successful step.
	NoFailure EnhancedFailure = iota
	AuthMethodMismatch
	ClientFirstMessageEvaluationError
	ClientFinalMessageEvaluationError
	ClientReAuthMessageEvaluationError
	AuthChallengeFailed
	InvalidClientStateForAuthPacket
	MissingExchangeState
	UnknownAuthMethod
)

var failureLogs = map[EnhancedFailure]string{
	AuthMethodMismatch:                 "received AUTH message while authentication method mismatch",
	ClientFirstMessageEvaluationError:  "failed to evaluate client first message",
	ClientFinalMessageEvaluationError:  "failed to evaluate client final message",
	ClientReAuthMessageEvaluationError: "failed to evaluate client re-auth message",
	AuthChallengeFailed:                "authentication challenge failed",
	InvalidClientStateForAuthPacket:    "invalid client state for auth packet",
	MissingExchangeState:               "no open authentication exchange",
	UnknownAuthMethod:                  "unsupported authentication method",
}

// ReasonLog is the audit text recorded for the failure.
func (f EnhancedFailure) ReasonLog() string {
	if s, ok := failureLogs[f]; ok {
		return s
	}
	return "unknown enhanced authentication failure"
}

func (f EnhancedFailure) String() string {
	switch f {
	case NoFailure:
		return "NONE"
	case AuthMethodMismatch:
		return "AUTH_METHOD_MISMATCH"
	case ClientFirstMessageEvaluationError:
		return "CLIENT_FIRST_MESSAGE_EVALUATION_ERROR"
	case ClientFinalMessageEvaluationError:
		return "CLIENT_FINAL_MESSAGE_EVALUATION_ERROR"
	case ClientReAuthMessageEvaluationError:
		return "CLIENT_RE_AUTH_MESSAGE_EVALUATION_ERROR"
	case AuthChallengeFailed:
		return "AUTH_CHALLENGE_FAILED"
	case InvalidClientStateForAuthPacket:
		return "INVALID_CLIENT_STATE_FOR_AUTH_PACKET"
	case MissingExchangeState:
		return "MISSING_EXCHANGE_STATE"
	case UnknownAuthMethod:
		return "UNKNOWN_AUTH_METHOD"
	default:
		return "UNKNOWN"
	}
}

// Exchange is the open state of one challenge-response exchange. It lives on
// the session that started it and is only touched by that session's owner.
type Exchange struct {
	Method   string
	Username string
	// State is authenticator specific.
	State any
}

// EnhancedRequest is one client step of an exchange.
type EnhancedRequest struct {
	ClientID string
	Method   string
	Data     []byte
}

// EnhancedResult is the outcome of one exchange step. On a successful
// intermediate step Exchange holds the state to pass to the next step. On a
// successful final step Rules and ClientType are populated.
type EnhancedResult struct {
	Success    bool
	Failure    EnhancedFailure
	Username   string
	ServerData []byte
	Exchange   *Exchange
	Rules      Rules
	ClientType ClientType
}

// Failed builds a failed EnhancedResult.
func Failed(f EnhancedFailure, username string) EnhancedResult {
	return EnhancedResult{Failure: f, Username: username}
}

// EnhancedAuthenticator runs multi-round challenge-response exchanges.
type EnhancedAuthenticator interface {
	// Start evaluates the first client message carried by CONNECT.
	Start(ctx context.Context, req EnhancedRequest) EnhancedResult
	// Continue evaluates the client's answer to the Start challenge.
	Continue(ctx context.Context, ex *Exchange, req EnhancedRequest) EnhancedResult
	// ReAuthStart opens a new exchange on an already connected session.
	ReAuthStart(ctx context.Context, req EnhancedRequest) EnhancedResult
	// ReAuthContinue finishes a re-authentication exchange.
	ReAuthContinue(ctx context.Context, ex *Exchange, req EnhancedRequest) EnhancedResult
}
