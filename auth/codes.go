// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import "github.com/mochi-mqtt/server/v2/packets"

// failureCodes maps enhanced failures to CONNACK reason codes.
// Failures missing from the table map to ErrUnspecifiedError.
var failureCodes = map[EnhancedFailure]packets.Code{
	AuthMethodMismatch:                packets.ErrBadAuthenticationMethod,
	ClientFinalMessageEvaluationError: packets.ErrNotAuthorized,
}

// v3Codes folds v5 reason codes not covered by the codec's own table.
var v3Codes = map[packets.Code]packets.Code{
	packets.ErrNotAuthorized:           packets.Err3NotAuthorized,
	packets.ErrBadAuthenticationMethod: packets.Err3NotAuthorized,
	packets.ErrUnspecifiedError:        packets.Err3ServerUnavailable,
}

// FailureCode returns the CONNACK code for a failed enhanced exchange.
func FailureCode(f EnhancedFailure) packets.Code {
	if c, ok := failureCodes[f]; ok {
		return c
	}
	return packets.ErrUnspecifiedError
}

// NotAuthorized returns the not-authorized CONNACK code for a protocol version.
func NotAuthorized(version byte) packets.Code {
	return ForVersion(packets.ErrNotAuthorized, version)
}

// ForVersion adapts a v5 CONNACK code to the client's protocol version.
func ForVersion(code packets.Code, version byte) packets.Code {
	if version >= 5 || code == packets.CodeSuccess {
		return code
	}
	if c, ok := v3Codes[code]; ok {
		return c
	}
	if c, ok := packets.V5CodesToV3[code]; ok {
		return c
	}
	return packets.Err3ServerUnavailable
}
