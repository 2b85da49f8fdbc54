// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "github.com/mochi-mqtt/server/v2/packets"

func connack(version byte, code packets.Code) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connack},
		ProtocolVersion: version,
		ReasonCode:      code.Code,
	}
}

func authPacket(version byte, code packets.Code, method string, data []byte) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Auth},
		ProtocolVersion: version,
		ReasonCode:      code.Code,
	}
	pk.Properties.AuthenticationMethod = method
	pk.Properties.AuthenticationData = data
	return pk
}
