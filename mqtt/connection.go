// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsession/session"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Only control packets reach the session layer, so large bodies are refused.
const maxPacketSize = 256 * 1024

var (
	_ session.Transport = (*Connection)(nil)

	ErrCannotEncodeNilPacket = errors.New("cannot encode nil packet")
	ErrUnsupportedPacket     = errors.New("unsupported packet type")
	ErrPacketTooLarge        = errors.New("packet exceeds maximum size")
)

// Connection reads and writes MQTT packets on a net.Conn. Reads must come
// from a single goroutine; writes may come from any.
type Connection struct {
	conn         net.Conn
	reader       *bufio.Reader
	version      byte
	writeTimeout time.Duration

	sendMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps conn. A zero writeTimeout disables write deadlines.
func NewConnection(conn net.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

// ReadPacket reads the next packet. The protocol version is taken from
// the first CONNECT and used to decode everything after it. Bodies of
// packet types the session layer does not handle are read and dropped.
func (c *Connection) ReadPacket() (*packets.Packet, error) {
	b, err := c.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	var fh packets.FixedHeader
	if err := fh.Decode(b); err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(c.reader)
	if err != nil {
		return nil, err
	}
	if rem > maxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, rem)
	}
	fh.Remaining = rem

	buf := make([]byte, rem)
	if rem > 0 {
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: fh, ProtocolVersion: c.version}
	switch fh.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
		if err == nil {
			c.version = pk.ProtocolVersion
		}
	case packets.Connack:
		err = pk.ConnackDecode(buf)
	case packets.Auth:
		err = pk.AuthDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Pingresp:
		err = pk.PingrespDecode(buf)
	}
	if err != nil {
		return nil, err
	}
	return pk, nil
}

// WritePacket encodes and writes pk.
func (c *Connection) WritePacket(pk *packets.Packet) error {
	if pk == nil {
		return ErrCannotEncodeNilPacket
	}
	if c.closed.Load() {
		return net.ErrClosed
	}

	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectEncode(&buf)
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Auth:
		err = pk.AuthEncode(&buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(&buf)
	case packets.Pingreq:
		err = pk.PingreqEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPacket, packets.PacketNames[pk.FixedHeader.Type])
	}
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return net.ErrClosed
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err = c.conn.Write(buf.Bytes())
	return err
}

// Close closes the underlying connection once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Version returns the protocol version of the CONNECT read so far, or 0.
func (c *Connection) Version() byte {
	return c.version
}
