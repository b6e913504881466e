// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-engine/modbus"
)

const tcpTimeout = 10 * time.Second

// Client is a Modbus TCP master over one persistent connection.
type Client struct {
	Address string
	// Timeout bounds dialing and the wait for the first reply byte.
	Timeout time.Duration
	// Recovery selects the side effect applied after a failed exchange.
	Recovery modbus.RecoveryMode
	// Debug promotes frame hex dumps from debug to info level.
	Debug bool

	transactionID uint32 // atomic counter, truncated to 16 bits on the wire

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// Framing identifies the envelope this master speaks.
func (mb *Client) Framing() modbus.Framing {
	return modbus.TCP
}

// Connect dials the slave and tunes the socket for request/reply
// latency: Nagle off, IP type-of-service low delay.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

// connect dials if not connected. Caller must hold the mutex.
func (mb *Client) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			slog.Warn("failed to disable Nagle", "err", err)
		}
		if err := setLowDelay(tcpConn); err != nil {
			slog.Debug("failed to set IP_TOS low delay", "err", err)
		}
	}
	mb.conn = conn
	return nil
}

// Close half-closes the write side, then releases the connection.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.close()
}

// close releases the connection. Caller must hold the mutex.
func (mb *Client) close() error {
	if mb.conn == nil {
		return nil
	}
	if tcpConn, ok := mb.conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}
	err := mb.conn.Close()
	mb.conn = nil
	return err
}

// Send stamps the next transaction id and the MBAP length onto adu,
// transmits it and reads back one frame. A wait that times out empty
// while a longer reply was expected is retried once listening for the
// exception length. Replies carrying a stale transaction id are
// rejected.
func (mb *Client) Send(ctx context.Context, adu []byte, expectedLength int) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return nil, err
	}

	tid := uint16(atomic.AddUint32(&mb.transactionID, 1))
	binary.BigEndian.PutUint16(adu[0:], tid)
	modbus.TCP.SetLength(adu)

	mb.logFrame("send to modbus slave", adu)
	if _, err := mb.conn.Write(adu); err != nil {
		err = fmt.Errorf("modbus: write failed: %w", err)
		mb.recover(ctx, err)
		return nil, err
	}

	port := &connPort{conn: mb.conn}
	data, err := modbus.ReadMessage(port, modbus.TCP, expectedLength, mb.Timeout)
	if errors.Is(err, modbus.ErrTimeout) && expectedLength > modbus.TCP.ExceptionLength() {
		data, err = modbus.ReadMessage(port, modbus.TCP, modbus.TCP.ExceptionLength(), mb.Timeout)
	}
	if err == nil && binary.BigEndian.Uint16(data[0:]) != tid {
		err = fmt.Errorf("modbus: response transaction id '%v' does not match request '%v': %w",
			binary.BigEndian.Uint16(data[0:]), tid, modbus.ErrInvalidData)
	}
	if err != nil {
		mb.recover(ctx, err)
		return nil, err
	}
	mb.logFrame("recv from modbus slave", data)
	return data, nil
}

// SendRaw wraps a [unit | function | payload] frame in an MBAP header,
// transmits it and returns one reply frame.
func (mb *Client) SendRaw(ctx context.Context, frame []byte) ([]byte, error) {
	adu := make([]byte, 6+len(frame))
	copy(adu[6:], frame)
	return mb.Send(ctx, adu, modbus.LengthUndefined)
}

// Recover applies the recovery mode to a failure detected by a caller.
func (mb *Client) Recover(ctx context.Context, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.recover(ctx, err)
}

// recover flushes or reopens the connection after a failure. Caller
// must hold the mutex.
func (mb *Client) recover(ctx context.Context, err error) {
	if mb.Recovery == modbus.RecoverNop {
		return
	}
	switch modbus.ClassifyRecovery(err) {
	case modbus.RecoveryFlush:
		slog.Debug("flushing connection after error", "err", err)
		mb.flush()
	case modbus.RecoveryReconnect:
		slog.Debug("reconnecting after error", "err", err)
		mb.close()
		if cerr := mb.connect(ctx); cerr != nil {
			slog.Error("failed to reconnect", "addr", mb.Address, "err", cerr)
		}
	}
}

// flush drains whatever is queued on the socket without blocking.
// Caller must hold the mutex.
func (mb *Client) flush() {
	if mb.conn == nil {
		return
	}
	var devnull [260]byte
	for {
		mb.conn.SetReadDeadline(time.Now())
		n, err := mb.conn.Read(devnull[:])
		if n > 0 {
			slog.Debug("flushed stale bytes", "count", n)
		}
		if err != nil || n == 0 {
			break
		}
	}
	mb.conn.SetReadDeadline(time.Time{})
}

func (mb *Client) logFrame(msg string, frame []byte) {
	if mb.Debug {
		slog.Info(msg, "frame", hex.EncodeToString(frame))
	} else {
		slog.Debug(msg, "frame", hex.EncodeToString(frame))
	}
}

// connPort adapts a net.Conn to the receive loop's deadline-bounded
// reads.
type connPort struct {
	conn net.Conn
}

func (p *connPort) ReadSome(buf []byte, deadline time.Time) (int, error) {
	p.conn.SetReadDeadline(deadline)
	n, err := p.conn.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		return 0, nil
	}
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		return 0, modbus.ErrTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return 0, modbus.ErrConnectionClosed
	default:
		return 0, fmt.Errorf("modbus: read failed: %w", err)
	}
}
