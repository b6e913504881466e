// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtuovertcp speaks RTU framing (address byte + CRC) across a
// TCP socket, for serial-device servers exposed through a raw socket
// bridge.
package rtuovertcp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/crc"
)

const tcpTimeout = 10 * time.Second

// Client is a Modbus RTU-over-TCP master.
type Client struct {
	Address string
	Timeout time.Duration
	// Recovery selects the side effect applied after a failed exchange.
	Recovery modbus.RecoveryMode
	// Debug promotes frame hex dumps from debug to info level.
	Debug bool

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes an RTU-over-TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// Framing identifies the envelope this master speaks.
func (mb *Client) Framing() modbus.Framing {
	return modbus.RTU
}

// Connect dials the bridge.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

func (mb *Client) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	mb.conn = conn
	return nil
}

// Close releases the connection.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.close()
}

func (mb *Client) close() error {
	if mb.conn == nil {
		return nil
	}
	err := mb.conn.Close()
	mb.conn = nil
	return err
}

// Send completes adu with its checksum, transmits it and reads back one
// RTU frame, retrying once with the exception length after an empty
// timeout.
func (mb *Client) Send(ctx context.Context, adu []byte, expectedLength int) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return nil, err
	}

	frame := modbus.RTU.AppendChecksum(adu)
	mb.logFrame("send to modbus slave", frame)
	if _, err := mb.conn.Write(frame); err != nil {
		err = fmt.Errorf("modbus: write failed: %w", err)
		mb.recover(ctx, err)
		return nil, err
	}

	port := &connPort{conn: mb.conn}
	data, err := modbus.ReadMessage(port, modbus.RTU, expectedLength, mb.Timeout)
	if errors.Is(err, modbus.ErrTimeout) && expectedLength > modbus.RTU.ExceptionLength() {
		data, err = modbus.ReadMessage(port, modbus.RTU, modbus.RTU.ExceptionLength(), mb.Timeout)
	}
	if err != nil {
		mb.recover(ctx, err)
		return nil, err
	}
	mb.logFrame("recv from modbus slave", data)
	return data, nil
}

// SendRaw completes frame with its checksum, transmits it and returns
// one reply frame read in a single gulp.
func (mb *Client) SendRaw(ctx context.Context, frame []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return nil, err
	}

	full := modbus.RTU.AppendChecksum(frame)
	mb.logFrame("send to modbus slave", full)
	if _, err := mb.conn.Write(full); err != nil {
		err = fmt.Errorf("modbus: write failed: %w", err)
		mb.recover(ctx, err)
		return nil, err
	}

	port := &connPort{conn: mb.conn}
	buf := make([]byte, modbus.RTU.MaxADULength())
	n, err := port.ReadSome(buf, time.Now().Add(mb.Timeout))
	if err != nil {
		mb.recover(ctx, err)
		return nil, err
	}
	for n < len(buf) {
		rn, err := port.ReadSome(buf[n:], time.Now().Add(modbus.TimeoutEndOfFrame))
		if err != nil {
			break
		}
		n += rn
	}
	mb.logFrame("recv from modbus slave", buf[:n])

	if n < modbus.RTU.MinADULength() {
		return nil, fmt.Errorf("reply of %d bytes is shorter than minimum %d: %w", n, modbus.RTU.MinADULength(), modbus.ErrInvalidData)
	}
	var c crc.CRC
	computed := c.Reset().PushBytes(buf[:n-2]).Value()
	received := uint16(buf[n-1])<<8 | uint16(buf[n-2])
	if computed != received {
		err = fmt.Errorf("reply checksum 0x%04X does not match expected 0x%04X: %w", received, computed, modbus.ErrInvalidCRC)
		mb.recover(ctx, err)
		return nil, err
	}
	return buf[:n], nil
}

// Recover applies the recovery mode to a failure detected by a caller.
func (mb *Client) Recover(ctx context.Context, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.recover(ctx, err)
}

func (mb *Client) recover(ctx context.Context, err error) {
	if mb.Recovery == modbus.RecoverNop {
		return
	}
	switch modbus.ClassifyRecovery(err) {
	case modbus.RecoveryFlush:
		mb.flush()
	case modbus.RecoveryReconnect:
		mb.close()
		if cerr := mb.connect(ctx); cerr != nil {
			slog.Error("failed to reconnect", "addr", mb.Address, "err", cerr)
		}
	}
}

// flush drains whatever is queued on the socket without blocking.
func (mb *Client) flush() {
	if mb.conn == nil {
		return
	}
	var devnull [256]byte
	for {
		mb.conn.SetReadDeadline(time.Now())
		n, err := mb.conn.Read(devnull[:])
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
