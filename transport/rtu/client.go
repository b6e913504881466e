// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-engine/internal/config"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/crc"
)

// Client is a Modbus RTU master over a serial device.
type Client struct {
	serialPort

	// ResponseTimeout bounds the wait for the first reply byte.
	ResponseTimeout time.Duration
	// Recovery selects the side effect applied after a failed exchange.
	Recovery modbus.RecoveryMode
	// Debug promotes frame hex dumps from debug to info level.
	Debug bool
}

// NewClient allocates and initializes an RTU Client. The port is opened
// on Connect or lazily on the first Send.
func NewClient(cfg config.SerialConfig) *Client {
	client := &Client{}

	client.serialPort.Config.Address = cfg.Device
	client.serialPort.Config.BaudRate = cfg.BaudRate
	client.serialPort.Config.DataBits = cfg.DataBits
	client.serialPort.Config.StopBits = cfg.StopBits
	client.serialPort.Config.Parity = cfg.Parity
	client.serialPort.Config.RS485.Enabled = cfg.RS485
	client.serialPort.Config.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
	client.serialPort.Config.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
	client.serialPort.Config.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
	client.serialPort.Config.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
	client.serialPort.Config.RS485.RxDuringTx = cfg.RxDuringTx

	client.ResponseTimeout = cfg.Timeout
	client.IdleTimeout = serialIdleTimeout
	return client
}

// Framing identifies the envelope this master speaks.
func (mb *Client) Framing() modbus.Framing {
	return modbus.RTU
}

// Send completes adu with its checksum, transmits it and reads back one
// frame of expectedLength bytes (or of peer-determined length for
// modbus.LengthUndefined). A wait that times out after the peer sent
// only the short exception frame surfaces that frame; a wait that times
// out empty is retried once listening for the exception length, since
// an error reply is the smallest frame in the protocol.
func (mb *Client) Send(ctx context.Context, adu []byte, expectedLength int) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	frame := modbus.RTU.AppendChecksum(adu)
	data, err := mb.send(ctx, frame, expectedLength)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, modbus.ErrTimeout) && expectedLength > modbus.RTU.ExceptionLength() {
		data, err = mb.receive(modbus.RTU.ExceptionLength())
	}
	if err != nil {
		mb.recover(ctx, err)
		return nil, err
	}
	return data, nil
}

// SendRaw completes frame with its checksum, transmits it, and returns
// one reply frame read in a single gulp after the response wait.
func (mb *Client) SendRaw(ctx context.Context, frame []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	full := modbus.RTU.AppendChecksum(frame)
	if err := mb.transmit(ctx, full); err != nil {
		mb.recover(ctx, err)
		return nil, err
	}

	buf := make([]byte, modbus.RTU.MaxADULength())
	n, err := mb.ReadSome(buf, time.Now().Add(mb.responseTimeout()))
	if err != nil {
		mb.recover(ctx, err)
		return nil, err
	}
	// Allow stragglers within the inter-character window.
	for n < len(buf) {
		rn, err := mb.ReadSome(buf[n:], time.Now().Add(modbus.TimeoutEndOfFrame))
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

func (mb *Client) send(ctx context.Context, frame []byte, expectedLength int) ([]byte, error) {
	if err := mb.transmit(ctx, frame); err != nil {
		return nil, err
	}

	bytesToRead := expectedLength
	if bytesToRead == modbus.LengthUndefined {
		bytesToRead = modbus.RTU.ExceptionLength()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(mb.calculateDelay(len(frame) + bytesToRead)):
	}

	return mb.receive(expectedLength)
}

func (mb *Client) transmit(ctx context.Context, frame []byte) error {
	if err := mb.connect(ctx); err != nil {
		return err
	}
	mb.lastActivity = time.Now()
	mb.startCloseTimer()

	mb.logFrame("send to modbus slave", frame)
	_, err := mb.port.Write(frame)
	return err
}

func (mb *Client) receive(expectedLength int) ([]byte, error) {
	data, err := modbus.ReadMessage(&mb.serialPort, modbus.RTU, expectedLength, mb.responseTimeout())
	if err != nil {
		return nil, err
	}
	mb.logFrame("recv from modbus slave", data)
	return data, nil
}

func (mb *Client) responseTimeout() time.Duration {
	if mb.ResponseTimeout > 0 {
		return mb.ResponseTimeout
	}
	return modbus.TimeoutBeginOfFrame
}

// recover flushes or reopens the port after a failure. Caller must hold
// the mutex.
func (mb *Client) recover(ctx context.Context, err error) {
	if mb.Recovery == modbus.RecoverNop {
		return
	}
	switch modbus.ClassifyRecovery(err) {
	case modbus.RecoveryFlush:
		slog.Debug("flushing serial port after error", "err", err)
		mb.flush()
	case modbus.RecoveryReconnect:
		slog.Debug("reopening serial port after error", "err", err)
		mb.close()
		if cerr := mb.connect(ctx); cerr != nil {
			slog.Error("failed to reopen serial port", "device", mb.Config.Address, "err", cerr)
		}
	}
}

func (mb *Client) logFrame(msg string, frame []byte) {
	if mb.Debug {
		slog.Info(msg, "frame", hex.EncodeToString(frame))
	} else {
		slog.Debug(msg, "frame", hex.EncodeToString(frame))
	}
}

// calculateDelay calculates the needed delay to separate frames.
func (mb *Client) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int

	if mb.BaudRate <= 0 || mb.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / mb.BaudRate
		frameDelay = 35000000 / mb.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}
