// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-engine/modbus"
)

const (
	serialIdleTimeout = 60 * time.Second

	// pollInterval is the device-level read timeout; frame timeouts are
	// enforced on top of it by ReadSome.
	pollInterval = 20 * time.Millisecond
)

// serialPort has configuration and I/O controller.
type serialPort struct {
	// Serial port configuration.
	serial.Config

	IdleTimeout time.Duration

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer
}

func (sp *serialPort) Connect(ctx context.Context) (err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.connect(ctx)
}

// connect opens the serial port if it is not open. Caller must hold the mutex.
func (sp *serialPort) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if sp.port == nil {
		sp.Config.Timeout = pollInterval
		port, err := serial.Open(&sp.Config)
		if err != nil {
			return fmt.Errorf("could not open %s: %w", sp.Config.Address, err)
		}
		sp.port = port
	}
	return nil
}

func (sp *serialPort) Close() (err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.close()
}

// close closes the serial port if it is open. Caller must hold the mutex.
func (sp *serialPort) close() (err error) {
	if sp.port != nil {
		err = sp.port.Close()
		sp.port = nil
	}
	return
}

// ReadSome reads at least one byte, waiting no longer than deadline.
// The device itself is opened with a short poll timeout; the frame
// timeouts are enforced here.
func (sp *serialPort) ReadSome(p []byte, deadline time.Time) (int, error) {
	for {
		port := sp.port
		if port == nil {
			return 0, modbus.ErrConnectionClosed
		}
		n, err := port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			if errors.Is(err, io.EOF) {
				return 0, modbus.ErrConnectionClosed
			}
			return 0, fmt.Errorf("serial read failed: %w", err)
		}
		if !time.Now().Before(deadline) {
			return 0, modbus.ErrTimeout
		}
	}
}

// flush drains whatever is queued on the device. Caller must hold the
// mutex.
func (sp *serialPort) flush() {
	if sp.port == nil {
		return
	}
	var devnull [256]byte
	for {
		n, err := sp.port.Read(devnull[:])
		if n > 0 {
			slog.Debug("flushed stale bytes", "count", n)
		}
		if n == 0 || err != nil {
			return
		}
	}
}

func (sp *serialPort) startCloseTimer() {
	if sp.IdleTimeout <= 0 {
		return
	}
	if sp.closeTimer == nil {
		sp.closeTimer = time.AfterFunc(sp.IdleTimeout, sp.closeIdle)
	} else {
		sp.closeTimer.Reset(sp.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (sp *serialPort) closeIdle() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.IdleTimeout <= 0 {
		return
	}

	if idle := time.Since(sp.lastActivity); idle >= sp.IdleTimeout {
		slog.Debug("closing serial port due to idle timeout", "idle", idle)
		sp.close()
	}
}
