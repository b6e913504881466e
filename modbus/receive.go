// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ffutop/modbus-engine/modbus/crc"
)

// Port is the byte stream the receive loop reads from. ReadSome
// returns at least one byte or fails: ErrTimeout once the deadline
// passes without data, ErrConnectionClosed when the peer is gone.
// Implementations retry interrupted waits themselves.
type Port interface {
	ReadSome(p []byte, deadline time.Time) (int, error)
}

// Frame-silence timeouts, process-wide. TimeoutEndOfFrame bounds the
// gap between consecutive bytes of one frame; a longer silence marks
// the frame boundary.
const (
	TimeoutBeginOfFrame = 500 * time.Millisecond
	TimeoutEndOfFrame   = 50 * time.Millisecond
)

// queryWait is how long a server listens for the start of a query
// before giving up on the current attempt.
const queryWait = 5 * time.Second

const (
	stateFunction = iota
	stateByteCount
	stateComplete
)

// ReadMessage assembles one frame from port.
//
// With a finite expected length (a master awaiting a reply) it waits up
// to wait for the first byte, then up to TimeoutEndOfFrame between
// reads. A timeout that strikes when exactly an exception reply's worth
// of bytes has arrived finalizes that short frame instead of failing:
// the slave answered an error with the smallest frame the protocol has.
//
// With LengthUndefined (a server awaiting a query, or a reply whose
// size only the peer knows) the expected length starts at header plus
// function code and is extended twice: first from the function code,
// then from the embedded byte count. A frame that would outgrow the
// transport's maximum ADU fails with ErrInvalidData.
//
// The returned frame has passed its integrity check: CRC for RTU, the
// declared MBAP length for TCP.
func ReadMessage(port Port, f Framing, expected int, wait time.Duration) ([]byte, error) {
	state := stateComplete
	if expected == LengthUndefined {
		state = stateFunction
		expected = f.HeaderLength() + 1
		wait = queryWait
	}

	msg := make([]byte, f.MaxADULength())
	n := 0
	deadline := time.Now().Add(wait)

	for {
		rn, err := port.ReadSome(msg[n:expected], deadline)
		if err != nil {
			if errors.Is(err, ErrTimeout) && n == f.ExceptionLength() {
				// The peer sent the short exception frame while a
				// longer reply was expected.
				return finalize(msg[:n], f)
			}
			return nil, err
		}
		n += rn

		for n == expected && state != stateComplete {
			switch state {
			case stateFunction:
				expected += f.queryLengthHeader(msg[f.HeaderLength()])
				state = stateByteCount
			case stateByteCount:
				expected += f.queryLengthData(msg)
				state = stateComplete
			}
			if expected > f.MaxADULength() {
				return nil, fmt.Errorf("modbus: frame of %d bytes exceeds maximum of %d: %w", expected, f.MaxADULength(), ErrInvalidData)
			}
		}
		if n == expected {
			return finalize(msg[:n], f)
		}
		deadline = time.Now().Add(TimeoutEndOfFrame)
	}
}

// finalize enforces transport-level integrity before a frame is
// delivered.
func finalize(msg []byte, f Framing) ([]byte, error) {
	if len(msg) < f.MinADULength() {
		return nil, fmt.Errorf("modbus: frame of %d bytes is shorter than minimum %d: %w", len(msg), f.MinADULength(), ErrInvalidData)
	}
	switch f {
	case RTU:
		var c crc.CRC
		computed := c.Reset().PushBytes(msg[:len(msg)-2]).Value()
		received := uint16(msg[len(msg)-1])<<8 | uint16(msg[len(msg)-2])
		if computed != received {
			return nil, fmt.Errorf("modbus: checksum 0x%04X does not match expected 0x%04X: %w", received, computed, ErrInvalidCRC)
		}
	case TCP:
		declared := int(binary.BigEndian.Uint16(msg[4:]))
		if declared+6 != len(msg) {
			return nil, fmt.Errorf("modbus: declared length %d does not match frame of %d bytes: %w", declared, len(msg), ErrInvalidData)
		}
	}
	return msg, nil
}
