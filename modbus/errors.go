// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the framing and transport layers. Callers
// match with errors.Is; the transports consult RecoveryAction to decide
// whether a failure warrants a flush or a reconnect.
var (
	// ErrInvalidData marks a frame or reply whose structure contradicts
	// the request: bad declared length, quantity mismatch, oversized ADU.
	ErrInvalidData = errors.New("modbus: invalid data")

	// ErrInvalidCRC marks an RTU frame whose checksum does not match.
	ErrInvalidCRC = errors.New("modbus: invalid crc")

	// ErrInvalidExceptionCode marks an exception reply carrying a code
	// outside 0x01..0x0B.
	ErrInvalidExceptionCode = errors.New("modbus: invalid exception code")

	// ErrTimeout is returned when no frame (or no further byte of a
	// frame) arrives in time.
	ErrTimeout = errors.New("modbus: timed out waiting for data")

	// ErrConnectionClosed is returned when the peer closes mid-frame.
	ErrConnectionClosed = errors.New("modbus: connection closed")

	// ErrNoResponse tells a server loop to stay silent: the query was
	// not addressed to this unit, or names an unimplemented function.
	ErrNoResponse = errors.New("modbus: no response")
)

const unknownExceptionMsg = "Not defined in modbus specification"

var exceptionMessages = [...]string{
	0x00: unknownExceptionMsg,
	0x01: "Illegal function code",
	0x02: "Illegal data address",
	0x03: "Illegal data value",
	0x04: "Slave device or server failure",
	0x05: "Acknowledge",
	0x06: "Slave device or server busy",
	0x07: "Negative acknowledge",
	0x08: "Memory parity error",
	0x09: unknownExceptionMsg,
	0x0A: "Gateway path unavailable",
	0x0B: "Target device failed to respond",
}

// ExceptionError is a well-formed exception reply from the peer.
type ExceptionError struct {
	FunctionCode  byte // original function code, high bit cleared
	ExceptionCode byte // 0x01..0x0B
}

func (e *ExceptionError) Error() string {
	msg := unknownExceptionMsg
	if int(e.ExceptionCode) < len(exceptionMessages) {
		msg = exceptionMessages[e.ExceptionCode]
	}
	return fmt.Sprintf("modbus: exception %d on function 0x%02X: %s", e.ExceptionCode, e.FunctionCode, msg)
}

// RecoveryMode selects what a transport does after a failed exchange.
type RecoveryMode int

const (
	// RecoverFlushOrReconnect flushes the transport on data errors and
	// closes/reopens it on I/O errors.
	RecoverFlushOrReconnect RecoveryMode = iota
	// RecoverNop leaves the transport untouched.
	RecoverNop
)

// RecoveryAction is the side effect RecoverFlushOrReconnect applies for
// a given error.
type RecoveryAction int

const (
	RecoveryNone RecoveryAction = iota
	RecoveryFlush
	RecoveryReconnect
)

// ClassifyRecovery maps an exchange error to its recovery action.
// Exception replies and timeouts leave the transport alone; data-level
// corruption is flushed; anything else is treated as a broken
// connection.
func ClassifyRecovery(err error) RecoveryAction {
	var exc *ExceptionError
	switch {
	case err == nil, errors.Is(err, ErrTimeout), errors.Is(err, ErrNoResponse), errors.As(err, &exc):
		return RecoveryNone
	case errors.Is(err, ErrInvalidData), errors.Is(err, ErrInvalidCRC), errors.Is(err, ErrInvalidExceptionCode):
		return RecoveryFlush
	default:
		return RecoveryReconnect
	}
}
