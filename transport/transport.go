// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"

	"github.com/ffutop/modbus-engine/modbus"
)

// RequestHandler handles one Modbus query. unitID is the address byte
// of the query; a handler that is not addressed (or that implements no
// response for the function) returns modbus.ErrNoResponse and the
// server stays silent.
type RequestHandler func(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Upstream is a source of queries: a server waiting for an external
// master.
type Upstream interface {
	// Start serves queries until ctx is canceled. It blocks; run it in
	// a goroutine.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// Master is the request side of a session. Send transmits an ADU built
// with the master's framing — transaction id, length field and
// checksum are stamped by the implementation — and returns the raw,
// integrity-checked reply. expectedLength is the reply size computed
// from the request, or modbus.LengthUndefined.
//
// SendRaw ships a caller-supplied [unit | function | payload] frame and
// returns whatever single frame comes back, for probing tools that
// speak bytes rather than operations.
//
// Recover applies the session's recovery mode to a failure detected
// above the transport (reply validation, exception parsing).
type Master interface {
	Framing() modbus.Framing
	Send(ctx context.Context, adu []byte, expectedLength int) ([]byte, error)
	SendRaw(ctx context.Context, frame []byte) ([]byte, error)
	Recover(ctx context.Context, err error)
	Connect(ctx context.Context) error
	Close() error
}
