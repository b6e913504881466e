// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"

	"github.com/ffutop/modbus-engine/modbus/crc"
)

// Framing selects the on-wire envelope around a PDU. RTU prefixes one
// address byte and appends a CRC; TCP prefixes the 7-byte MBAP header
// and carries no checksum.
type Framing int

const (
	RTU Framing = iota
	TCP
)

// LengthUndefined marks a reply whose size only the peer knows
// (report-slave-id); the receive loop discovers it incrementally.
const LengthUndefined = -1

func (f Framing) String() string {
	if f == TCP {
		return "tcp"
	}
	return "rtu"
}

// HeaderLength is the byte count before the function code.
func (f Framing) HeaderLength() int {
	if f == TCP {
		return 7
	}
	return 1
}

// ChecksumLength is the trailing integrity-check size.
func (f Framing) ChecksumLength() int {
	if f == TCP {
		return 0
	}
	return 2
}

// MaxADULength bounds a complete frame.
func (f Framing) MaxADULength() int {
	if f == TCP {
		return 260
	}
	return 256
}

// MinADULength is the shortest deliverable frame.
func (f Framing) MinADULength() int {
	if f == TCP {
		return 8
	}
	return 4
}

// ExceptionLength is the size of an exception reply: header, function
// code, exception code, checksum.
func (f Framing) ExceptionLength() int {
	return f.HeaderLength() + 2 + f.ChecksumLength()
}

// BuildRequest writes the request prefix [header | function | address |
// quantity] into buf and returns its length. The TCP transaction id and
// length field are left zero; the transport stamps them before
// transmit. The RTU checksum is likewise appended at transmit time.
func (f Framing) BuildRequest(unitID, functionCode byte, address, quantity uint16, buf []byte) int {
	n := 0
	if f == TCP {
		// txn(2) proto(2) length(2), all stamped later
		n = 6
		for i := 0; i < n; i++ {
			buf[i] = 0
		}
	}
	buf[n] = unitID
	buf[n+1] = functionCode
	binary.BigEndian.PutUint16(buf[n+2:], address)
	binary.BigEndian.PutUint16(buf[n+4:], quantity)
	return n + 6
}

// SetLength stamps the MBAP length field (bytes following it) on a
// complete TCP frame. RTU frames carry no length field.
func (f Framing) SetLength(msg []byte) {
	if f == TCP {
		binary.BigEndian.PutUint16(msg[4:], uint16(len(msg)-6))
	}
}

// AppendChecksum completes an RTU frame with its CRC, low byte first.
// TCP frames are returned unchanged.
func (f Framing) AppendChecksum(msg []byte) []byte {
	if f != RTU {
		return msg
	}
	var c crc.CRC
	checksum := c.Reset().PushBytes(msg).Value()
	return append(msg, byte(checksum), byte(checksum>>8))
}

// ExpectedResponseLength computes the exact reply size for a just-built
// request, or LengthUndefined when only the peer knows it. The
// data-type tag widens register reads: one value occupies
// dataType.Size() bytes on the wire.
func (f Framing) ExpectedResponseLength(query []byte, dataType DataType) int {
	offset := f.HeaderLength()
	var length int
	switch query[offset] {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		quantity := int(binary.BigEndian.Uint16(query[offset+3:]))
		length = 2 + quantity/8
		if quantity%8 != 0 {
			length++
		}
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		quantity := int(binary.BigEndian.Uint16(query[offset+3:]))
		length = 2 + dataType.Size()*quantity
	case FuncCodeReadExceptionStatus:
		length = 3
	case FuncCodeReportSlaveID:
		return LengthUndefined
	default:
		length = 5
	}
	return length + offset + f.ChecksumLength()
}

// queryLengthHeader returns how far past the function code a frame of
// unknown length extends before its own length information is in:
// address+quantity for reads and single writes, plus the byte-count
// byte for multiple writes, the byte-count byte alone for
// report-slave-id.
func (f Framing) queryLengthHeader(functionCode byte) int {
	switch functionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		return 4
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return 5
	case FuncCodeReportSlaveID:
		return 1
	default:
		return 0
	}
}

// queryLengthData returns the final extension of a frame of unknown
// length once the embedded byte count is readable, checksum included.
func (f Framing) queryLengthData(msg []byte) int {
	offset := f.HeaderLength()
	var length int
	switch msg[offset] {
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		length = int(msg[offset+5])
	case FuncCodeReportSlaveID:
		length = int(msg[offset+1])
	}
	return length + f.ChecksumLength()
}
