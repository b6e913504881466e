// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"fmt"

	"github.com/ffutop/modbus-engine/modbus"
)

// ApplicationDataUnit is a PDU in its MBAP envelope.
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        byte
	Pdu           modbus.ProtocolDataUnit
}

// Decode parses a raw MBAP frame.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < modbus.TCP.MinADULength() {
		err = fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v': %w", len(raw), modbus.TCP.MinADULength(), modbus.ErrInvalidData)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.TransactionID = uint16(raw[0])<<8 | uint16(raw[1])
	adu.ProtocolID = uint16(raw[2])<<8 | uint16(raw[3])
	adu.Length = uint16(raw[4])<<8 | uint16(raw[5])
	adu.UnitID = raw[6]
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]
	return
}

// Encode serializes the ADU; the length field is derived from the PDU.
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 8
	if length > modbus.TCP.MaxADULength() {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v': %w", length, modbus.TCP.MaxADULength(), modbus.ErrInvalidData)
		return
	}
	raw = make([]byte, length)

	raw[0] = byte(adu.TransactionID >> 8)
	raw[1] = byte(adu.TransactionID >> 0)
	raw[2] = byte(adu.ProtocolID >> 8)
	raw[3] = byte(adu.ProtocolID >> 0)
	raw[4] = byte(adu.Length >> 8)
	raw[5] = byte(adu.Length >> 0)
	raw[6] = adu.UnitID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)

	return
}

// Verify checks a reply against its request: a stale transaction id is
// indistinguishable from corruption and rejected.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	if resp.TransactionID != req.TransactionID {
		err = fmt.Errorf("modbus: response transaction id '%v' does not match request '%v': %w", resp.TransactionID, req.TransactionID, modbus.ErrInvalidData)
		return
	}
	return
}
