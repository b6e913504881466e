// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/crc"
)

// ApplicationDataUnit is a PDU in its RTU envelope.
type ApplicationDataUnit struct {
	UnitID byte
	Pdu    modbus.ProtocolDataUnit
}

// Decode parses and checksum-verifies a raw RTU frame.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	if length < modbus.RTU.MinADULength() {
		err = fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v': %w", length, modbus.RTU.MinADULength(), modbus.ErrInvalidData)
		return
	}

	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if checksum != c.Value() {
		err = fmt.Errorf("modbus: frame crc '%v' does not match expected '%v': %w", checksum, c.Value(), modbus.ErrInvalidCRC)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.UnitID = raw[0]
	adu.Pdu.FunctionCode = raw[1]
	adu.Pdu.Data = raw[2 : length-2]
	return
}

// Encode encodes a PDU in an RTU frame:
//
//	Unit Address    : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > modbus.RTU.MaxADULength() {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v': %w", length, modbus.RTU.MaxADULength(), modbus.ErrInvalidData)
		return
	}
	raw = make([]byte, length)

	raw[0] = adu.UnitID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := c.Value()

	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return
}

// Verify checks a reply against its request: the answering unit must be
// the addressed one.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	if req.UnitID != resp.UnitID {
		err = fmt.Errorf("modbus: response unit id '%v' does not match request '%v': %w", resp.UnitID, req.UnitID, modbus.ErrInvalidData)
		return
	}
	return
}
