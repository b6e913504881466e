// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-engine/modbus"
)

// Client exposes the Modbus function codes as typed operations on top
// of a Master. Each operation builds the request, bounds-checks it
// before any I/O, transmits it, and cross-validates the reply against
// the request before decoding.
//
// Operations on one Client are serialized by the underlying Master; a
// reply (or an error) completes each exchange before the next starts.
type Client struct {
	master Master
	unitID byte
}

// NewClient wraps a Master for the given slave address.
func NewClient(master Master, unitID byte) *Client {
	return &Client{master: master, unitID: unitID}
}

// SetUnitID retargets subsequent operations.
func (c *Client) SetUnitID(unitID byte) {
	c.unitID = unitID
}

// UnitID returns the current slave address.
func (c *Client) UnitID() byte {
	return c.unitID
}

// ReadCoils reads quantity coil states starting at address.
func (c *Client) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, modbus.FuncCodeReadCoils, address, quantity)
}

// ReadDiscreteInputs reads quantity input states starting at address.
func (c *Client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, modbus.FuncCodeReadDiscreteInputs, address, quantity)
}

func (c *Client) readBits(ctx context.Context, functionCode byte, address, quantity uint16) ([]bool, error) {
	if quantity == 0 || quantity > modbus.MaxBits {
		return nil, fmt.Errorf("modbus: quantity %d out of range 1..%d: %w", quantity, modbus.MaxBits, modbus.ErrInvalidData)
	}
	resp, err := c.roundTrip(ctx, functionCode, address, quantity, nil, modbus.Uint16, 0)
	if err != nil {
		return nil, err
	}

	offset := c.master.Framing().HeaderLength()
	byteCount := (int(quantity) + 7) / 8
	if err := c.checkPayload(resp, 1+byteCount); err != nil {
		return nil, err
	}
	if int(resp[offset+1]) != byteCount {
		return nil, c.invalid(ctx, "byte count %d does not correspond to the query (%d)", resp[offset+1], byteCount)
	}

	values := make([]bool, quantity)
	for i := range values {
		values[i] = resp[offset+2+i/8]&(1<<(i%8)) != 0
	}
	return values, nil
}

// ReadHoldingRegisters reads quantity values of the given type starting
// at address. Each value is returned as its raw bit pattern,
// sign-extended for the signed types.
func (c *Client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16, dataType modbus.DataType) ([]uint64, error) {
	return c.readValues(ctx, modbus.FuncCodeReadHoldingRegisters, address, quantity, dataType)
}

// ReadInputRegisters reads quantity values of the given type starting
// at address.
func (c *Client) ReadInputRegisters(ctx context.Context, address, quantity uint16, dataType modbus.DataType) ([]uint64, error) {
	return c.readValues(ctx, modbus.FuncCodeReadInputRegisters, address, quantity, dataType)
}

func (c *Client) readValues(ctx context.Context, functionCode byte, address, quantity uint16, dataType modbus.DataType) ([]uint64, error) {
	if quantity == 0 || quantity > modbus.MaxRegisters {
		return nil, fmt.Errorf("modbus: quantity %d out of range 1..%d: %w", quantity, modbus.MaxRegisters, modbus.ErrInvalidData)
	}
	resp, err := c.roundTrip(ctx, functionCode, address, quantity, nil, dataType, 0)
	if err != nil {
		return nil, err
	}

	offset := c.master.Framing().HeaderLength()
	if err := c.checkPayload(resp, 1); err != nil {
		return nil, err
	}
	byteCount := int(resp[offset+1])
	if err := c.checkPayload(resp, 1+byteCount); err != nil {
		return nil, err
	}
	if byteCount%dataType.Size() != 0 || byteCount/dataType.Size() != int(quantity) {
		return nil, c.invalid(ctx, "byte count %d does not correspond to the query (%d values of %v)", byteCount, quantity, dataType)
	}

	return modbus.DecodeValues(resp[offset+2:offset+2+byteCount], dataType)
}

// WriteSingleCoil forces the coil at address on or off. The slave
// echoes the request; anything else fails the exchange.
func (c *Client) WriteSingleCoil(ctx context.Context, address uint16, on bool) error {
	value := modbus.CoilValueOff
	if on {
		value = modbus.CoilValueOn
	}
	return c.writeSingle(ctx, modbus.FuncCodeWriteSingleCoil, address, value)
}

// WriteSingleRegister sets the holding register at address.
func (c *Client) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	return c.writeSingle(ctx, modbus.FuncCodeWriteSingleRegister, address, value)
}

func (c *Client) writeSingle(ctx context.Context, functionCode byte, address, value uint16) error {
	resp, err := c.roundTrip(ctx, functionCode, address, value, nil, modbus.Uint16, 0)
	if err != nil {
		return err
	}

	offset := c.master.Framing().HeaderLength()
	if err := c.checkPayload(resp, 4); err != nil {
		return err
	}
	var echo [4]byte
	binary.BigEndian.PutUint16(echo[0:], address)
	binary.BigEndian.PutUint16(echo[2:], value)
	for i, b := range echo {
		if resp[offset+1+i] != b {
			return c.invalid(ctx, "reply does not echo the query at byte %d", i)
		}
	}
	return nil
}

// WriteMultipleCoils writes the given states starting at address and
// returns the count the slave confirmed.
func (c *Client) WriteMultipleCoils(ctx context.Context, address uint16, values []bool) (int, error) {
	quantity := len(values)
	if quantity == 0 || quantity > modbus.MaxBits {
		return 0, fmt.Errorf("modbus: writing %d coils exceeds range 1..%d: %w", quantity, modbus.MaxBits, modbus.ErrInvalidData)
	}

	byteCount := (quantity + 7) / 8
	extra := make([]byte, 1+byteCount)
	extra[0] = byte(byteCount)
	for i, on := range values {
		if on {
			extra[1+i/8] |= 1 << (i % 8)
		}
	}

	return c.writeMultiple(ctx, modbus.FuncCodeWriteMultipleCoils, address, uint16(quantity), extra)
}

// WriteMultipleRegisters writes the given words starting at address and
// returns the count the slave confirmed.
func (c *Client) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) (int, error) {
	quantity := len(values)
	if quantity == 0 || quantity > modbus.MaxRegisters {
		return 0, fmt.Errorf("modbus: writing %d registers exceeds range 1..%d: %w", quantity, modbus.MaxRegisters, modbus.ErrInvalidData)
	}

	extra := make([]byte, 1+2*quantity)
	extra[0] = byte(2 * quantity)
	for i, v := range values {
		binary.BigEndian.PutUint16(extra[1+2*i:], v)
	}

	return c.writeMultiple(ctx, modbus.FuncCodeWriteMultipleRegisters, address, uint16(quantity), extra)
}

func (c *Client) writeMultiple(ctx context.Context, functionCode byte, address, quantity uint16, extra []byte) (int, error) {
	resp, err := c.roundTrip(ctx, functionCode, address, quantity, extra, modbus.Uint16, 0)
	if err != nil {
		return 0, err
	}

	offset := c.master.Framing().HeaderLength()
	if err := c.checkPayload(resp, 4); err != nil {
		return 0, err
	}
	respAddress := binary.BigEndian.Uint16(resp[offset+1:])
	respQuantity := binary.BigEndian.Uint16(resp[offset+3:])
	if respAddress != address || respQuantity != quantity {
		return 0, c.invalid(ctx, "confirmed range %d+%d does not correspond to the query (%d+%d)", respAddress, respQuantity, address, quantity)
	}
	return int(respQuantity), nil
}

// ReadExceptionStatus reads the slave's eight exception-status outputs
// as one byte.
func (c *Client) ReadExceptionStatus(ctx context.Context) (byte, error) {
	resp, err := c.roundTrip(ctx, modbus.FuncCodeReadExceptionStatus, 0, 0, nil, modbus.Uint16, 4)
	if err != nil {
		return 0, err
	}
	offset := c.master.Framing().HeaderLength()
	if err := c.checkPayload(resp, 1); err != nil {
		return 0, err
	}
	return resp[offset+1], nil
}

// ReportSlaveID returns the device-specific identification body: slave
// id, run indicator and additional data, exactly as sent.
func (c *Client) ReportSlaveID(ctx context.Context) ([]byte, error) {
	resp, err := c.roundTrip(ctx, modbus.FuncCodeReportSlaveID, 0, 0, nil, modbus.Uint16, 4)
	if err != nil {
		return nil, err
	}
	f := c.master.Framing()
	offset := f.HeaderLength()
	if err := c.checkPayload(resp, 1); err != nil {
		return nil, err
	}
	byteCount := int(resp[offset+1])
	if err := c.checkPayload(resp, 1+byteCount); err != nil {
		return nil, err
	}
	return resp[offset+2 : offset+2+byteCount], nil
}

// roundTrip builds [header | functionCode | address | quantity | extra],
// trims trim bytes off the fixed part (the two function codes that
// carry no address), transmits and validates the reply's function code,
// surfacing exception replies as ExceptionError.
func (c *Client) roundTrip(ctx context.Context, functionCode byte, address, quantity uint16, extra []byte, dataType modbus.DataType, trim int) ([]byte, error) {
	f := c.master.Framing()
	buf := make([]byte, f.MaxADULength())
	n := f.BuildRequest(c.unitID, functionCode, address, quantity, buf)
	n -= trim
	n += copy(buf[n:], extra)
	query := buf[:n]

	resp, err := c.master.Send(ctx, query, f.ExpectedResponseLength(query, dataType))
	if err != nil {
		return nil, err
	}

	offset := f.HeaderLength()
	if len(resp) < offset+2 {
		return nil, c.invalid(ctx, "reply of %d bytes is too short", len(resp))
	}
	switch resp[offset] {
	case functionCode:
		return resp, nil
	case functionCode | 0x80:
		code := resp[offset+1]
		if code < modbus.ExceptionCodeIllegalFunction || code > modbus.ExceptionCodeGatewayTargetFailed {
			err := fmt.Errorf("modbus: exception code %d out of range: %w", code, modbus.ErrInvalidExceptionCode)
			c.master.Recover(ctx, err)
			return nil, err
		}
		return nil, &modbus.ExceptionError{FunctionCode: functionCode, ExceptionCode: code}
	default:
		return nil, c.invalid(ctx, "reply function 0x%02X does not correspond to the query (0x%02X)", resp[offset], functionCode)
	}
}

// checkPayload requires n bytes after the function code, before the
// checksum.
func (c *Client) checkPayload(resp []byte, n int) error {
	f := c.master.Framing()
	if len(resp)-f.HeaderLength()-1-f.ChecksumLength() < n {
		return fmt.Errorf("modbus: reply of %d bytes is too short for a %d byte payload: %w", len(resp), n, modbus.ErrInvalidData)
	}
	return nil
}

// invalid reports a cross-validation failure and lets the master apply
// its recovery mode, as a data-level error.
func (c *Client) invalid(ctx context.Context, format string, args ...any) error {
	err := fmt.Errorf("modbus: "+format+": %w", append(args, modbus.ErrInvalidData)...)
	c.master.Recover(ctx, err)
	return err
}
