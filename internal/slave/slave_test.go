// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package slave

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ffutop/modbus-engine/internal/slave/model"
	"github.com/ffutop/modbus-engine/modbus"
)

func newTestSlave(dims model.Dimensions) *Slave {
	return New(1, model.NewDataModel(dims), nil)
}

func TestHandleIgnoresOtherUnits(t *testing.T) {
	s := newTestSlave(model.Dimensions{Coils: 8})
	req := modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeReadCoils, Data: []byte{0x00, 0x00, 0x00, 0x01}}

	_, err := s.Handle(context.Background(), 2, req)
	if !errors.Is(err, modbus.ErrNoResponse) {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}

	// Broadcast is always accepted.
	if _, err := s.Handle(context.Background(), modbus.BroadcastAddress, req); err != nil {
		t.Fatalf("broadcast query failed: %v", err)
	}
}

func TestHandleReadCoilsPacksBits(t *testing.T) {
	s := newTestSlave(model.Dimensions{Coils: 16})
	pattern := []bool{true, false, true, true, false, false, true, false, true, true}
	for i, on := range pattern {
		if err := s.Model().WriteSingleCoil(uint16(i), on); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := s.Handle(context.Background(), 1, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x0A},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x02, 0x4D, 0x03}
	if !bytes.Equal(resp.Data, want) {
		t.Errorf("payload = % X, want % X", resp.Data, want)
	}
}

func TestHandleIllegalAddressException(t *testing.T) {
	s := newTestSlave(model.Dimensions{HoldingRegisters: 1})
	req := modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Data:         []byte{0x00, 0xFF, 0x00, 0x01},
	}

	resp, err := s.Handle(context.Background(), 1, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.FunctionCode != req.FunctionCode|0x80 {
		t.Errorf("function = %#02x, want %#02x", resp.FunctionCode, req.FunctionCode|0x80)
	}
	if len(resp.Data) != 1 || resp.Data[0] != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("payload = % X, want the exception code", resp.Data)
	}
	if resp.Data[0] < 0x01 || resp.Data[0] > 0x0B {
		t.Errorf("exception code %d outside the legal window", resp.Data[0])
	}
}

func TestHandleWriteSingleCoilValueCheck(t *testing.T) {
	s := newTestSlave(model.Dimensions{Coils: 8})

	// 0xFF00 switches on, echoing the request.
	req := modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteSingleCoil, Data: []byte{0x00, 0x03, 0xFF, 0x00}}
	resp, err := s.Handle(context.Background(), 1, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.FunctionCode != req.FunctionCode || !bytes.Equal(resp.Data, req.Data) {
		t.Errorf("reply %+v does not echo the request", resp)
	}
	if s.Model().Coils[3] != 1 {
		t.Error("coil 3 not set")
	}

	// Any other value is an illegal data value, and the coil stays.
	req.Data = []byte{0x00, 0x03, 0x12, 0x34}
	resp, err = s.Handle(context.Background(), 1, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.FunctionCode != req.FunctionCode|0x80 || resp.Data[0] != modbus.ExceptionCodeIllegalDataValue {
		t.Errorf("reply %+v, want illegal-data-value exception", resp)
	}
	if s.Model().Coils[3] != 1 {
		t.Error("rejected write must not modify the coil")
	}
}

func TestHandleWriteMultipleRegisters(t *testing.T) {
	s := newTestSlave(model.Dimensions{HoldingRegisters: 8})

	req := modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeWriteMultipleRegisters,
		Data:         []byte{0x00, 0x02, 0x00, 0x02, 0x04, 0x12, 0x34, 0x56, 0x78},
	}
	resp, err := s.Handle(context.Background(), 1, req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp.Data, []byte{0x00, 0x02, 0x00, 0x02}) {
		t.Errorf("confirmation = % X, want address and quantity echoed", resp.Data)
	}
	if s.Model().HoldingRegisters[2] != 0x1234 || s.Model().HoldingRegisters[3] != 0x5678 {
		t.Errorf("registers = %04X %04X", s.Model().HoldingRegisters[2], s.Model().HoldingRegisters[3])
	}

	// A byte count that disagrees with the payload is rejected.
	req.Data = []byte{0x00, 0x02, 0x00, 0x02, 0x05, 0x12, 0x34, 0x56, 0x78}
	resp, err = s.Handle(context.Background(), 1, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.FunctionCode != req.FunctionCode|0x80 || resp.Data[0] != modbus.ExceptionCodeIllegalDataValue {
		t.Errorf("reply %+v, want illegal-data-value exception", resp)
	}
}

func TestHandleUnimplementedDiagnosticsStaySilent(t *testing.T) {
	s := newTestSlave(model.Dimensions{})

	for _, fc := range []byte{modbus.FuncCodeReadExceptionStatus, modbus.FuncCodeReportSlaveID} {
		_, err := s.Handle(context.Background(), 1, modbus.ProtocolDataUnit{FunctionCode: fc})
		if !errors.Is(err, modbus.ErrNoResponse) {
			t.Errorf("function %#02x: err = %v, want ErrNoResponse", fc, err)
		}
	}
}

func TestHandleUnknownFunction(t *testing.T) {
	s := newTestSlave(model.Dimensions{})

	resp, err := s.Handle(context.Background(), 1, modbus.ProtocolDataUnit{FunctionCode: 0x16})
	if err != nil {
		t.Fatal(err)
	}
	if resp.FunctionCode != 0x96 || resp.Data[0] != modbus.ExceptionCodeIllegalFunction {
		t.Errorf("reply %+v, want illegal-function exception", resp)
	}
}

func TestHandleQuantityLimits(t *testing.T) {
	s := newTestSlave(model.Dimensions{Coils: 4096, HoldingRegisters: 4096})

	resp, err := s.Handle(context.Background(), 1, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadCoils,
		Data:         []byte{0x00, 0x00, 0x07, 0xD1}, // 2001
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Data[0] != modbus.ExceptionCodeIllegalDataValue {
		t.Errorf("coil quantity 2001: code = %d, want 3", resp.Data[0])
	}

	resp, err = s.Handle(context.Background(), 1, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Data:         []byte{0x00, 0x00, 0x00, 0x7E}, // 126
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Data[0] != modbus.ExceptionCodeIllegalDataValue {
		t.Errorf("register quantity 126: code = %d, want 3", resp.Data[0])
	}
}
