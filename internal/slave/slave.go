// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package slave implements the serving side of the protocol: queries
// are matched against the configured unit id, dispatched by function
// code over a DataModel, and answered with a response or an exception
// frame.
package slave

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/ffutop/modbus-engine/internal/slave/model"
	"github.com/ffutop/modbus-engine/internal/slave/persistence"
	"github.com/ffutop/modbus-engine/modbus"
)

// Slave executes Modbus function codes against a data model.
type Slave struct {
	unitID  byte
	model   *model.DataModel
	storage persistence.Storage
}

// New creates a Slave answering for unitID. storage may be nil for a
// purely in-memory model.
func New(unitID byte, m *model.DataModel, storage persistence.Storage) *Slave {
	return &Slave{unitID: unitID, model: m, storage: storage}
}

// SetUnitID changes the address this slave answers for.
func (s *Slave) SetUnitID(unitID byte) {
	s.unitID = unitID
}

// Model returns the underlying data model.
func (s *Slave) Model() *model.DataModel {
	return s.model
}

// Handle is the transport.RequestHandler of this slave. Queries not
// addressed to the configured unit (or broadcast) are dropped
// silently; unimplemented diagnostics are logged and dropped.
func (s *Slave) Handle(ctx context.Context, unitID byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if unitID != s.unitID && unitID != modbus.BroadcastAddress {
		slog.Debug("query for other unit ignored", "unit", unitID, "configured", s.unitID)
		return modbus.ProtocolDataUnit{}, modbus.ErrNoResponse
	}

	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return s.handleReadBits(req, model.TableCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		return s.handleReadBits(req, model.TableDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return s.handleReadRegisters(req, model.TableHoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return s.handleReadRegisters(req, model.TableInputRegisters)
	case modbus.FuncCodeWriteSingleCoil:
		return s.handleWriteSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return s.handleWriteSingleRegister(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return s.handleWriteMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.handleWriteMultipleRegisters(req)
	case modbus.FuncCodeReadExceptionStatus, modbus.FuncCodeReportSlaveID:
		slog.Info("function not implemented, staying silent", "function", req.FunctionCode)
		return modbus.ProtocolDataUnit{}, modbus.ErrNoResponse
	default:
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
}

func (s *Slave) handleReadBits(req modbus.ProtocolDataUnit, table model.TableType) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxBits {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	var data []byte
	var err error
	if table == model.TableCoils {
		data, err = s.model.ReadCoils(address, quantity)
	} else {
		data, err = s.model.ReadDiscreteInputs(address, quantity)
	}
	if err != nil {
		slog.Debug("illegal data address in bit read", "function", req.FunctionCode, "address", address, "quantity", quantity)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)

	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: respData}, nil
}

func (s *Slave) handleReadRegisters(req modbus.ProtocolDataUnit, table model.TableType) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxRegisters {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	var data []byte
	var err error
	if table == model.TableHoldingRegisters {
		data, err = s.model.ReadHoldingRegisters(address, quantity)
	} else {
		data, err = s.model.ReadInputRegisters(address, quantity)
	}
	if err != nil {
		slog.Debug("illegal data address in register read", "function", req.FunctionCode, "address", address, "quantity", quantity)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)

	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: respData}, nil
}

func (s *Slave) handleWriteSingleCoil(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if value != modbus.CoilValueOn && value != modbus.CoilValueOff {
		slog.Debug("illegal coil value", "address", address, "value", value)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	if err := s.model.WriteSingleCoil(address, value == modbus.CoilValueOn); err != nil {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}
	s.onWrite(model.TableCoils, address, 1)

	return req, nil // Echo request
}

func (s *Slave) handleWriteSingleRegister(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := s.model.WriteSingleRegister(address, value); err != nil {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}
	s.onWrite(model.TableHoldingRegisters, address, 1)

	return req, nil // Echo request
}

func (s *Slave) handleWriteMultipleCoils(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) < 6 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > modbus.MaxBits {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	if byte(len(req.Data)-5) != byteCount {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	if err := s.model.WriteMultipleCoils(address, quantity, req.Data[5:]); err != nil {
		slog.Debug("illegal data address in coil write", "address", address, "quantity", quantity)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}
	s.onWrite(model.TableCoils, address, quantity)

	return writeConfirmation(req.FunctionCode, address, quantity), nil
}

func (s *Slave) handleWriteMultipleRegisters(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) < 6 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > modbus.MaxRegisters {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	if byte(len(req.Data)-5) != byteCount {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	if err := s.model.WriteMultipleRegisters(address, quantity, req.Data[5:]); err != nil {
		slog.Debug("illegal data address in register write", "address", address, "quantity", quantity)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}
	s.onWrite(model.TableHoldingRegisters, address, quantity)

	return writeConfirmation(req.FunctionCode, address, quantity), nil
}

func writeConfirmation(functionCode byte, address, quantity uint16) modbus.ProtocolDataUnit {
	respData := make([]byte, 4)
	binary.BigEndian.PutUint16(respData[0:2], address)
	binary.BigEndian.PutUint16(respData[2:4], quantity)
	return modbus.ProtocolDataUnit{FunctionCode: functionCode, Data: respData}
}

func (s *Slave) onWrite(table model.TableType, address, quantity uint16) {
	if s.storage != nil {
		s.storage.OnWrite(table, address, quantity)
	}
}

func (s *Slave) exception(functionCode, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{
		FunctionCode: functionCode | 0x80,
		Data:         []byte{code},
	}
}
