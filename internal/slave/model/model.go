// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// TableType represents the type of Modbus data table.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

// Dimensions are the caller-chosen table sizes. Addresses are zero
// based indices below the respective size.
type Dimensions struct {
	Coils            int
	DiscreteInputs   int
	HoldingRegisters int
	InputRegisters   int
}

// DataModel holds the modbus data in memory.
//
// One mutex guards all four tables: sessions sharing the model across
// accepted connections read and write it concurrently.
type DataModel struct {
	mu sync.RWMutex

	// 0x Coils (Read/Write). Stored as 1 (ON) or 0 (OFF).
	Coils []byte
	// 1x Discrete Inputs (Read Only). Stored as 1 (ON) or 0 (OFF).
	DiscreteInputs []byte
	// 4x Holding Registers (Read/Write).
	HoldingRegisters []uint16
	// 3x Input Registers (Read Only).
	InputRegisters []uint16
}

// NewDataModel creates a memory model of the given sizes, initialized
// to zero.
func NewDataModel(dims Dimensions) *DataModel {
	return &DataModel{
		Coils:            make([]byte, dims.Coils),
		DiscreteInputs:   make([]byte, dims.DiscreteInputs),
		HoldingRegisters: make([]uint16, dims.HoldingRegisters),
		InputRegisters:   make([]uint16, dims.InputRegisters),
	}
}

// Dimensions returns the table sizes of this model.
func (m *DataModel) Dimensions() Dimensions {
	return Dimensions{
		Coils:            len(m.Coils),
		DiscreteInputs:   len(m.DiscreteInputs),
		HoldingRegisters: len(m.HoldingRegisters),
		InputRegisters:   len(m.InputRegisters),
	}
}

// ReadCoils reads a range of coils and returns them as packed bytes,
// least-significant bit first, trailing bits zero.
func (m *DataModel) ReadCoils(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity, len(m.Coils)); err != nil {
		return nil, err
	}
	return packBits(m.Coils[address : int(address)+int(quantity)]), nil
}

// ReadDiscreteInputs reads a range of discrete inputs as packed bytes.
func (m *DataModel) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity, len(m.DiscreteInputs)); err != nil {
		return nil, err
	}
	return packBits(m.DiscreteInputs[address : int(address)+int(quantity)]), nil
}

// WriteSingleCoil sets or clears one coil.
func (m *DataModel) WriteSingleCoil(address uint16, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(address) >= len(m.Coils) {
		return fmt.Errorf("address out of range")
	}
	if on {
		m.Coils[address] = 1
	} else {
		m.Coils[address] = 0
	}
	return nil
}

// WriteMultipleCoils writes a range of coils from packed bytes.
func (m *DataModel) WriteMultipleCoils(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity, len(m.Coils)); err != nil {
		return err
	}

	expectedBytes := (int(quantity) + 7) / 8
	if len(data) < expectedBytes {
		return fmt.Errorf("insufficient data length")
	}

	for i := 0; i < int(quantity); i++ {
		m.Coils[int(address)+i] = (data[i/8] >> (i % 8)) & 1
	}
	return nil
}

// ReadHoldingRegisters reads a range of holding registers as big-endian
// bytes.
func (m *DataModel) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity, len(m.HoldingRegisters)); err != nil {
		return nil, err
	}
	return packWords(m.HoldingRegisters[address : int(address)+int(quantity)]), nil
}

// ReadInputRegisters reads a range of input registers as big-endian
// bytes.
func (m *DataModel) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity, len(m.InputRegisters)); err != nil {
		return nil, err
	}
	return packWords(m.InputRegisters[address : int(address)+int(quantity)]), nil
}

// WriteSingleRegister sets one holding register.
func (m *DataModel) WriteSingleRegister(address, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(address) >= len(m.HoldingRegisters) {
		return fmt.Errorf("address out of range")
	}
	m.HoldingRegisters[address] = value
	return nil
}

// WriteMultipleRegisters writes a range of holding registers from
// big-endian bytes.
func (m *DataModel) WriteMultipleRegisters(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity, len(m.HoldingRegisters)); err != nil {
		return err
	}
	if len(data) < int(quantity)*2 {
		return fmt.Errorf("insufficient data length")
	}

	for i := 0; i < int(quantity); i++ {
		m.HoldingRegisters[int(address)+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return nil
}

// SetDiscreteInput updates one read-only input; the serving side never
// writes these, the application does.
func (m *DataModel) SetDiscreteInput(address uint16, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(address) >= len(m.DiscreteInputs) {
		return fmt.Errorf("address out of range")
	}
	if on {
		m.DiscreteInputs[address] = 1
	} else {
		m.DiscreteInputs[address] = 0
	}
	return nil
}

// SetInputRegister updates one read-only register.
func (m *DataModel) SetInputRegister(address, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(address) >= len(m.InputRegisters) {
		return fmt.Errorf("address out of range")
	}
	m.InputRegisters[address] = value
	return nil
}

func packBits(src []byte) []byte {
	result := make([]byte, (len(src)+7)/8)
	for i, v := range src {
		if v != 0 {
			result[i/8] |= 1 << (i % 8)
		}
	}
	return result
}

func packWords(src []uint16) []byte {
	result := make([]byte, len(src)*2)
	for i, v := range src {
		binary.BigEndian.PutUint16(result[i*2:], v)
	}
	return result
}

func validateRange(address, quantity uint16, size int) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	if int(address)+int(quantity) > size {
		return fmt.Errorf("address range out of bounds")
	}
	return nil
}
