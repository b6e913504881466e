// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/ffutop/modbus-engine/internal/slave/model"
)

// File-backed storage layout: a fixed header recording the table
// dimensions, then the four tables back to back. A file whose header
// disagrees with the configured dimensions is reinitialized.
const (
	layoutMagic   = 0x4D424447 // "MBDG"
	layoutVersion = 1

	headerSize = 6 * 4 // magic, version, four dimensions
)

type layout struct {
	dims model.Dimensions
}

func newLayout(dims model.Dimensions) layout {
	return layout{dims: dims}
}

func (l layout) totalSize() int {
	return headerSize + l.dims.Coils + l.dims.DiscreteInputs +
		2*l.dims.HoldingRegisters + 2*l.dims.InputRegisters
}

func (l layout) writeHeader(data []byte) {
	binary.LittleEndian.PutUint32(data[0:], layoutMagic)
	binary.LittleEndian.PutUint32(data[4:], layoutVersion)
	binary.LittleEndian.PutUint32(data[8:], uint32(l.dims.Coils))
	binary.LittleEndian.PutUint32(data[12:], uint32(l.dims.DiscreteInputs))
	binary.LittleEndian.PutUint32(data[16:], uint32(l.dims.HoldingRegisters))
	binary.LittleEndian.PutUint32(data[20:], uint32(l.dims.InputRegisters))
}

func (l layout) checkHeader(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data of %d bytes has no header", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:]) != layoutMagic ||
		binary.LittleEndian.Uint32(data[4:]) != layoutVersion {
		return fmt.Errorf("unrecognized storage header")
	}
	got := model.Dimensions{
		Coils:            int(binary.LittleEndian.Uint32(data[8:])),
		DiscreteInputs:   int(binary.LittleEndian.Uint32(data[12:])),
		HoldingRegisters: int(binary.LittleEndian.Uint32(data[16:])),
		InputRegisters:   int(binary.LittleEndian.Uint32(data[20:])),
	}
	if got != l.dims {
		return fmt.Errorf("stored dimensions %+v do not match configured %+v", got, l.dims)
	}
	return nil
}

// mapBytesToModel constructs a DataModel backed by the provided data
// slice. The register tables are reinterpreted as uint16 slices with
// unsafe pointers: zero-copy, at the price of host endianness in the
// stored bytes.
func (l layout) mapBytesToModel(data []byte) *model.DataModel {
	m := &model.DataModel{}

	offset := headerSize
	m.Coils = data[offset : offset+l.dims.Coils]
	offset += l.dims.Coils

	m.DiscreteInputs = data[offset : offset+l.dims.DiscreteInputs]
	offset += l.dims.DiscreteInputs

	if l.dims.HoldingRegisters > 0 {
		holdingBytes := data[offset : offset+2*l.dims.HoldingRegisters]
		m.HoldingRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&holdingBytes[0])), l.dims.HoldingRegisters)
	}
	offset += 2 * l.dims.HoldingRegisters

	if l.dims.InputRegisters > 0 {
		inputBytes := data[offset : offset+2*l.dims.InputRegisters]
		m.InputRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&inputBytes[0])), l.dims.InputRegisters)
	}

	return m
}
