// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package persistence

import (
	"path/filepath"
	"testing"

	"github.com/ffutop/modbus-engine/internal/slave/model"
)

var testDims = model.Dimensions{
	Coils:            64,
	DiscreteInputs:   64,
	HoldingRegisters: 32,
	InputRegisters:   32,
}

func TestMemoryStorage(t *testing.T) {
	ms := NewMemoryStorage(testDims)
	m, err := ms.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Dimensions() != testDims {
		t.Errorf("dimensions = %+v, want %+v", m.Dimensions(), testDims)
	}
	if err := ms.Save(m); err != nil {
		t.Fatal(err)
	}
	if err := ms.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFileStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slave.dat")

	st := NewFileStorage(path, testDims)
	m, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}

	if err := m.WriteSingleRegister(3, 0x1234); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteSingleCoil(10, true); err != nil {
		t.Fatal(err)
	}
	st.OnWrite(model.TableHoldingRegisters, 3, 1)
	st.OnWrite(model.TableCoils, 10, 1)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st = NewFileStorage(path, testDims)
	m, err = st.Load()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if m.HoldingRegisters[3] != 0x1234 {
		t.Errorf("holding register 3 = %#04x, want 0x1234", m.HoldingRegisters[3])
	}
	if m.Coils[10] != 1 {
		t.Error("coil 10 not restored")
	}
}

func TestFileStorageReinitializesOnDimensionChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slave.dat")

	st := NewFileStorage(path, testDims)
	m, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}
	m.WriteSingleRegister(0, 0xAAAA)
	st.OnWrite(model.TableHoldingRegisters, 0, 1)
	st.Close()

	grown := testDims
	grown.HoldingRegisters *= 2
	st = NewFileStorage(path, grown)
	m, err = st.Load()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if m.Dimensions() != grown {
		t.Errorf("dimensions = %+v, want %+v", m.Dimensions(), grown)
	}
	if m.HoldingRegisters[0] != 0 {
		t.Error("resized storage must start zeroed")
	}
}

func TestMmapStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slave.mmap")

	st := NewMmapStorage(path, testDims)
	m, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}

	if err := m.WriteSingleRegister(7, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	st.OnWrite(model.TableHoldingRegisters, 7, 1)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st = NewMmapStorage(path, testDims)
	m, err = st.Load()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if m.HoldingRegisters[7] != 0xBEEF {
		t.Errorf("holding register 7 = %#04x, want 0xBEEF", m.HoldingRegisters[7])
	}
}

func TestLayoutSizes(t *testing.T) {
	l := newLayout(testDims)
	want := headerSize + 64 + 64 + 2*32 + 2*32
	if l.totalSize() != want {
		t.Errorf("totalSize = %d, want %d", l.totalSize(), want)
	}

	data := make([]byte, l.totalSize())
	l.writeHeader(data)
	if err := l.checkHeader(data); err != nil {
		t.Errorf("checkHeader after writeHeader: %v", err)
	}

	other := newLayout(model.Dimensions{Coils: 1})
	if err := other.checkHeader(data); err == nil {
		t.Error("checkHeader must reject foreign dimensions")
	}
}
