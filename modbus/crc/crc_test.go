// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import (
	"testing"
)

func TestCRC(t *testing.T) {
	var crc CRC
	crc.Reset()
	crc.PushBytes([]byte{0x02, 0x07})

	if crc.Value() != 0x1241 {
		t.Fatalf("crc expected %v, actual %v", 0x1241, crc.Value())
	}
}

func TestCRCWireOrder(t *testing.T) {
	// Known frame: 01 03 00 00 00 01 carries checksum bytes 84 0A on
	// the wire, low byte of the value first.
	var crc CRC
	crc.Reset().PushBytes([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})

	if got := crc.Value(); got != 0x0A84 {
		t.Fatalf("crc expected %#04x, actual %#04x", 0x0A84, got)
	}
	if lo := byte(crc.Value()); lo != 0x84 {
		t.Errorf("first wire byte expected 0x84, actual %#02x", lo)
	}
	if hi := byte(crc.Value() >> 8); hi != 0x0A {
		t.Errorf("second wire byte expected 0x0A, actual %#02x", hi)
	}
}

func TestCRCDetectsSingleBitFlips(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x02, 0x12, 0x34}
	var crc CRC
	checksum := crc.Reset().PushBytes(frame).Value()
	full := append(append([]byte{}, frame...), byte(checksum), byte(checksum>>8))

	verify := func(msg []byte) bool {
		var c CRC
		computed := c.Reset().PushBytes(msg[:len(msg)-2]).Value()
		received := uint16(msg[len(msg)-1])<<8 | uint16(msg[len(msg)-2])
		return computed == received
	}

	if !verify(full) {
		t.Fatal("unmodified frame must verify")
	}
	for i := 0; i < len(full)*8; i++ {
		corrupted := append([]byte{}, full...)
		corrupted[i/8] ^= 1 << (i % 8)
		if verify(corrupted) {
			t.Errorf("bit flip at %d went undetected", i)
		}
	}
}

func TestCRCIncremental(t *testing.T) {
	var whole, parts CRC
	data := []byte{0x01, 0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}

	whole.Reset().PushBytes(data)
	parts.Reset()
	for _, b := range data {
		parts.PushByte(b)
	}

	if whole.Value() != parts.Value() {
		t.Fatalf("byte-wise update %#04x differs from span update %#04x", parts.Value(), whole.Value())
	}
}
