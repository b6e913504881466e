// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/transport"
)

// cannedSlave accepts one connection and answers each query with the
// scripted reply, patched to echo the incoming transaction id.
func cannedSlave(t *testing.T, replies [][]byte, requests chan<- []byte) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, reply := range replies {
			header := make([]byte, 6)
			if _, err := io.ReadFull(conn, header); err != nil {
				return
			}
			length := int(binary.BigEndian.Uint16(header[4:]))
			payload := make([]byte, length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			requests <- append(header, payload...)

			out := append([]byte{}, reply...)
			copy(out[0:2], header[0:2]) // echo transaction id
			conn.Write(out)
		}
	}()
	return l.Addr().String()
}

func TestClientReadDiscreteInputs(t *testing.T) {
	// Inputs 0..9 carry the pattern 1,0,1,1,0,0,1,0,1,1.
	reply := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x02, 0x02, 0x4D, 0x03}
	requests := make(chan []byte, 1)
	addr := cannedSlave(t, [][]byte{reply}, requests)

	client := NewClient(addr)
	client.Timeout = time.Second
	ops := transport.NewClient(client, 1)

	values, err := ops.ReadDiscreteInputs(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("ReadDiscreteInputs failed: %v", err)
	}

	want := []bool{true, false, true, true, false, false, true, false, true, true}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("input %d = %v, want %v", i, values[i], want[i])
		}
	}

	wantRequest := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x02, 0x00, 0x00, 0x00, 0x0A}
	if got := <-requests; !bytes.Equal(got, wantRequest) {
		t.Errorf("request = % X, want % X", got, wantRequest)
	}
}

func TestClientTransactionIDsIncrement(t *testing.T) {
	reply := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x12, 0x34}
	requests := make(chan []byte, 3)
	addr := cannedSlave(t, [][]byte{reply, reply, reply}, requests)

	client := NewClient(addr)
	client.Timeout = time.Second
	ops := transport.NewClient(client, 1)

	for i := 0; i < 3; i++ {
		if _, err := ops.ReadHoldingRegisters(context.Background(), 0, 1, modbus.Uint16); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	for want := uint16(1); want <= 3; want++ {
		req := <-requests
		if got := binary.BigEndian.Uint16(req[0:2]); got != want {
			t.Errorf("transaction id = %d, want %d", got, want)
		}
	}
}

func TestClientRejectsStaleTransactionID(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 260)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		// Reply with a transaction id the client never sent.
		conn.Write([]byte{0xDE, 0xAD, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x12, 0x34})
	}()

	client := NewClient(l.Addr().String())
	client.Timeout = time.Second
	client.Recovery = modbus.RecoverNop
	ops := transport.NewClient(client, 1)

	_, err = ops.ReadHoldingRegisters(context.Background(), 0, 1, modbus.Uint16)
	if !errors.Is(err, modbus.ErrInvalidData) {
		t.Fatalf("err = %v, want ErrInvalidData", err)
	}
}

func TestAduRoundTrip(t *testing.T) {
	adu := &ApplicationDataUnit{
		TransactionID: 0x0102,
		ProtocolID:    0,
		Length:        6,
		UnitID:        0x11,
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: 0x03,
			Data:         []byte{0x00, 0x6B, 0x00, 0x03},
		},
	}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.TransactionID != adu.TransactionID || decoded.UnitID != adu.UnitID ||
		decoded.Pdu.FunctionCode != adu.Pdu.FunctionCode || !bytes.Equal(decoded.Pdu.Data, adu.Pdu.Data) {
		t.Errorf("decoded %+v, want %+v", decoded, adu)
	}

	stale := *decoded
	stale.TransactionID++
	if err := adu.Verify(&stale); !errors.Is(err, modbus.ErrInvalidData) {
		t.Errorf("Verify must reject a stale transaction id, got %v", err)
	}
}
