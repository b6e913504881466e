// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// chunkPort scripts the reads a peer would satisfy: each entry arrives
// whole, and an exhausted script times out.
type chunkPort struct {
	chunks [][]byte
}

func (p *chunkPort) ReadSome(buf []byte, deadline time.Time) (int, error) {
	if len(p.chunks) == 0 {
		return 0, ErrTimeout
	}
	chunk := p.chunks[0]
	n := copy(buf, chunk)
	if n < len(chunk) {
		p.chunks[0] = chunk[n:]
	} else {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func TestReadMessageCompleteFrame(t *testing.T) {
	reply := []byte{0x01, 0x03, 0x02, 0x12, 0x34, 0xB5, 0x33}
	port := &chunkPort{chunks: [][]byte{reply}}

	msg, err := ReadMessage(port, RTU, len(reply), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(msg, reply) {
		t.Errorf("frame = % X, want % X", msg, reply)
	}
}

func TestReadMessageReassemblesChunks(t *testing.T) {
	reply := []byte{0x01, 0x03, 0x02, 0x12, 0x34, 0xB5, 0x33}
	port := &chunkPort{chunks: [][]byte{reply[:1], reply[1:4], reply[4:]}}

	msg, err := ReadMessage(port, RTU, len(reply), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(msg, reply) {
		t.Errorf("frame = % X, want % X", msg, reply)
	}
}

func TestReadMessageChecksumMismatch(t *testing.T) {
	reply := []byte{0x01, 0x03, 0x02, 0x12, 0x34, 0xB5, 0x32}
	port := &chunkPort{chunks: [][]byte{reply}}

	_, err := ReadMessage(port, RTU, len(reply), 100*time.Millisecond)
	if !errors.Is(err, ErrInvalidCRC) {
		t.Fatalf("err = %v, want ErrInvalidCRC", err)
	}
}

func TestReadMessageEmptyTimeout(t *testing.T) {
	port := &chunkPort{}
	_, err := ReadMessage(port, RTU, 7, 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestReadMessageShortExceptionFrame(t *testing.T) {
	// The slave answered a 7-byte expectation with the 5-byte
	// exception frame; the timeout that follows delivers it.
	exception := []byte{0x01, 0x83, 0x02, 0xC0, 0xF1}
	port := &chunkPort{chunks: [][]byte{exception}}

	msg, err := ReadMessage(port, RTU, 7, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(msg, exception) {
		t.Errorf("frame = % X, want % X", msg, exception)
	}
}

func TestReadMessageQueryFixedLength(t *testing.T) {
	query := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	port := &chunkPort{chunks: [][]byte{query}}

	msg, err := ReadMessage(port, RTU, LengthUndefined, 0)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(msg, query) {
		t.Errorf("frame = % X, want % X", msg, query)
	}
}

func TestReadMessageQueryWithByteCount(t *testing.T) {
	prefix := []byte{0x01, 0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}
	query := RTU.AppendChecksum(append([]byte{}, prefix...))
	port := &chunkPort{chunks: [][]byte{query}}

	msg, err := ReadMessage(port, RTU, LengthUndefined, 0)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(msg, query) {
		t.Errorf("frame = % X, want % X", msg, query)
	}
}

func TestReadMessageOversizedQuery(t *testing.T) {
	// A write-multiple query whose byte count would push the frame
	// past the RTU maximum.
	query := []byte{0x01, 0x10, 0x00, 0x00, 0x00, 0x7B, 0xFF}
	port := &chunkPort{chunks: [][]byte{query}}

	_, err := ReadMessage(port, RTU, LengthUndefined, 0)
	if !errors.Is(err, ErrInvalidData) {
		t.Fatalf("err = %v, want ErrInvalidData", err)
	}
}

func TestReadMessageTCPQuery(t *testing.T) {
	query := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x02, 0x00, 0x00, 0x00, 0x0A}
	port := &chunkPort{chunks: [][]byte{query}}

	msg, err := ReadMessage(port, TCP, LengthUndefined, 0)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(msg, query) {
		t.Errorf("frame = % X, want % X", msg, query)
	}
}

func TestReadMessageTCPDeclaredLengthMismatch(t *testing.T) {
	// MBAP claims 9 bytes follow the length field but the frame only
	// carries 5.
	reply := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x09, 0x01, 0x03, 0x02, 0x12, 0x34}
	port := &chunkPort{chunks: [][]byte{reply}}

	_, err := ReadMessage(port, TCP, len(reply), 100*time.Millisecond)
	if !errors.Is(err, ErrInvalidData) {
		t.Fatalf("err = %v, want ErrInvalidData", err)
	}
}

func TestReadMessageConnectionClosed(t *testing.T) {
	port := &closedPort{}
	_, err := ReadMessage(port, TCP, 11, 100*time.Millisecond)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}

type closedPort struct{}

func (p *closedPort) ReadSome(buf []byte, deadline time.Time) (int, error) {
	return 0, ErrConnectionClosed
}
