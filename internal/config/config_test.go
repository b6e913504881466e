// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFixupSerial(t *testing.T) {
	s := SerialConfig{Parity: "even", BaudRate: 19200, DataBits: 7, StopBits: 2, Timeout: time.Second}
	FixupSerial(&s)
	if s.Parity != "E" || s.BaudRate != 19200 || s.DataBits != 7 || s.StopBits != 2 {
		t.Errorf("valid settings must survive fixup: %+v", s)
	}

	s = SerialConfig{Parity: "marking", BaudRate: 12345, DataBits: 9, StopBits: 3}
	FixupSerial(&s)
	if s.Parity != "N" {
		t.Errorf("parity = %q, want N", s.Parity)
	}
	if s.BaudRate != 9600 {
		t.Errorf("baud rate = %d, want the 9600 fallback", s.BaudRate)
	}
	if s.DataBits != 8 || s.StopBits != 1 {
		t.Errorf("data/stop bits = %d/%d, want 8/1", s.DataBits, s.StopBits)
	}
	if s.Timeout != 500*time.Millisecond {
		t.Errorf("timeout = %v, want the 500ms default", s.Timeout)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mode: slave
transport: tcp
unit_id: 17
recovery: nop
tcp:
  address: "127.0.0.1:1502"
serial:
  device: /dev/ttyUSB0
  baud_rate: 115200
  parity: odd
slave:
  holding_registers: 1024
  persistence:
    type: file
    path: /tmp/slave.dat
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.UnitID != 17 || cfg.Recovery != "nop" || cfg.Tcp.Address != "127.0.0.1:1502" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Serial.Parity != "O" || cfg.Serial.BaudRate != 115200 {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Slave.HoldingRegisters != 1024 || cfg.Slave.Coils != 512 {
		t.Errorf("slave sizes = %+v", cfg.Slave)
	}
	if cfg.Slave.Persistence.Type != "file" {
		t.Errorf("persistence = %+v", cfg.Slave.Persistence)
	}
}

func TestLoadConfigRejectsBadUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("unit_id: 400\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("unit id 400 must be rejected")
	}
}
