// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ffutop/modbus-engine/modbus"
)

// Config defines the engine configuration.
type Config struct {
	Mode      string       `mapstructure:"mode"`      // "slave" or "master"
	Transport string       `mapstructure:"transport"` // "rtu", "tcp", "rtu-over-tcp"
	UnitID    int          `mapstructure:"unit_id"`   // 1..247, 0 = broadcast
	Recovery  string       `mapstructure:"recovery"`  // "flush-reconnect" or "nop"
	Debug     bool         `mapstructure:"debug"`     // frame hex dumps at info level
	Serial    SerialConfig `mapstructure:"serial"`
	Tcp       TcpConfig    `mapstructure:"tcp"`
	Slave     SlaveConfig  `mapstructure:"slave"`
	Master    MasterConfig `mapstructure:"master"`
	Log       LogConfig    `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:502" or "192.168.1.100:502"
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"` // response wait

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// SlaveConfig sizes the four data tables and selects persistence.
type SlaveConfig struct {
	Coils            int               `mapstructure:"coils"`
	DiscreteInputs   int               `mapstructure:"discrete_inputs"`
	HoldingRegisters int               `mapstructure:"holding_registers"`
	InputRegisters   int               `mapstructure:"input_registers"`
	Persistence      PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // file path or DSN
}

// MasterConfig drives the one-shot probe mode: a raw frame given as
// comma-separated hex bytes, repeated count times with a pause between.
type MasterConfig struct {
	Request   string        `mapstructure:"request"`
	Count     int           `mapstructure:"count"`
	SpaceTime time.Duration `mapstructure:"space_time"`
}

// validBaudRates is the accepted serial speed set; anything else falls
// back to 9600.
var validBaudRates = []int{110, 300, 600, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-engine/")
		v.AddConfigPath("$HOME/.modbus-engine")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("mode", "slave")
	v.SetDefault("transport", "tcp")
	v.SetDefault("unit_id", 1)
	v.SetDefault("recovery", "flush-reconnect")
	v.SetDefault("log.level", "info")
	v.SetDefault("tcp.address", "0.0.0.0:502")
	v.SetDefault("slave.coils", 512)
	v.SetDefault("slave.discrete_inputs", 512)
	v.SetDefault("slave.holding_registers", 512)
	v.SetDefault("slave.input_registers", 512)
	v.SetDefault("slave.persistence.type", "memory")
	v.SetDefault("master.count", 1)
	v.SetDefault("master.space_time", 50*time.Millisecond)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := fixup(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func fixup(c *Config) error {
	FixupSerial(&c.Serial)

	if c.UnitID < 0 || c.UnitID > modbus.MaxUnitID {
		return fmt.Errorf("unit id %d out of range 0..%d", c.UnitID, modbus.MaxUnitID)
	}
	switch c.Recovery {
	case "flush-reconnect", "nop":
	default:
		return fmt.Errorf("unknown recovery mode %q", c.Recovery)
	}
	switch c.Mode {
	case "slave", "master":
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

// FixupSerial normalizes serial settings: parity names map to the
// single-letter forms the serial layer takes, out-of-set speeds fall
// back to 9600, and zero values get their defaults.
func FixupSerial(s *SerialConfig) {
	switch strings.ToUpper(s.Parity) {
	case "", "N", "NONE":
		s.Parity = "N"
	case "E", "EVEN":
		s.Parity = "E"
	case "O", "ODD":
		s.Parity = "O"
	default:
		slog.Warn("Unknown parity, using none", "parity", s.Parity)
		s.Parity = "N"
	}

	if s.BaudRate == 0 {
		s.BaudRate = 9600
	}
	valid := false
	for _, b := range validBaudRates {
		if s.BaudRate == b {
			valid = true
			break
		}
	}
	if !valid {
		slog.Warn("Unknown baud rate, falling back to 9600", "baud_rate", s.BaudRate)
		s.BaudRate = 9600
	}

	if s.DataBits < 5 || s.DataBits > 8 {
		s.DataBits = 8
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}
