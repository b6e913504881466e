// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/ffutop/modbus-engine/internal/config"
	"github.com/ffutop/modbus-engine/internal/slave"
	"github.com/ffutop/modbus-engine/internal/slave/model"
	"github.com/ffutop/modbus-engine/internal/slave/persistence"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/transport"
	"github.com/ffutop/modbus-engine/transport/rtu"
	"github.com/ffutop/modbus-engine/transport/rtuovertcp"
	"github.com/ffutop/modbus-engine/transport/tcp"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "Path to config file")
	mode := pflag.StringP("mode", "m", "", "Override mode (slave, master)")
	request := pflag.StringP("request", "r", "", "Master mode: raw frame as comma-separated hex bytes, e.g. 01,03,00,00,00,01")
	count := pflag.IntP("count", "n", 0, "Master mode: repeat the request n times")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *request != "" {
		cfg.Master.Request = *request
	}
	if *count > 0 {
		cfg.Master.Count = *count
	}

	setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch cfg.Mode {
	case "master":
		if err := runMaster(ctx, cfg); err != nil {
			slog.Error("Master failed", "err", err)
			os.Exit(1)
		}
	default:
		if err := runSlave(ctx, cancel, cfg); err != nil {
			slog.Error("Slave stopped with error", "err", err)
			os.Exit(1)
		}
	}
}

// runSlave serves the configured data model until a signal arrives.
func runSlave(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	slog.Info("Starting Modbus slave", "transport", cfg.Transport, "unit", cfg.UnitID)

	storage := newStorage(cfg)
	m, err := storage.Load()
	if err != nil {
		slog.Error("Failed to load persistence data, starting with fresh model", "err", err)
		storage = persistence.NewMemoryStorage(dimensions(cfg))
		m, _ = storage.Load()
	}
	defer storage.Close()

	sl := slave.New(byte(cfg.UnitID), m, storage)

	var upstream transport.Upstream
	switch cfg.Transport {
	case "rtu":
		upstream = rtu.NewServer(cfg.Serial)
	case "tcp":
		upstream = tcp.NewServer(cfg.Tcp.Address)
	default:
		return fmt.Errorf("unsupported slave transport %q", cfg.Transport)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- upstream.Start(ctx, sl.Handle)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
	}

	slog.Info("Shutting down...")
	cancel()
	upstream.Close()
	if err := storage.Save(m); err != nil {
		slog.Error("Failed to save data model", "err", err)
	}
	slog.Info("Goodbye.")
	return nil
}

// runMaster sends the configured raw frame and dumps what comes back,
// repeating with a pause in between.
func runMaster(ctx context.Context, cfg *config.Config) error {
	frame, err := parseHexBytes(cfg.Master.Request)
	if err != nil {
		return err
	}
	if len(frame) < 2 {
		return fmt.Errorf("request must carry at least unit id and function code")
	}

	master, err := newMaster(cfg)
	if err != nil {
		return err
	}
	if err := master.Connect(ctx); err != nil {
		return err
	}
	defer master.Close()

	for i := 0; i < cfg.Master.Count; i++ {
		reply, err := master.SendRaw(ctx, frame)
		if err != nil {
			slog.Error("Exchange failed", "attempt", i+1, "err", err)
		} else {
			fmt.Printf("%s\n", hex.EncodeToString(reply))
		}

		if i+1 < cfg.Master.Count {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Master.SpaceTime):
			}
		}
	}
	return nil
}

func newMaster(cfg *config.Config) (transport.Master, error) {
	recovery := modbus.RecoverFlushOrReconnect
	if cfg.Recovery == "nop" {
		recovery = modbus.RecoverNop
	}

	switch cfg.Transport {
	case "rtu":
		c := rtu.NewClient(cfg.Serial)
		c.Recovery = recovery
		c.Debug = cfg.Debug
		return c, nil
	case "tcp":
		c := tcp.NewClient(cfg.Tcp.Address)
		c.Recovery = recovery
		c.Debug = cfg.Debug
		return c, nil
	case "rtu-over-tcp":
		c := rtuovertcp.NewClient(cfg.Tcp.Address)
		c.Recovery = recovery
		c.Debug = cfg.Debug
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported master transport %q", cfg.Transport)
	}
}

func newStorage(cfg *config.Config) persistence.Storage {
	dims := dimensions(cfg)
	switch cfg.Slave.Persistence.Type {
	case "file":
		slog.Info("Initializing slave with file persistence", "path", cfg.Slave.Persistence.Path)
		return persistence.NewFileStorage(cfg.Slave.Persistence.Path, dims)
	case "mmap":
		slog.Info("Initializing slave with MMAP persistence", "path", cfg.Slave.Persistence.Path)
		return persistence.NewMmapStorage(cfg.Slave.Persistence.Path, dims)
	case "sql":
		slog.Info("Initializing slave with SQL persistence", "driver", "sqlite", "dsn", cfg.Slave.Persistence.Path)
		return persistence.NewSQLStorage("sqlite", cfg.Slave.Persistence.Path, dims)
	default:
		slog.Info("Initializing slave with memory storage (non-persistent)")
		return persistence.NewMemoryStorage(dims)
	}
}

func dimensions(cfg *config.Config) model.Dimensions {
	return model.Dimensions{
		Coils:            cfg.Slave.Coils,
		DiscreteInputs:   cfg.Slave.DiscreteInputs,
		HoldingRegisters: cfg.Slave.HoldingRegisters,
		InputRegisters:   cfg.Slave.InputRegisters,
	}
}

// parseHexBytes parses "01,03,00,00,00,01" into raw bytes.
func parseHexBytes(s string) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("no request frame given")
	}
	parts := strings.Split(s, ",")
	frame := make([]byte, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q: %w", part, err)
		}
		frame = append(frame, byte(v))
	}
	return frame, nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
