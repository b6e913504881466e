// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-engine/internal/config"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/transport"
)

// Server is a Modbus RTU slave on a serial bus: it assembles queries of
// initially unknown length, hands them to the request handler and
// writes the reply back.
type Server struct {
	Config config.SerialConfig

	port serialPort
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig) *Server {
	s := &Server{Config: cfg}
	s.port.Config.Address = cfg.Device
	s.port.Config.BaudRate = cfg.BaudRate
	s.port.Config.DataBits = cfg.DataBits
	s.port.Config.StopBits = cfg.StopBits
	s.port.Config.Parity = cfg.Parity
	s.port.Config.RS485.Enabled = cfg.RS485
	s.port.Config.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
	s.port.Config.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
	s.port.Config.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
	s.port.Config.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
	s.port.Config.RS485.RxDuringTx = cfg.RxDuringTx
	return s
}

// Start serves queries until ctx is canceled.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	s.port.Config.Timeout = pollInterval
	port, err := serial.Open(&s.port.Config)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	s.port.port = port
	defer s.port.Close()
	slog.Info("RTU server listening", "device", s.Config.Device)

	go func() {
		<-ctx.Done()
		port.Close()
	}()

	return s.scanLoop(ctx, handler)
}

func (s *Server) scanLoop(ctx context.Context, handler transport.RequestHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		query, err := modbus.ReadMessage(&s.port, modbus.RTU, modbus.LengthUndefined, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, modbus.ErrTimeout) {
				continue
			}
			slog.Debug("discarding unreadable frame", "err", err)
			continue
		}

		adu, err := Decode(query)
		if err != nil {
			continue
		}

		respPDU, err := handler(ctx, adu.UnitID, adu.Pdu)
		if err != nil {
			if !errors.Is(err, modbus.ErrNoResponse) {
				slog.Error("request handler failed", "err", err)
			}
			continue
		}

		respADU := &ApplicationDataUnit{UnitID: adu.UnitID, Pdu: respPDU}
		respRaw, err := respADU.Encode()
		if err != nil {
			slog.Error("failed to encode response", "err", err)
			continue
		}
		if _, err := s.port.port.Write(respRaw); err != nil {
			slog.Error("failed to write response", "err", err)
		}
	}
}

// Close releases the serial port; restoring its saved settings is the
// serial layer's job.
func (s *Server) Close() error {
	return s.port.Close()
}
