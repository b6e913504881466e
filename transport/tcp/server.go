// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/transport"
)

// Server is a Modbus TCP slave: it accepts connections and serves
// queries on each, one at a time per connection.
type Server struct {
	Address string
	Handler transport.RequestHandler

	listener net.Listener
}

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address: address,
	}
}

// Start starts the TCP server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	s.Handler = handler
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	slog.Info("Modbus TCP server listening", "addr", s.Address)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("Failed to accept connection", "err", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// Addr returns the bound listener address, once Start has bound it.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close closes the server listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	slog.Info("New TCP client connected", "addr", conn.RemoteAddr())

	port := &connPort{conn: conn}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		query, err := modbus.ReadMessage(port, modbus.TCP, modbus.LengthUndefined, 0)
		if err != nil {
			switch {
			case errors.Is(err, modbus.ErrTimeout):
				continue
			case errors.Is(err, modbus.ErrConnectionClosed):
				slog.Info("TCP client disconnected", "addr", conn.RemoteAddr())
				return
			default:
				slog.Error("Failed to read query", "addr", conn.RemoteAddr(), "err", err)
				return
			}
		}

		adu, err := Decode(query)
		if err != nil {
			slog.Error("Failed to decode TCP query", "err", err)
			continue
		}

		respPdu, err := s.Handler(ctx, adu.UnitID, adu.Pdu)
		if err != nil {
			if !errors.Is(err, modbus.ErrNoResponse) {
				slog.Error("request handler failed", "err", err)
			}
			continue
		}

		respAdu := &ApplicationDataUnit{
			TransactionID: adu.TransactionID,
			ProtocolID:    adu.ProtocolID,
			Length:        uint16(1 + 1 + len(respPdu.Data)), // UnitID + FunctionCode + Data
			UnitID:        adu.UnitID,
			Pdu:           respPdu,
		}

		respRaw, err := respAdu.Encode()
		if err != nil {
			slog.Error("Failed to encode TCP response", "err", err)
			continue
		}

		if _, err = conn.Write(respRaw); err != nil {
			slog.Error("Failed to write response to connection", "err", err)
			return
		}
	}
}
