// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

//go:build unix

package tcp

import (
	"net"

	"golang.org/x/sys/unix"
)

const tosLowDelay = 0x10

// setLowDelay marks the connection's IP packets as latency sensitive.
func setLowDelay(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tosLowDelay)
	})
	if err != nil {
		return err
	}
	return serr
}
