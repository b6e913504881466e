// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

//go:build !unix

package tcp

import "net"

// setLowDelay is a no-op where the type-of-service socket option is not
// available.
func setLowDelay(conn *net.TCPConn) error {
	return nil
}
