// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestExceptionErrorMessages(t *testing.T) {
	err := &ExceptionError{FunctionCode: 0x03, ExceptionCode: 0x02}
	if !strings.Contains(err.Error(), "Illegal data address") {
		t.Errorf("message = %q", err.Error())
	}

	// 0x09 is inside the legal window but carries no defined meaning.
	err = &ExceptionError{FunctionCode: 0x03, ExceptionCode: 0x09}
	if !strings.Contains(err.Error(), "Not defined in modbus specification") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestClassifyRecovery(t *testing.T) {
	tests := []struct {
		err  error
		want RecoveryAction
	}{
		{nil, RecoveryNone},
		{ErrTimeout, RecoveryNone},
		{fmt.Errorf("wrapped: %w", ErrTimeout), RecoveryNone},
		{&ExceptionError{FunctionCode: 0x03, ExceptionCode: 0x02}, RecoveryNone},
		{ErrInvalidData, RecoveryFlush},
		{ErrInvalidCRC, RecoveryFlush},
		{fmt.Errorf("checksum: %w", ErrInvalidCRC), RecoveryFlush},
		{ErrInvalidExceptionCode, RecoveryFlush},
		{ErrConnectionClosed, RecoveryReconnect},
		{errors.New("read tcp: connection reset by peer"), RecoveryReconnect},
	}
	for _, tt := range tests {
		if got := ClassifyRecovery(tt.err); got != tt.want {
			t.Errorf("ClassifyRecovery(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
