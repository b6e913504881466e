// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"github.com/ffutop/modbus-engine/internal/slave/model"
)

// Storage defines the interface for persisting the slave data model.
type Storage interface {
	// Load loads the data model from storage, creating an empty one of
	// the configured dimensions if no data exists.
	Load() (*model.DataModel, error)

	// Save saves the current data model to storage.
	Save(model *model.DataModel) error

	// OnWrite is a hook called whenever a register is modified.
	// It allows the storage to perform real-time persistence.
	OnWrite(table model.TableType, address, quantity uint16)

	// Close releases the storage.
	Close() error
}
