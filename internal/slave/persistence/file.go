// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ffutop/modbus-engine/internal/slave/model"
)

// FileStorage implements persistence using plain file operations: the
// whole image is rewritten and synced on every mutation.
type FileStorage struct {
	path   string
	layout layout
	file   *os.File
	data   []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string, dims model.Dimensions) *FileStorage {
	return &FileStorage{
		path:   path,
		layout: newLayout(dims),
	}
}

// Load loads the data model by file operations.
func (ms *FileStorage) Load() (*model.DataModel, error) {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	ms.file = f

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) != ms.layout.totalSize() || ms.layout.checkHeader(data) != nil {
		if len(data) > 0 {
			slog.Warn("reinitializing storage file", "path", ms.path)
		}
		data = make([]byte, ms.layout.totalSize())
		ms.layout.writeHeader(data)
		if err := f.Truncate(int64(len(data))); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize file: %w", err)
		}
	}
	ms.data = data

	if err := ms.sync(); err != nil {
		f.Close()
		return nil, err
	}

	return ms.layout.mapBytesToModel(data), nil
}

// Save flushes the data to disk.
func (ms *FileStorage) Save(m *model.DataModel) error {
	return ms.sync()
}

// OnWrite triggers a sync so a crash loses no acknowledged write.
func (ms *FileStorage) OnWrite(table model.TableType, address, quantity uint16) {
	if err := ms.sync(); err != nil {
		slog.Error("Failed to sync file", "err", err)
	}
}

func (ms *FileStorage) sync() error {
	if ms.data == nil || ms.file == nil {
		return nil
	}
	if _, err := ms.file.WriteAt(ms.data, 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := ms.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close the file.
func (ms *FileStorage) Close() error {
	if ms.file == nil {
		return nil
	}
	err := ms.file.Close()
	ms.file = nil
	return err
}
