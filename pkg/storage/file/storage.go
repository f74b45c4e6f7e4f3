package file

import (
	"context"
	"fmt"
	"os"

	"github.com/sipeed/wagate/pkg/storage/repository"
)

// FileStorage implements the storage.Storage interface using JSON files
// under a single directory.
type FileStorage struct {
	dir     string
	outbox  *outboxRepository
	devices *deviceRepository
}

// NewFileStorage creates a new file-based storage instance.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("file path is required for file-based storage")
	}
	return &FileStorage{dir: dir}, nil
}

// Connect creates the directory and loads existing records.
func (fs *FileStorage) Connect(ctx context.Context) error {
	if err := os.MkdirAll(fs.dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	outbox, err := newOutboxRepository(fs.dir)
	if err != nil {
		return err
	}
	devices, err := newDeviceRepository(fs.dir)
	if err != nil {
		return err
	}
	fs.outbox = outbox
	fs.devices = devices
	return nil
}

// Close closes the file-based storage (no-op for files).
func (fs *FileStorage) Close() error {
	return nil
}

// Outbox returns the webhook outbox repository.
func (fs *FileStorage) Outbox() repository.OutboxRepository {
	return fs.outbox
}

// Devices returns the device state repository.
func (fs *FileStorage) Devices() repository.DeviceRepository {
	return fs.devices
}

// Ping checks that the storage directory is still present.
func (fs *FileStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.dir)
	}
	return nil
}
