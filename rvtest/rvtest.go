// Package rvtest supplies virtio.BackingStore implementations shared by
// the rest of the module's tests and by the disk-image command-line
// tools: an in-memory store for fast unit tests, and a file-backed
// store for anything that needs a real, inspectable disk image on
// disk.
package rvtest

import (
	"fmt"
	"os"
	"sync"

	"rvos/virtio"
)

// MemStore is a fixed-size in-memory disk, addressed in 512-byte
// virtio sectors.
type MemStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemStore allocates a store of nbytes bytes (block size is a
// property of the filesystem layer, not the store, so a caller sizing it
// in blocks converts).
func NewMemStore(nbytes int) *MemStore {
	return &MemStore{data: make([]byte, nbytes)}
}

func (m *MemStore) ReadSectors(sector uint64, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := sector * virtio.SectorSize
	if off+uint64(len(dst)) > uint64(len(m.data)) {
		return fmt.Errorf("rvtest: read past end of store at sector %d", sector)
	}
	copy(dst, m.data[off:])
	return nil
}

func (m *MemStore) WriteSectors(sector uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := sector * virtio.SectorSize
	if off+uint64(len(src)) > uint64(len(m.data)) {
		return fmt.Errorf("rvtest: write past end of store at sector %d", sector)
	}
	copy(m.data[off:], src)
	return nil
}

// FileStore backs a disk image with a regular host file, for the image
// builder and checker commands and for tests that want to inspect the
// resulting bytes with external tools afterward.
type FileStore struct {
	mu sync.Mutex
	f  *os.File
}

// CreateFileStore truncates (or creates) path to hold nbytes and
// returns a store backed by it.
func CreateFileStore(path string, nbytes int64) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("rvtest: creating image %s: %w", path, err)
	}
	if err := f.Truncate(nbytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("rvtest: sizing image %s: %w", path, err)
	}
	return &FileStore{f: f}, nil
}

// OpenFileStore opens an existing disk image for reading and writing.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("rvtest: opening image %s: %w", path, err)
	}
	return &FileStore{f: f}, nil
}

func (fst *FileStore) ReadSectors(sector uint64, dst []byte) error {
	fst.mu.Lock()
	defer fst.mu.Unlock()
	_, err := fst.f.ReadAt(dst, int64(sector*virtio.SectorSize))
	return err
}

func (fst *FileStore) WriteSectors(sector uint64, src []byte) error {
	fst.mu.Lock()
	defer fst.mu.Unlock()
	_, err := fst.f.WriteAt(src, int64(sector*virtio.SectorSize))
	return err
}

// Close releases the underlying file handle.
func (fst *FileStore) Close() error {
	fst.mu.Lock()
	defer fst.mu.Unlock()
	return fst.f.Close()
}
