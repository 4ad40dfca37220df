// Package mmap implements memory.Backend on top of a memory mapped
// file. Writes go straight into the shared mapping and are flushed
// with msync before WriteAt returns.
package mmap

import (
	"fmt"
	"os"
	"sync"

	"github.com/jrife/polls/storage/memory"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var _ memory.Backend = (*File)(nil)

// FileConfig configures a memory mapped file
type FileConfig struct {
	// Path is the location of the backing file. It is
	// created if it does not exist.
	Path string
	// MaxPages limits growth. Zero means no limit.
	MaxPages uint64
}

// File is a memory.Backend backed by a memory mapped file
type File struct {
	mu       sync.RWMutex
	file     *os.File
	data     []byte
	maxPages uint64
	closed   bool
}

// Open maps the file at config.Path, creating it if needed
func Open(config FileConfig) (*File, error) {
	f, err := os.OpenFile(config.Path, os.O_RDWR|os.O_CREATE, 0666)

	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", config.Path, err)
	}

	info, err := f.Stat()

	if err != nil {
		f.Close()

		return nil, fmt.Errorf("could not stat %s: %w", config.Path, err)
	}

	if info.Size()%memory.PageSize != 0 {
		f.Close()

		return nil, fmt.Errorf("%s has size %d which is not a multiple of the page size", config.Path, info.Size())
	}

	file := &File{file: f, maxPages: config.MaxPages}

	if info.Size() > 0 {
		if err := file.remap(info.Size()); err != nil {
			f.Close()

			return nil, err
		}
	}

	return file, nil
}

func (file *File) remap(size int64) error {
	if file.data != nil {
		if err := unix.Munmap(file.data); err != nil {
			return fmt.Errorf("could not unmap %s: %w", file.file.Name(), err)
		}

		file.data = nil
	}

	data, err := unix.Mmap(int(file.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return fmt.Errorf("could not map %s: %w", file.file.Name(), err)
	}

	file.data = data

	return nil
}

// Path returns the path of the backing file
func (file *File) Path() string {
	return file.file.Name()
}

// Size implements memory.Memory.Size
func (file *File) Size() uint64 {
	file.mu.RLock()
	defer file.mu.RUnlock()

	return uint64(len(file.data)) / memory.PageSize
}

// Grow implements memory.Memory.Grow
func (file *File) Grow(pages uint64) (uint64, error) {
	file.mu.Lock()
	defer file.mu.Unlock()

	if file.closed {
		return 0, memory.ErrClosed
	}

	size := uint64(len(file.data)) / memory.PageSize

	if pages == 0 {
		return size, nil
	}

	if file.maxPages != 0 && size+pages > file.maxPages {
		return 0, memory.ErrGrowFailed
	}

	newSize := int64((size + pages) * memory.PageSize)

	if err := file.file.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("%w: %s", memory.ErrGrowFailed, err)
	}

	if err := file.file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: %s", memory.ErrGrowFailed, err)
	}

	if err := file.remap(newSize); err != nil {
		return 0, err
	}

	return size, nil
}

// ReadAt implements memory.Memory.ReadAt
func (file *File) ReadAt(p []byte, offset uint64) error {
	file.mu.RLock()
	defer file.mu.RUnlock()

	if file.closed {
		return memory.ErrClosed
	}

	if err := memory.CheckBounds(uint64(len(file.data))/memory.PageSize, offset, len(p)); err != nil {
		return err
	}

	copy(p, file.data[offset:])

	return nil
}

// WriteAt implements memory.Memory.WriteAt. The touched
// pages are synced before it returns.
func (file *File) WriteAt(p []byte, offset uint64) error {
	file.mu.Lock()
	defer file.mu.Unlock()

	if file.closed {
		return memory.ErrClosed
	}

	if err := memory.CheckBounds(uint64(len(file.data))/memory.PageSize, offset, len(p)); err != nil {
		return err
	}

	if len(p) == 0 {
		return nil
	}

	copy(file.data[offset:], p)

	// msync requires a page aligned address
	pageSize := uint64(os.Getpagesize())
	start := offset &^ (pageSize - 1)
	end := offset + uint64(len(p))

	if err := unix.Msync(file.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("could not sync %s: %w", file.file.Name(), err)
	}

	return nil
}

// Close implements memory.Backend.Close
func (file *File) Close() error {
	file.mu.Lock()
	defer file.mu.Unlock()

	if file.closed {
		return nil
	}

	file.closed = true

	var err error

	if file.data != nil {
		err = multierr.Append(err, unix.Msync(file.data, unix.MS_SYNC))
		err = multierr.Append(err, unix.Munmap(file.data))
		file.data = nil
	}

	return multierr.Append(err, file.file.Close())
}

// Delete implements memory.Backend.Delete
func (file *File) Delete() error {
	path := file.Path()

	if err := file.Close(); err != nil {
		return fmt.Errorf("could not close %s: %w", path, err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove %s: %w", path, err)
	}

	return nil
}
