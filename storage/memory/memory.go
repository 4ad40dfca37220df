package memory

import (
	"errors"
)

// PageSize is the unit of growth for every Memory
const PageSize = 64 * 1024

var (
	// ErrOutOfBounds indicates that a read or write touched bytes
	// past the current size of the memory
	ErrOutOfBounds = errors.New("access past the end of memory")
	// ErrGrowFailed indicates that the memory could not be grown by the
	// requested number of pages. The size of the memory is unchanged.
	ErrGrowFailed = errors.New("memory could not be grown")
	// ErrClosed indicates that the backend was closed
	ErrClosed = errors.New("memory was closed")
)

// Memory is a growable, byte addressable space
type Memory interface {
	// Size returns the size of the memory in pages
	Size() uint64
	// Grow adds pages to the end of the memory. New pages read as zeros.
	// It returns the size of the memory in pages before the call.
	// If the memory cannot grow it must return ErrGrowFailed and leave
	// the memory unchanged.
	Grow(pages uint64) (uint64, error)
	// ReadAt fills p with the bytes starting at offset. It must return
	// ErrOutOfBounds if the range extends past the end of the memory.
	ReadAt(p []byte, offset uint64) error
	// WriteAt writes p starting at offset. It must return ErrOutOfBounds if
	// the range extends past the end of the memory. The write must be
	// durable when WriteAt returns nil.
	WriteAt(p []byte, offset uint64) error
}

// Backend is a Memory that owns an external resource
type Backend interface {
	Memory
	// Close releases the backend. Calls made after Close returns
	// must return ErrClosed.
	Close() error
	// Delete closes the backend then removes its contents permanently.
	Delete() error
}

// CheckBounds returns ErrOutOfBounds if the range [offset, offset+n)
// does not fit inside a memory of the given size in pages.
func CheckBounds(size uint64, offset uint64, n int) error {
	end := offset + uint64(n)

	if end < offset || end > size*PageSize {
		return ErrOutOfBounds
	}

	return nil
}

// Pages returns the number of pages needed to hold n bytes
func Pages(n uint64) uint64 {
	return (n + PageSize - 1) / PageSize
}

// EnsureCapacity grows mem so that it holds at least n bytes
func EnsureCapacity(mem Memory, n uint64) error {
	need := Pages(n)

	if size := mem.Size(); need > size {
		if _, err := mem.Grow(need - size); err != nil {
			return err
		}
	}

	return nil
}
