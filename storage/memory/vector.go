package memory

import (
	"sync"
)

var _ Backend = (*Vector)(nil)

// Vector is an in-process Memory. Its contents do not survive
// the process. It is meant for tests and for wiring the durable
// structures together without a file.
type Vector struct {
	mu       sync.RWMutex
	data     []byte
	maxPages uint64
	closed   bool
}

// NewVector creates an empty vector. If maxPages is
// non-zero Grow fails once the vector would exceed it.
func NewVector(maxPages uint64) *Vector {
	return &Vector{maxPages: maxPages}
}

// Size implements Memory.Size
func (vector *Vector) Size() uint64 {
	vector.mu.RLock()
	defer vector.mu.RUnlock()

	return uint64(len(vector.data)) / PageSize
}

// Grow implements Memory.Grow
func (vector *Vector) Grow(pages uint64) (uint64, error) {
	vector.mu.Lock()
	defer vector.mu.Unlock()

	if vector.closed {
		return 0, ErrClosed
	}

	size := uint64(len(vector.data)) / PageSize

	if vector.maxPages != 0 && size+pages > vector.maxPages {
		return 0, ErrGrowFailed
	}

	vector.data = append(vector.data, make([]byte, pages*PageSize)...)

	return size, nil
}

// ReadAt implements Memory.ReadAt
func (vector *Vector) ReadAt(p []byte, offset uint64) error {
	vector.mu.RLock()
	defer vector.mu.RUnlock()

	if vector.closed {
		return ErrClosed
	}

	if err := CheckBounds(uint64(len(vector.data))/PageSize, offset, len(p)); err != nil {
		return err
	}

	copy(p, vector.data[offset:])

	return nil
}

// WriteAt implements Memory.WriteAt
func (vector *Vector) WriteAt(p []byte, offset uint64) error {
	vector.mu.Lock()
	defer vector.mu.Unlock()

	if vector.closed {
		return ErrClosed
	}

	if err := CheckBounds(uint64(len(vector.data))/PageSize, offset, len(p)); err != nil {
		return err
	}

	copy(vector.data[offset:], p)

	return nil
}

// Close implements Backend.Close
func (vector *Vector) Close() error {
	vector.mu.Lock()
	defer vector.mu.Unlock()

	vector.closed = true

	return nil
}

// Delete implements Backend.Delete
func (vector *Vector) Delete() error {
	vector.mu.Lock()
	defer vector.mu.Unlock()

	vector.closed = true
	vector.data = nil

	return nil
}
