// Package manager partitions one memory.Memory into up to 255
// independent virtual memories, each identified by a MemoryID.
//
// The underlying memory is split into a header page followed by
// buckets of a fixed number of pages. A virtual memory grows by
// claiming the next unallocated bucket. The header records which
// virtual memory owns each bucket and how many pages each virtual
// memory spans, so reattaching to a populated medium restores every
// virtual memory without touching its contents.
//
//   page 0:  magic "MGR" | version | bucket count | bucket size |
//            reserved | sizes [255]u64 | bucket table [32768]u8
//   page 1+: bucket 0 | bucket 1 | ...
package manager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/jrife/polls/storage/memory"
)

const (
	// MaxMemoryID is the largest usable MemoryID
	MaxMemoryID = 254
	// MaxBuckets is the number of buckets the header can track
	MaxBuckets = 32768
	// DefaultBucketSize is the bucket size in pages for new managers
	DefaultBucketSize = 128

	magic          = "MGR"
	layoutVersion  = 1
	unallocated    = 0xff
	headerPages    = 1
	countOffset    = 4
	bucketOffset   = 6
	sizesOffset    = 40
	tableOffset    = sizesOffset + 8*(MaxMemoryID+1)
	headerLength   = tableOffset + MaxBuckets
	maxBucketPages = 1<<16 - 1
)

var (
	// ErrBadMagic indicates that the medium holds something other than a manager header
	ErrBadMagic = errors.New("memory does not contain a memory manager header")
	// ErrUnsupportedVersion indicates a header written by an incompatible layout version
	ErrUnsupportedVersion = errors.New("unsupported memory manager layout version")
)

// MemoryID identifies a virtual memory
type MemoryID uint8

type option func(*Manager)

// WithBucketSize sets the bucket size in pages used when the manager
// initializes an empty medium. Reattached managers keep the bucket size
// stored in their header.
func WithBucketSize(pages uint16) option {
	return func(manager *Manager) {
		manager.bucketSize = uint64(pages)
	}
}

// Manager hands out virtual memories backed by a single memory.Memory
type Manager struct {
	mu         sync.RWMutex
	mem        memory.Memory
	bucketSize uint64
	numBuckets uint64
	sizes      [MaxMemoryID + 1]uint64
	buckets    [MaxMemoryID + 1][]uint64
}

// Init attaches a manager to mem. An empty mem is formatted. A mem
// that already holds a manager header is reattached as is.
func Init(mem memory.Memory, opts ...option) (*Manager, error) {
	manager := &Manager{mem: mem, bucketSize: DefaultBucketSize}

	for _, opt := range opts {
		opt(manager)
	}

	if manager.bucketSize == 0 || manager.bucketSize > maxBucketPages {
		return nil, fmt.Errorf("bucket size must be between 1 and %d pages", maxBucketPages)
	}

	if mem.Size() == 0 {
		if _, err := mem.Grow(headerPages); err != nil {
			return nil, fmt.Errorf("could not allocate header: %w", err)
		}

		if err := manager.format(); err != nil {
			return nil, err
		}

		return manager, nil
	}

	header := make([]byte, headerLength)

	if err := mem.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	// A crash between growing the medium and writing the magic
	// leaves an all zero magic. Nothing can have been allocated yet.
	if header[0] == 0 && header[1] == 0 && header[2] == 0 {
		if err := manager.format(); err != nil {
			return nil, err
		}

		return manager, nil
	}

	if err := manager.load(header); err != nil {
		return nil, err
	}

	return manager, nil
}

func (manager *Manager) format() error {
	header := make([]byte, headerLength)

	header[3] = layoutVersion
	binary.LittleEndian.PutUint16(header[bucketOffset:], uint16(manager.bucketSize))

	for i := tableOffset; i < headerLength; i++ {
		header[i] = unallocated
	}

	// The magic goes last so a torn format is detected as unformatted
	if err := manager.mem.WriteAt(header[3:], 3); err != nil {
		return fmt.Errorf("could not write header: %w", err)
	}

	if err := manager.mem.WriteAt([]byte(magic), 0); err != nil {
		return fmt.Errorf("could not write header magic: %w", err)
	}

	return nil
}

func (manager *Manager) load(header []byte) error {
	if string(header[:3]) != magic {
		return ErrBadMagic
	}

	if header[3] != layoutVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[3])
	}

	manager.numBuckets = uint64(binary.LittleEndian.Uint16(header[countOffset:]))
	manager.bucketSize = uint64(binary.LittleEndian.Uint16(header[bucketOffset:]))

	if manager.bucketSize == 0 {
		return fmt.Errorf("header has a bucket size of zero")
	}

	for id := 0; id <= MaxMemoryID; id++ {
		manager.sizes[id] = binary.LittleEndian.Uint64(header[sizesOffset+8*id:])
	}

	for bucket := uint64(0); bucket < MaxBuckets; bucket++ {
		id := header[tableOffset+bucket]

		if id == unallocated {
			continue
		}

		manager.buckets[id] = append(manager.buckets[id], bucket)

		// The count is written after the table so it
		// may lag behind after a crash.
		if bucket >= manager.numBuckets {
			manager.numBuckets = bucket + 1
		}
	}

	return nil
}

// BucketSize returns the bucket size in pages
func (manager *Manager) BucketSize() uint64 {
	return manager.bucketSize
}

// Get returns the virtual memory for id. It panics if id
// is larger than MaxMemoryID.
func (manager *Manager) Get(id MemoryID) *VirtualMemory {
	if id > MaxMemoryID {
		panic(fmt.Sprintf("memory id %d is reserved", id))
	}

	return &VirtualMemory{manager: manager, id: id}
}

func (manager *Manager) size(id MemoryID) uint64 {
	manager.mu.RLock()
	defer manager.mu.RUnlock()

	return manager.sizes[id]
}

func (manager *Manager) grow(id MemoryID, pages uint64) (uint64, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	prev := manager.sizes[id]
	newSize := prev + pages

	if newSize < prev {
		return 0, memory.ErrGrowFailed
	}

	needed := (newSize + manager.bucketSize - 1) / manager.bucketSize
	have := uint64(len(manager.buckets[id]))

	if needed > have {
		extra := needed - have

		if manager.numBuckets+extra > MaxBuckets {
			return 0, fmt.Errorf("%w: all %d buckets are allocated", memory.ErrGrowFailed, MaxBuckets)
		}

		if err := memory.EnsureCapacity(manager.mem, (headerPages+(manager.numBuckets+extra)*manager.bucketSize)*memory.PageSize); err != nil {
			return 0, err
		}

		// New buckets are always the next ones in line so their
		// table entries are contiguous.
		table := make([]byte, extra)

		for i := range table {
			table[i] = byte(id)
		}

		if err := manager.mem.WriteAt(table, tableOffset+manager.numBuckets); err != nil {
			return 0, fmt.Errorf("could not write bucket table: %w", err)
		}

		for i := uint64(0); i < extra; i++ {
			manager.buckets[id] = append(manager.buckets[id], manager.numBuckets+i)
		}

		manager.numBuckets += extra

		count := make([]byte, 2)

		binary.LittleEndian.PutUint16(count, uint16(manager.numBuckets))

		if err := manager.mem.WriteAt(count, countOffset); err != nil {
			return 0, fmt.Errorf("could not write bucket count: %w", err)
		}
	}

	size := make([]byte, 8)

	binary.LittleEndian.PutUint64(size, newSize)

	if err := manager.mem.WriteAt(size, sizesOffset+8*uint64(id)); err != nil {
		return 0, fmt.Errorf("could not write memory size: %w", err)
	}

	manager.sizes[id] = newSize

	return prev, nil
}

// access splits the virtual range starting at offset into
// chunks of p and their addresses in the underlying memory
func (manager *Manager) access(id MemoryID, p []byte, offset uint64, fn func(chunk []byte, address uint64) error) error {
	manager.mu.RLock()
	defer manager.mu.RUnlock()

	if err := memory.CheckBounds(manager.sizes[id], offset, len(p)); err != nil {
		return err
	}

	bucketBytes := manager.bucketSize * memory.PageSize

	for len(p) > 0 {
		bucket := manager.buckets[id][offset/bucketBytes]
		within := offset % bucketBytes
		n := bucketBytes - within

		if n > uint64(len(p)) {
			n = uint64(len(p))
		}

		address := (headerPages+bucket*manager.bucketSize)*memory.PageSize + within

		if err := fn(p[:n], address); err != nil {
			return err
		}

		p = p[n:]
		offset += n
	}

	return nil
}

var _ memory.Memory = (*VirtualMemory)(nil)

// VirtualMemory is one of the memories managed by a Manager
type VirtualMemory struct {
	manager *Manager
	id      MemoryID
}

// ID returns the id of this memory
func (vm *VirtualMemory) ID() MemoryID {
	return vm.id
}

// Size implements memory.Memory.Size
func (vm *VirtualMemory) Size() uint64 {
	return vm.manager.size(vm.id)
}

// Grow implements memory.Memory.Grow
func (vm *VirtualMemory) Grow(pages uint64) (uint64, error) {
	return vm.manager.grow(vm.id, pages)
}

// ReadAt implements memory.Memory.ReadAt
func (vm *VirtualMemory) ReadAt(p []byte, offset uint64) error {
	return vm.manager.access(vm.id, p, offset, func(chunk []byte, address uint64) error {
		return vm.manager.mem.ReadAt(chunk, address)
	})
}

// WriteAt implements memory.Memory.WriteAt
func (vm *VirtualMemory) WriteAt(p []byte, offset uint64) error {
	return vm.manager.access(vm.id, p, offset, func(chunk []byte, address uint64) error {
		return vm.manager.mem.WriteAt(chunk, address)
	})
}
