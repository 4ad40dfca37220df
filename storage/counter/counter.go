// Package counter implements a durable 64 bit counter stored in a
// memory.Memory. It is used to hand out identifiers that must never
// be reused, even across restarts.
package counter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/jrife/polls/storage/memory"
)

const (
	magic         = "CTR"
	layoutVersion = 1
	valueOffset   = 8
	headerLength  = valueOffset + 8
)

var (
	// ErrBadMagic indicates that the memory holds something other than a counter
	ErrBadMagic = errors.New("memory does not contain a counter")
	// ErrUnsupportedVersion indicates a counter written by an incompatible layout version
	ErrUnsupportedVersion = errors.New("unsupported counter layout version")
)

// Counter is a durable uint64.
//
//   magic "CTR" | version | padding | value u64
type Counter struct {
	mu    sync.Mutex
	mem   memory.Memory
	value uint64
}

// Init attaches a counter to mem. If mem is empty the counter is created
// with the initial value. Otherwise the stored value is loaded and
// initial is ignored.
func Init(mem memory.Memory, initial uint64) (*Counter, error) {
	counter := &Counter{mem: mem}

	if mem.Size() == 0 {
		if _, err := mem.Grow(1); err != nil {
			return nil, fmt.Errorf("could not allocate counter: %w", err)
		}

		header := make([]byte, headerLength)

		copy(header, magic)
		header[3] = layoutVersion
		binary.LittleEndian.PutUint64(header[valueOffset:], initial)

		if err := mem.WriteAt(header, 0); err != nil {
			return nil, fmt.Errorf("could not write counter: %w", err)
		}

		counter.value = initial

		return counter, nil
	}

	header := make([]byte, headerLength)

	if err := mem.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("could not read counter: %w", err)
	}

	if string(header[:3]) != magic {
		return nil, ErrBadMagic
	}

	if header[3] != layoutVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[3])
	}

	counter.value = binary.LittleEndian.Uint64(header[valueOffset:])

	return counter, nil
}

// Current returns the last value that was set
func (counter *Counter) Current() uint64 {
	counter.mu.Lock()
	defer counter.mu.Unlock()

	return counter.value
}

// Set durably stores v
func (counter *Counter) Set(v uint64) error {
	counter.mu.Lock()
	defer counter.mu.Unlock()

	return counter.set(v)
}

func (counter *Counter) set(v uint64) error {
	value := make([]byte, 8)

	binary.LittleEndian.PutUint64(value, v)

	if err := counter.mem.WriteAt(value, valueOffset); err != nil {
		return fmt.Errorf("could not write counter value: %w", err)
	}

	counter.value = v

	return nil
}

// AllocateNext returns the current value and durably advances the
// counter by one. The new value is stored before AllocateNext returns.
// It panics if the write fails or the counter would overflow: handing
// out a value whose allocation was not stored could lead to the same
// value being handed out twice.
func (counter *Counter) AllocateNext() uint64 {
	counter.mu.Lock()
	defer counter.mu.Unlock()

	current := counter.value

	if current == math.MaxUint64 {
		panic("counter: cannot allocate past the maximum value")
	}

	if err := counter.set(current + 1); err != nil {
		panic(fmt.Sprintf("counter: could not allocate %d: %s", current, err))
	}

	return current
}
