// Package stablemap implements a durable ordered map from uint64 keys
// to bounded size values stored in a memory.Memory.
//
// Values live in fixed size slots after a small header:
//
//   header: magic "SMP" | version | max value size u32 | slot count u64
//   slot:   state u8 | length u32 | key u64 | sequence u64 | crc32 | value
//
// An in-memory red-black tree maps keys to slots and is rebuilt from
// the slots when the map is attached. Updates never overwrite a live
// slot: the new version is written to a free slot with a higher
// sequence number and the old slot is released afterwards. A crash in
// between leaves two live slots for a key, and the one with the higher
// sequence number wins on the next attach. Slots whose checksum does
// not match were torn by a crash and are treated as free.
package stablemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/stacks/arraystack"
	"github.com/emirpasic/gods/utils"
	"github.com/jrife/polls/storage/memory"
	"go.uber.org/zap"
)

const (
	magic         = "SMP"
	layoutVersion = 1
	headerLength  = 64
	maxSizeOffset = 4
	countOffset   = 8

	slotHeaderLength = 32
	lengthOffset     = 4
	keyOffset        = 8
	seqOffset        = 16
	checksumOffset   = 24

	stateFree = 0
	stateLive = 1
)

var (
	// ErrBadMagic indicates that the memory holds something other than a map
	ErrBadMagic = errors.New("memory does not contain a stable map")
	// ErrUnsupportedVersion indicates a map written by an incompatible layout version
	ErrUnsupportedVersion = errors.New("unsupported stable map layout version")
	// ErrLayoutMismatch indicates that the codec's MaxSize differs
	// from the one the map was created with
	ErrLayoutMismatch = errors.New("codec does not match the stored map layout")
	// ErrValueTooLarge is returned by Insert when the encoded value
	// is larger than the codec's MaxSize
	ErrValueTooLarge = errors.New("encoded value exceeds the maximum value size")
	// ErrCorruptRecord indicates that a stored value could not be read back
	ErrCorruptRecord = errors.New("stored record is corrupt")
)

type option func(*config)

type config struct {
	logger *zap.Logger
}

// WithLogger sets the logger used to report recovery actions
func WithLogger(logger *zap.Logger) option {
	return func(c *config) {
		c.logger = logger
	}
}

type entry struct {
	slot uint64
	seq  uint64
}

// Map is a durable ordered map. Every successful Insert
// or Remove is durable when it returns.
type Map[V any] struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	mem      memory.Memory
	codec    Codec[V]
	slotSize uint64
	slots    uint64
	nextSeq  uint64
	index    *treemap.Map
	free     *arraystack.Stack
}

// Init attaches a map to mem. An empty mem is formatted for
// the codec's MaxSize. A populated mem is scanned to rebuild the index.
func Init[V any](mem memory.Memory, codec Codec[V], opts ...option) (*Map[V], error) {
	cfg := config{}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = zap.L()
	}

	if codec.MaxSize() <= 0 {
		return nil, fmt.Errorf("codec max size must be positive")
	}

	m := &Map[V]{
		logger:   cfg.logger,
		mem:      mem,
		codec:    codec,
		slotSize: slotHeaderLength + uint64(codec.MaxSize()),
		nextSeq:  1,
		index:    treemap.NewWith(utils.UInt64Comparator),
		free:     arraystack.New(),
	}

	if mem.Size() == 0 {
		if _, err := mem.Grow(1); err != nil {
			return nil, fmt.Errorf("could not allocate map header: %w", err)
		}

		if err := m.format(); err != nil {
			return nil, err
		}

		return m, nil
	}

	header := make([]byte, headerLength)

	if err := mem.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("could not read map header: %w", err)
	}

	if header[0] == 0 && header[1] == 0 && header[2] == 0 {
		if err := m.format(); err != nil {
			return nil, err
		}

		return m, nil
	}

	if string(header[:3]) != magic {
		return nil, ErrBadMagic
	}

	if header[3] != layoutVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[3])
	}

	if maxSize := binary.LittleEndian.Uint32(header[maxSizeOffset:]); maxSize != uint32(codec.MaxSize()) {
		return nil, fmt.Errorf("%w: map stores values up to %d bytes, codec allows %d", ErrLayoutMismatch, maxSize, codec.MaxSize())
	}

	m.slots = binary.LittleEndian.Uint64(header[countOffset:])

	if err := m.recover(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Map[V]) format() error {
	header := make([]byte, headerLength)

	header[3] = layoutVersion
	binary.LittleEndian.PutUint32(header[maxSizeOffset:], uint32(m.codec.MaxSize()))

	if err := m.mem.WriteAt(header[3:], 3); err != nil {
		return fmt.Errorf("could not write map header: %w", err)
	}

	if err := m.mem.WriteAt([]byte(magic), 0); err != nil {
		return fmt.Errorf("could not write map header magic: %w", err)
	}

	return nil
}

// recover rebuilds the index and the free list from the slots
func (m *Map[V]) recover() error {
	buf := make([]byte, m.slotSize)
	free := []uint64{}

	if m.slotOffset(m.slots) > m.mem.Size()*memory.PageSize {
		return fmt.Errorf("%w: header claims %d slots which do not fit in memory", ErrCorruptRecord, m.slots)
	}

	for slot := uint64(0); slot < m.slots; slot++ {
		if err := m.mem.ReadAt(buf, m.slotOffset(slot)); err != nil {
			return fmt.Errorf("could not read slot %d: %w", slot, err)
		}

		if buf[0] != stateLive {
			free = append(free, slot)

			continue
		}

		if !validSlot(buf) {
			m.logger.Warn("discarding torn slot", zap.Uint64("slot", slot))
			free = append(free, slot)

			continue
		}

		key := binary.LittleEndian.Uint64(buf[keyOffset:])
		seq := binary.LittleEndian.Uint64(buf[seqOffset:])

		if seq >= m.nextSeq {
			m.nextSeq = seq + 1
		}

		current := entry{slot: slot, seq: seq}

		if raw, ok := m.index.Get(key); ok {
			other := raw.(entry)
			stale := other

			if other.seq > seq {
				stale = current
				current = other
			}

			m.logger.Warn("releasing stale slot", zap.Uint64("key", key), zap.Uint64("slot", stale.slot), zap.Uint64("seq", stale.seq))

			if err := m.release(stale.slot); err != nil {
				return err
			}

			free = append(free, stale.slot)
		}

		m.index.Put(key, current)
	}

	// Lowest slots are reused first
	sort.Slice(free, func(i, j int) bool { return free[i] > free[j] })

	for _, slot := range free {
		m.free.Push(slot)
	}

	return nil
}

func validSlot(buf []byte) bool {
	length := binary.LittleEndian.Uint32(buf[lengthOffset:])

	if uint64(length) > uint64(len(buf))-slotHeaderLength {
		return false
	}

	return checksum(buf[:slotHeaderLength], buf[slotHeaderLength:slotHeaderLength+length]) == binary.LittleEndian.Uint32(buf[checksumOffset:])
}

// checksum covers everything in the slot except the state byte
// so that a slot can be released with a single byte write
func checksum(header []byte, value []byte) uint32 {
	sum := crc32.ChecksumIEEE(header[lengthOffset:checksumOffset])

	return crc32.Update(sum, crc32.IEEETable, value)
}

func (m *Map[V]) slotOffset(slot uint64) uint64 {
	return headerLength + slot*m.slotSize
}

func (m *Map[V]) release(slot uint64) error {
	if err := m.mem.WriteAt([]byte{stateFree}, m.slotOffset(slot)); err != nil {
		return fmt.Errorf("could not release slot %d: %w", slot, err)
	}

	return nil
}

func (m *Map[V]) read(key uint64, slot uint64) (V, error) {
	var zero V

	header := make([]byte, slotHeaderLength)

	if err := m.mem.ReadAt(header, m.slotOffset(slot)); err != nil {
		return zero, fmt.Errorf("could not read slot %d: %w", slot, err)
	}

	length := binary.LittleEndian.Uint32(header[lengthOffset:])

	if header[0] != stateLive || binary.LittleEndian.Uint64(header[keyOffset:]) != key || uint64(length) > m.slotSize-slotHeaderLength {
		return zero, fmt.Errorf("%w: slot %d does not hold key %d", ErrCorruptRecord, slot, key)
	}

	value := make([]byte, length)

	if err := m.mem.ReadAt(value, m.slotOffset(slot)+slotHeaderLength); err != nil {
		return zero, fmt.Errorf("could not read slot %d: %w", slot, err)
	}

	if checksum(header, value) != binary.LittleEndian.Uint32(header[checksumOffset:]) {
		return zero, fmt.Errorf("%w: checksum mismatch for key %d", ErrCorruptRecord, key)
	}

	v, err := m.codec.Unmarshal(value)

	if err != nil {
		return zero, fmt.Errorf("%w: %s", ErrCorruptRecord, err)
	}

	return v, nil
}

// Get returns the value stored under key. ok is false
// if there is no such key.
func (m *Map[V]) Get(key uint64) (value V, ok bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, ok := m.index.Get(key)

	if !ok {
		return value, false, nil
	}

	value, err = m.read(key, raw.(entry).slot)

	if err != nil {
		return value, false, err
	}

	return value, true, nil
}

// Insert stores value under key, replacing any previous value.
// It returns the previous value and whether there was one. It
// returns ErrValueTooLarge without touching the memory if the
// encoded value is larger than the codec's MaxSize.
func (m *Map[V]) Insert(key uint64, value V) (prev V, existed bool, err error) {
	encoded, err := m.codec.Marshal(value)

	if err != nil {
		return prev, false, fmt.Errorf("could not encode value for key %d: %w", key, err)
	}

	if len(encoded) > m.codec.MaxSize() {
		return prev, false, fmt.Errorf("%w: %d bytes for key %d, limit is %d", ErrValueTooLarge, len(encoded), key, m.codec.MaxSize())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var old entry

	if raw, ok := m.index.Get(key); ok {
		old = raw.(entry)

		if prev, err = m.read(key, old.slot); err != nil {
			return prev, false, err
		}

		existed = true
	}

	slot, fresh := m.allocate()

	if fresh {
		if err := memory.EnsureCapacity(m.mem, m.slotOffset(slot+1)); err != nil {
			return prev, false, fmt.Errorf("could not grow map: %w", err)
		}
	}

	buf := make([]byte, slotHeaderLength+len(encoded))

	buf[0] = stateLive
	binary.LittleEndian.PutUint32(buf[lengthOffset:], uint32(len(encoded)))
	binary.LittleEndian.PutUint64(buf[keyOffset:], key)
	binary.LittleEndian.PutUint64(buf[seqOffset:], m.nextSeq)
	copy(buf[slotHeaderLength:], encoded)
	binary.LittleEndian.PutUint32(buf[checksumOffset:], checksum(buf[:slotHeaderLength], encoded))

	if err := m.mem.WriteAt(buf, m.slotOffset(slot)); err != nil {
		if !fresh {
			m.free.Push(slot)
		}

		return prev, false, fmt.Errorf("could not write slot %d: %w", slot, err)
	}

	if fresh {
		count := make([]byte, 8)

		binary.LittleEndian.PutUint64(count, slot+1)

		// Until the count is written the slot is invisible
		// to recovery, so the insert has not happened yet.
		if err := m.mem.WriteAt(count, countOffset); err != nil {
			return prev, false, fmt.Errorf("could not write slot count: %w", err)
		}

		m.slots = slot + 1
	}

	m.index.Put(key, entry{slot: slot, seq: m.nextSeq})
	m.nextSeq++

	if existed {
		if err := m.release(old.slot); err != nil {
			return prev, existed, err
		}

		m.free.Push(old.slot)
	}

	return prev, existed, nil
}

// allocate picks a slot for a new value. fresh is true
// if the slot is past the current end of the slot array.
func (m *Map[V]) allocate() (slot uint64, fresh bool) {
	if raw, ok := m.free.Pop(); ok {
		return raw.(uint64), false
	}

	return m.slots, true
}

// Remove deletes key and returns its value. It has no
// effect and returns existed = false if there is no such key.
func (m *Map[V]) Remove(key uint64) (prev V, existed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.index.Get(key)

	if !ok {
		return prev, false, nil
	}

	slot := raw.(entry).slot

	if prev, err = m.read(key, slot); err != nil {
		return prev, false, err
	}

	if err := m.release(slot); err != nil {
		return prev, false, err
	}

	m.index.Remove(key)
	m.free.Push(slot)

	return prev, true, nil
}

// Len returns the number of keys in the map
func (m *Map[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.index.Size()
}

// Range calls fn for every key >= start in ascending order
// until fn returns false. fn must not call methods of m.
func (m *Map[V]) Range(start uint64, fn func(key uint64, value V) bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rawKey, rawEntry := m.index.Ceiling(start)

	for rawKey != nil {
		key := rawKey.(uint64)
		value, err := m.read(key, rawEntry.(entry).slot)

		if err != nil {
			return err
		}

		if !fn(key, value) || key == math.MaxUint64 {
			return nil
		}

		rawKey, rawEntry = m.index.Ceiling(key + 1)
	}

	return nil
}
