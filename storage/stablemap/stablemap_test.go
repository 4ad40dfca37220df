package stablemap_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/polls/storage/memory"
	"github.com/jrife/polls/storage/memory/manager"
	"github.com/jrife/polls/storage/stablemap"
)

type stringCodec struct {
	maxSize int
}

func (codec stringCodec) Marshal(value string) ([]byte, error) {
	return []byte(value), nil
}

func (codec stringCodec) Unmarshal(data []byte) (string, error) {
	return string(data), nil
}

func (codec stringCodec) MaxSize() int {
	return codec.maxSize
}

// flakyMemory fails single byte writes once failReleases is set
type flakyMemory struct {
	memory.Memory
	failReleases bool
}

func (mem *flakyMemory) WriteAt(p []byte, offset uint64) error {
	if mem.failReleases && len(p) == 1 {
		return errors.New("medium unavailable")
	}

	return mem.Memory.WriteAt(p, offset)
}

func newMap(t *testing.T, mem memory.Memory) *stablemap.Map[string] {
	m, err := stablemap.Init[string](mem, stringCodec{maxSize: 16})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	return m
}

func mustInsert(t *testing.T, m *stablemap.Map[string], key uint64, value string) {
	if _, _, err := m.Insert(key, value); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}
}

type kv struct {
	Key   uint64
	Value string
}

func contents(t *testing.T, m *stablemap.Map[string], start uint64) []kv {
	result := []kv{}

	if err := m.Range(start, func(key uint64, value string) bool {
		result = append(result, kv{key, value})

		return true
	}); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	return result
}

func TestGetInsertRemove(t *testing.T) {
	m := newMap(t, memory.NewVector(0))

	if _, ok, err := m.Get(1); err != nil || ok {
		t.Fatalf("expected missing key, got ok = %t, err = %#v", ok, err)
	}

	prev, existed, err := m.Insert(1, "one")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if existed || prev != "" {
		t.Fatalf("expected no previous value, got %q", prev)
	}

	value, ok, err := m.Get(1)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if !ok || value != "one" {
		t.Fatalf("expected \"one\", got %q (ok = %t)", value, ok)
	}

	prev, existed, err = m.Insert(1, "uno")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if !existed || prev != "one" {
		t.Fatalf("expected previous value \"one\", got %q (existed = %t)", prev, existed)
	}

	prev, existed, err = m.Remove(1)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if !existed || prev != "uno" {
		t.Fatalf("expected removed value \"uno\", got %q (existed = %t)", prev, existed)
	}

	if _, existed, err := m.Remove(1); err != nil || existed {
		t.Fatalf("expected second remove to be a no-op, got existed = %t, err = %#v", existed, err)
	}

	if size := m.Len(); size != 0 {
		t.Fatalf("expected empty map, got %d keys", size)
	}
}

func TestInsertValueTooLarge(t *testing.T) {
	mem := memory.NewVector(0)
	m := newMap(t, mem)
	size := mem.Size()

	if _, _, err := m.Insert(1, strings.Repeat("x", 17)); !errors.Is(err, stablemap.ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %#v", err)
	}

	if _, ok, _ := m.Get(1); ok {
		t.Fatalf("expected rejected value not to be stored")
	}

	if mem.Size() != size {
		t.Fatalf("expected rejected insert not to grow memory")
	}

	mustInsert(t, m, 1, strings.Repeat("x", 16))
}

func TestRangeOrder(t *testing.T) {
	m := newMap(t, memory.NewVector(0))

	for _, key := range []uint64{42, 7, 1 << 40, 0, 300} {
		mustInsert(t, m, key, "v")
	}

	testCases := map[string]struct {
		start  uint64
		result []kv
	}{
		"all": {
			start:  0,
			result: []kv{{0, "v"}, {7, "v"}, {42, "v"}, {300, "v"}, {1 << 40, "v"}},
		},
		"from-middle": {
			start:  8,
			result: []kv{{42, "v"}, {300, "v"}, {1 << 40, "v"}},
		},
		"past-end": {
			start:  1<<40 + 1,
			result: []kv{},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(testCase.result, contents(t, m, testCase.start)); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestRangeMaxKey(t *testing.T) {
	m := newMap(t, memory.NewVector(0))

	for _, key := range []uint64{math.MaxUint64, math.MaxUint64 - 1, 3} {
		mustInsert(t, m, key, "v")
	}

	expected := []kv{{math.MaxUint64 - 1, "v"}, {math.MaxUint64, "v"}}

	if diff := cmp.Diff(expected, contents(t, m, math.MaxUint64-1)); diff != "" {
		t.Fatal(diff)
	}

	if diff := cmp.Diff([]kv{{math.MaxUint64, "v"}}, contents(t, m, math.MaxUint64)); diff != "" {
		t.Fatal(diff)
	}
}

func TestRangeStop(t *testing.T) {
	m := newMap(t, memory.NewVector(0))

	for key := uint64(0); key < 5; key++ {
		mustInsert(t, m, key, "v")
	}

	visited := 0

	if err := m.Range(0, func(key uint64, value string) bool {
		visited++

		return visited < 2
	}); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if visited != 2 {
		t.Fatalf("expected Range to stop after 2 keys, visited %d", visited)
	}
}

func TestReattach(t *testing.T) {
	mgr, err := manager.Init(memory.NewVector(0), manager.WithBucketSize(1))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	mem := mgr.Get(1)
	m := newMap(t, mem)

	// Enough values to span several pages and buckets
	for key := uint64(0); key < 5000; key++ {
		mustInsert(t, m, key, "value")
	}

	for key := uint64(0); key < 5000; key += 2 {
		if _, _, err := m.Remove(key); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	mustInsert(t, m, 1, "updated")

	reattached := newMap(t, mem)

	if size := reattached.Len(); size != 2500 {
		t.Fatalf("expected 2500 keys, got %d", size)
	}

	value, ok, err := reattached.Get(1)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if !ok || value != "updated" {
		t.Fatalf("expected \"updated\", got %q (ok = %t)", value, ok)
	}

	if _, ok, _ := reattached.Get(2); ok {
		t.Fatalf("expected removed key to stay removed")
	}
}

func TestSlotReuse(t *testing.T) {
	mem := memory.NewVector(0)
	m := newMap(t, mem)

	// a slot is 48 bytes so a page holds over a thousand of them
	for key := uint64(0); key < 1000; key++ {
		mustInsert(t, m, key, "value")
	}

	size := mem.Size()

	for round := 0; round < 10; round++ {
		for key := uint64(0); key < 1000; key++ {
			mustInsert(t, m, key, "other")
		}
	}

	if mem.Size() != size {
		t.Fatalf("expected updates to reuse released slots, memory grew from %d to %d pages", size, mem.Size())
	}
}

func TestRecoverInterruptedUpdate(t *testing.T) {
	mem := &flakyMemory{Memory: memory.NewVector(0)}
	m := newMap(t, mem)

	mustInsert(t, m, 1, "old")

	mem.failReleases = true

	// The new version is durable but the old slot could not be released
	if _, _, err := m.Insert(1, "new"); err == nil {
		t.Fatalf("expected an error")
	}

	mem.failReleases = false

	reattached := newMap(t, mem)

	if diff := cmp.Diff([]kv{{1, "new"}}, contents(t, reattached, 0)); diff != "" {
		t.Fatal(diff)
	}

	// Both slots are free or live for key 1 only, so a
	// further update must not resurrect "old"
	mustInsert(t, reattached, 1, "newer")

	again := newMap(t, mem)

	if diff := cmp.Diff([]kv{{1, "newer"}}, contents(t, again, 0)); diff != "" {
		t.Fatal(diff)
	}
}

func TestInitErrors(t *testing.T) {
	mem := memory.NewVector(0)
	newMap(t, mem)

	if _, err := stablemap.Init[string](mem, stringCodec{maxSize: 32}); !errors.Is(err, stablemap.ErrLayoutMismatch) {
		t.Fatalf("expected ErrLayoutMismatch, got %#v", err)
	}

	if _, err := stablemap.Init[string](memory.NewVector(0), stringCodec{maxSize: 0}); err == nil {
		t.Fatalf("expected an error for a zero max size")
	}

	other := memory.NewVector(0)

	if _, err := other.Grow(1); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := other.WriteAt([]byte("CTR\x01"), 0); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, err := stablemap.Init[string](other, stringCodec{maxSize: 16}); !errors.Is(err, stablemap.ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %#v", err)
	}
}
