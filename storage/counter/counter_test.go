package counter_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/polls/storage/counter"
	"github.com/jrife/polls/storage/memory"
)

// failingMemory fails every write once failWrites is set
type failingMemory struct {
	memory.Memory
	failWrites bool
}

func (mem *failingMemory) WriteAt(p []byte, offset uint64) error {
	if mem.failWrites {
		return errors.New("medium unavailable")
	}

	return mem.Memory.WriteAt(p, offset)
}

func TestAllocateNext(t *testing.T) {
	c, err := counter.Init(memory.NewVector(0), 0)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if current := c.Current(); current != 0 {
		t.Fatalf("expected a fresh counter to start at 0, got %d", current)
	}

	allocated := []uint64{}

	for i := 0; i < 5; i++ {
		allocated = append(allocated, c.AllocateNext())
	}

	if diff := cmp.Diff([]uint64{0, 1, 2, 3, 4}, allocated); diff != "" {
		t.Fatal(diff)
	}

	if current := c.Current(); current != 5 {
		t.Fatalf("expected 5, got %d", current)
	}
}

func TestReattach(t *testing.T) {
	mem := memory.NewVector(0)
	c, err := counter.Init(mem, 10)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	c.AllocateNext()
	c.AllocateNext()

	// initial is ignored for a populated memory
	reattached, err := counter.Init(mem, 0)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if current := reattached.Current(); current != 12 {
		t.Fatalf("expected 12, got %d", current)
	}

	if next := reattached.AllocateNext(); next != 12 {
		t.Fatalf("expected 12, got %d", next)
	}
}

func TestSet(t *testing.T) {
	mem := memory.NewVector(0)
	c, err := counter.Init(mem, 0)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := c.Set(100); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	reattached, err := counter.Init(mem, 0)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if current := reattached.Current(); current != 100 {
		t.Fatalf("expected 100, got %d", current)
	}
}

func TestAllocateNextWriteFailure(t *testing.T) {
	mem := &failingMemory{Memory: memory.NewVector(0)}
	c, err := counter.Init(mem, 7)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	mem.failWrites = true

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected AllocateNext to panic")
			}
		}()

		c.AllocateNext()
	}()

	if current := c.Current(); current != 7 {
		t.Fatalf("expected a failed allocation to leave the counter at 7, got %d", current)
	}
}

func TestAllocateNextOverflow(t *testing.T) {
	c, err := counter.Init(memory.NewVector(0), math.MaxUint64)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected AllocateNext to panic")
		}
	}()

	c.AllocateNext()
}

func TestInitErrors(t *testing.T) {
	testCases := map[string]struct {
		header []byte
		err    error
	}{
		"bad-magic": {
			header: []byte("XYZ\x01"),
			err:    counter.ErrBadMagic,
		},
		"bad-version": {
			header: []byte("CTR\x09"),
			err:    counter.ErrUnsupportedVersion,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			mem := memory.NewVector(0)

			if _, err := mem.Grow(1); err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if err := mem.WriteAt(testCase.header, 0); err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if _, err := counter.Init(mem, 0); !errors.Is(err, testCase.err) {
				t.Fatalf("expected %#v, got %#v", testCase.err, err)
			}
		})
	}
}

func TestInitGrowFailure(t *testing.T) {
	mem := memory.NewVector(0)

	if err := mem.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, err := counter.Init(mem, 0); !errors.Is(err, memory.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %#v", err)
	}
}
