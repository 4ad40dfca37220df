package memory_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/polls/storage/memory"
)

func TestVectorGrow(t *testing.T) {
	vector := memory.NewVector(3)

	if size := vector.Size(); size != 0 {
		t.Fatalf("expected empty vector, got %d pages", size)
	}

	prev, err := vector.Grow(2)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if prev != 0 {
		t.Fatalf("expected previous size 0, got %d", prev)
	}

	if _, err := vector.Grow(2); !errors.Is(err, memory.ErrGrowFailed) {
		t.Fatalf("expected ErrGrowFailed, got %#v", err)
	}

	if size := vector.Size(); size != 2 {
		t.Fatalf("expected failed grow to leave size at 2, got %d", size)
	}
}

func TestVectorReadWrite(t *testing.T) {
	vector := memory.NewVector(0)

	if _, err := vector.Grow(1); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := vector.WriteAt([]byte{1, 2, 3}, memory.PageSize-3); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	p := make([]byte, 4)

	if err := vector.ReadAt(p, memory.PageSize-4); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]byte{0, 1, 2, 3}, p); diff != "" {
		t.Fatal(diff)
	}

	if err := vector.WriteAt([]byte{1}, memory.PageSize); !errors.Is(err, memory.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %#v", err)
	}

	if err := vector.ReadAt(make([]byte, 2), memory.PageSize-1); !errors.Is(err, memory.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %#v", err)
	}
}

func TestCheckBounds(t *testing.T) {
	testCases := map[string]struct {
		size   uint64
		offset uint64
		n      int
		err    error
	}{
		"empty-read-at-end": {
			size:   1,
			offset: memory.PageSize,
			n:      0,
		},
		"inside": {
			size:   2,
			offset: 10,
			n:      memory.PageSize,
		},
		"past-end": {
			size:   1,
			offset: memory.PageSize - 1,
			n:      2,
			err:    memory.ErrOutOfBounds,
		},
		"overflow": {
			size:   1,
			offset: ^uint64(0),
			n:      2,
			err:    memory.ErrOutOfBounds,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if err := memory.CheckBounds(testCase.size, testCase.offset, testCase.n); err != testCase.err {
				t.Fatalf("expected %#v, got %#v", testCase.err, err)
			}
		})
	}
}

func TestEnsureCapacity(t *testing.T) {
	vector := memory.NewVector(0)

	if err := memory.EnsureCapacity(vector, memory.PageSize+1); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if size := vector.Size(); size != 2 {
		t.Fatalf("expected 2 pages, got %d", size)
	}

	if err := memory.EnsureCapacity(vector, 10); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if size := vector.Size(); size != 2 {
		t.Fatalf("expected EnsureCapacity not to shrink or grow, got %d pages", size)
	}
}
