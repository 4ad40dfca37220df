// Package bbolt implements memory.Backend on top of a bbolt database.
// Each page of the memory is a value in a bucket keyed by its page
// index. Pages that were never written are not stored and read as
// zeros. Every WriteAt runs in its own read-write transaction so it
// is durable once bbolt commits.
package bbolt

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jrife/polls/storage/keys"
	"github.com/jrife/polls/storage/memory"
	bolt "go.etcd.io/bbolt"
)

var (
	pagesBucket = []byte("pages")
	metaBucket  = []byte("meta")
	sizeKey     = []byte("size")
)

// StoreConfig configures a bbolt backed memory
type StoreConfig struct {
	Path string
	// MaxPages limits growth. Zero means no limit.
	MaxPages uint64
	// Timeout is how long Open waits for the file lock.
	// Zero waits forever.
	Timeout time.Duration
}

var _ memory.Backend = (*Store)(nil)

// Store is a memory.Backend backed by bbolt
type Store struct {
	mu       sync.RWMutex
	db       *bolt.DB
	size     uint64
	maxPages uint64
	closed   bool
}

// Open opens or creates the database at config.Path
func Open(config StoreConfig) (*Store, error) {
	db, err := bolt.Open(config.Path, 0666, &bolt.Options{Timeout: config.Timeout})

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", config.Path, err)
	}

	var size uint64

	if err := db.Update(func(txn *bolt.Tx) error {
		if _, err := txn.CreateBucketIfNotExists(pagesBucket); err != nil {
			return err
		}

		meta, err := txn.CreateBucketIfNotExists(metaBucket)

		if err != nil {
			return err
		}

		if v := meta.Get(sizeKey); v != nil {
			size = binary.LittleEndian.Uint64(v)
		}

		return nil
	}); err != nil {
		db.Close()

		return nil, fmt.Errorf("could not ensure buckets exist: %w", err)
	}

	return &Store{db: db, size: size, maxPages: config.MaxPages}, nil
}

// Path returns the path of the database file
func (store *Store) Path() string {
	return store.db.Path()
}

// Size implements memory.Memory.Size
func (store *Store) Size() uint64 {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return store.size
}

// Grow implements memory.Memory.Grow
func (store *Store) Grow(pages uint64) (uint64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return 0, memory.ErrClosed
	}

	size := store.size

	if store.maxPages != 0 && size+pages > store.maxPages {
		return 0, memory.ErrGrowFailed
	}

	if err := store.db.Update(func(txn *bolt.Tx) error {
		v := make([]byte, 8)

		binary.LittleEndian.PutUint64(v, size+pages)

		return txn.Bucket(metaBucket).Put(sizeKey, v)
	}); err != nil {
		return 0, fmt.Errorf("%w: %s", memory.ErrGrowFailed, err)
	}

	store.size = size + pages

	return size, nil
}

// ReadAt implements memory.Memory.ReadAt
func (store *Store) ReadAt(p []byte, offset uint64) error {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if store.closed {
		return memory.ErrClosed
	}

	if err := memory.CheckBounds(store.size, offset, len(p)); err != nil {
		return err
	}

	return store.db.View(func(txn *bolt.Tx) error {
		pages := txn.Bucket(pagesBucket)

		return forEachPage(p, offset, func(index uint64, pageOffset uint64, chunk []byte) error {
			page := pages.Get(keys.Uint64ToKey(index))

			if page == nil {
				for i := range chunk {
					chunk[i] = 0
				}

				return nil
			}

			copy(chunk, page[pageOffset:])

			return nil
		})
	})
}

// WriteAt implements memory.Memory.WriteAt
func (store *Store) WriteAt(p []byte, offset uint64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return memory.ErrClosed
	}

	if err := memory.CheckBounds(store.size, offset, len(p)); err != nil {
		return err
	}

	if len(p) == 0 {
		return nil
	}

	if err := store.db.Update(func(txn *bolt.Tx) error {
		pages := txn.Bucket(pagesBucket)

		return forEachPage(p, offset, func(index uint64, pageOffset uint64, chunk []byte) error {
			key := keys.Uint64ToKey(index)
			page := make([]byte, memory.PageSize)

			if existing := pages.Get(key); existing != nil {
				copy(page, existing)
			}

			copy(page[pageOffset:], chunk)

			return pages.Put(key, page)
		})
	}); err != nil {
		return fmt.Errorf("could not write %d bytes at %d: %w", len(p), offset, err)
	}

	return nil
}

// forEachPage splits the range starting at offset into
// the chunks of p that fall into each page.
func forEachPage(p []byte, offset uint64, fn func(index uint64, pageOffset uint64, chunk []byte) error) error {
	for len(p) > 0 {
		index := offset / memory.PageSize
		pageOffset := offset % memory.PageSize
		n := memory.PageSize - pageOffset

		if n > uint64(len(p)) {
			n = uint64(len(p))
		}

		if err := fn(index, pageOffset, p[:n]); err != nil {
			return err
		}

		p = p[n:]
		offset += n
	}

	return nil
}

// Close implements memory.Backend.Close
func (store *Store) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil
	}

	store.closed = true

	return store.db.Close()
}

// Delete implements memory.Backend.Delete
func (store *Store) Delete() error {
	path := store.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %w", path, err)
	}

	return nil
}
