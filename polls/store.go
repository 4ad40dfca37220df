package polls

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jrife/polls/storage/counter"
	"github.com/jrife/polls/storage/memory"
	"github.com/jrife/polls/storage/memory/manager"
	"github.com/jrife/polls/storage/stablemap"
	"github.com/jrife/polls/utils/log"
	"go.uber.org/zap"
)

const (
	// CounterMemoryID is the region holding the id counter
	CounterMemoryID manager.MemoryID = 0
	// PollsMemoryID is the region holding the polls
	PollsMemoryID manager.MemoryID = 1
)

// Clock returns the current time as a number
type Clock func() uint64

// UnixNanoClock reads the wall clock in nanoseconds since the epoch
func UnixNanoClock() uint64 {
	return uint64(time.Now().UnixNano())
}

// StoreConfig contains the dependencies of a Store
type StoreConfig struct {
	Logger *zap.Logger
	IDs    *counter.Counter
	Polls  *stablemap.Map[Poll]
	Clock  Clock
}

// Store implements the poll operations on top of a
// durable id counter and a durable map of polls.
//
// Expected failures (unknown ids, bad option indexes) are
// returned as errors. Storage failures panic: once a write
// cannot be made durable there is no state a caller could
// safely recover to.
type Store struct {
	mu     sync.Mutex
	logger *zap.Logger
	ids    *counter.Counter
	polls  *stablemap.Map[Poll]
	clock  Clock
}

// New creates a Store
func New(config StoreConfig) *Store {
	store := &Store{
		logger: config.Logger,
		ids:    config.IDs,
		polls:  config.Polls,
		clock:  config.Clock,
	}

	if store.logger == nil {
		store.logger = zap.L()
	}

	if store.clock == nil {
		store.clock = UnixNanoClock
	}

	return store
}

// OpenConfig configures Open
type OpenConfig struct {
	Logger *zap.Logger
	Clock  Clock
	// BucketSize is the region bucket size in pages used when
	// mem is empty. Zero selects manager.DefaultBucketSize.
	BucketSize uint16
}

// Open lays out a Store in mem: the id counter in CounterMemoryID
// and the polls in PollsMemoryID. Opening a populated mem reattaches
// to the polls stored in it.
func Open(mem memory.Memory, config OpenConfig) (*Store, error) {
	bucketSize := config.BucketSize

	if bucketSize == 0 {
		bucketSize = manager.DefaultBucketSize
	}

	regions, err := manager.Init(mem, manager.WithBucketSize(bucketSize))

	if err != nil {
		return nil, fmt.Errorf("could not initialize memory manager: %w", err)
	}

	ids, err := counter.Init(regions.Get(CounterMemoryID), 0)

	if err != nil {
		return nil, fmt.Errorf("could not initialize id counter: %w", err)
	}

	logger := config.Logger

	if logger == nil {
		logger = zap.L()
	}

	polls, err := stablemap.Init[Poll](regions.Get(PollsMemoryID), Codec{}, stablemap.WithLogger(logger.With(zap.String("component", "stablemap"))))

	if err != nil {
		return nil, fmt.Errorf("could not initialize poll map: %w", err)
	}

	return New(StoreConfig{
		Logger: logger,
		IDs:    ids,
		Polls:  polls,
		Clock:  config.Clock,
	}), nil
}

func (store *Store) operationLogger(ctx context.Context, operation string) *zap.Logger {
	return log.WithContext(ctx, store.logger).With(zap.String("operation", operation))
}

func (store *Store) get(logger *zap.Logger, id uint64) (Poll, bool) {
	poll, ok, err := store.polls.Get(id)

	if err != nil {
		logger.Panic("could not read poll", zap.Uint64("poll_id", id), zap.Error(err))
	}

	return poll, ok
}

func (store *Store) put(logger *zap.Logger, poll Poll) bool {
	_, existed, err := store.polls.Insert(poll.ID, poll)

	if err != nil {
		logger.Panic("could not store poll", zap.Uint64("poll_id", poll.ID), zap.Error(err))
	}

	return existed
}

// GetPoll returns the poll with this id
func (store *Store) GetPoll(ctx context.Context, id uint64) (Poll, error) {
	logger := store.operationLogger(ctx, "GetPoll")
	logger.Debug("start GetPoll()", zap.Uint64("poll_id", id))

	store.mu.Lock()
	defer store.mu.Unlock()

	poll, ok := store.get(logger, id)

	if !ok {
		err := &NotFoundError{ID: id}

		logger.Debug("error", zap.Error(err))

		return Poll{}, err
	}

	return poll, nil
}

// CreatePoll stores a new poll with a freshly allocated id
// and one zeroed vote counter per option
func (store *Store) CreatePoll(ctx context.Context, question string, options []string) Poll {
	logger := store.operationLogger(ctx, "CreatePoll")
	logger.Debug("start CreatePoll()", zap.String("question", question), zap.Strings("options", options))

	store.mu.Lock()
	defer store.mu.Unlock()

	poll := Poll{
		ID:        store.ids.AllocateNext(),
		Question:  question,
		Options:   append([]string{}, options...),
		Votes:     make([]uint64, len(options)),
		CreatedAt: store.clock(),
	}

	if store.put(logger, poll) {
		// ids come from a counter that never goes back
		// so an existing poll under a new id means the
		// counter and the map disagree.
		logger.DPanic("overwrote an existing poll with a newly allocated id", zap.Uint64("poll_id", poll.ID))
	}

	logger.Debug("return from CreatePoll()", zap.Uint64("poll_id", poll.ID))

	return poll
}

// Vote adds one vote for the option at optionIndex
func (store *Store) Vote(ctx context.Context, pollID uint64, optionIndex uint64) (Poll, error) {
	logger := store.operationLogger(ctx, "Vote")
	logger.Debug("start Vote()", zap.Uint64("poll_id", pollID), zap.Uint64("option_index", optionIndex))

	store.mu.Lock()
	defer store.mu.Unlock()

	poll, ok := store.get(logger, pollID)

	if !ok {
		err := &NotFoundError{ID: pollID}

		logger.Debug("error", zap.Error(err))

		return Poll{}, err
	}

	if optionIndex >= uint64(len(poll.Options)) {
		err := &InvalidVoteError{ID: pollID, Index: optionIndex, Options: len(poll.Options)}

		logger.Debug("error", zap.Error(err))

		return Poll{}, err
	}

	if poll.Votes[optionIndex] == math.MaxUint64 {
		logger.Panic("vote counter would overflow", zap.Uint64("poll_id", pollID), zap.Uint64("option_index", optionIndex))
	}

	now := store.clock()
	poll.Votes[optionIndex]++
	poll.UpdatedAt = &now

	store.put(logger, poll)

	return poll, nil
}

// DeletePoll removes the poll with this id and returns it
func (store *Store) DeletePoll(ctx context.Context, id uint64) (Poll, error) {
	logger := store.operationLogger(ctx, "DeletePoll")
	logger.Debug("start DeletePoll()", zap.Uint64("poll_id", id))

	store.mu.Lock()
	defer store.mu.Unlock()

	poll, existed, err := store.polls.Remove(id)

	if err != nil {
		logger.Panic("could not remove poll", zap.Uint64("poll_id", id), zap.Error(err))
	}

	if !existed {
		err := &NotFoundError{ID: id}

		logger.Debug("error", zap.Error(err))

		return Poll{}, err
	}

	return poll, nil
}

// ListPolls returns up to limit polls whose id is >= start in
// ascending id order. A negative limit means no limit.
func (store *Store) ListPolls(ctx context.Context, start uint64, limit int) []Poll {
	logger := store.operationLogger(ctx, "ListPolls")
	logger.Debug("start ListPolls()", zap.Uint64("start", start), zap.Int("limit", limit))

	store.mu.Lock()
	defer store.mu.Unlock()

	polls := []Poll{}

	if limit == 0 {
		return polls
	}

	if err := store.polls.Range(start, func(id uint64, poll Poll) bool {
		polls = append(polls, poll)

		return limit < 0 || len(polls) < limit
	}); err != nil {
		logger.Panic("could not read polls", zap.Error(err))
	}

	logger.Debug("return from ListPolls()", zap.Int("count", len(polls)))

	return polls
}

// NextID returns the id the next created poll will get
func (store *Store) NextID() uint64 {
	return store.ids.Current()
}
