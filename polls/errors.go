package polls

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any NotFoundError
	ErrNotFound = errors.New("poll not found")
	// ErrInvalidVote matches any InvalidVoteError
	ErrInvalidVote = errors.New("invalid vote")
)

// NotFoundError is returned when no poll has the requested id
type NotFoundError struct {
	ID uint64
}

func (err *NotFoundError) Error() string {
	return fmt.Sprintf("poll with id=%d not found", err.ID)
}

// Is makes errors.Is(err, ErrNotFound) true
func (err *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InvalidVoteError is returned when a vote names an option
// that the poll does not have
type InvalidVoteError struct {
	ID      uint64
	Index   uint64
	Options int
}

func (err *InvalidVoteError) Error() string {
	return fmt.Sprintf("invalid option index %d for poll with id=%d: poll has %d options", err.Index, err.ID, err.Options)
}

// Is makes errors.Is(err, ErrInvalidVote) true
func (err *InvalidVoteError) Is(target error) bool {
	return target == ErrInvalidVote
}
