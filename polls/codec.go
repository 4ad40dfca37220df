package polls

import (
	"errors"
	"fmt"

	"github.com/jrife/polls/storage/stablemap"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxRecordSize is the largest encoded poll that can be stored
const MaxRecordSize = 1024

// Field numbers of the poll record. Fields are written in this
// order and absent optional fields are omitted, so the encoding
// of a poll is deterministic.
const (
	fieldID        protowire.Number = 1
	fieldQuestion  protowire.Number = 2
	fieldOption    protowire.Number = 3
	fieldVotes     protowire.Number = 4
	fieldCreatedAt protowire.Number = 5
	fieldUpdatedAt protowire.Number = 6
)

var errVoteCountMismatch = errors.New("number of vote counters does not match number of options")

var _ stablemap.Codec[Poll] = Codec{}

// Codec encodes polls in the protobuf wire format
type Codec struct{}

// MaxSize implements stablemap.Codec.MaxSize
func (Codec) MaxSize() int {
	return MaxRecordSize
}

// Marshal implements stablemap.Codec.Marshal
func (Codec) Marshal(poll Poll) ([]byte, error) {
	if len(poll.Votes) != len(poll.Options) {
		return nil, errVoteCountMismatch
	}

	var b []byte

	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, poll.ID)
	b = protowire.AppendTag(b, fieldQuestion, protowire.BytesType)
	b = protowire.AppendString(b, poll.Question)

	for _, option := range poll.Options {
		b = protowire.AppendTag(b, fieldOption, protowire.BytesType)
		b = protowire.AppendString(b, option)
	}

	if len(poll.Votes) > 0 {
		var packed []byte

		for _, votes := range poll.Votes {
			packed = protowire.AppendVarint(packed, votes)
		}

		b = protowire.AppendTag(b, fieldVotes, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, poll.CreatedAt)

	if poll.UpdatedAt != nil {
		b = protowire.AppendTag(b, fieldUpdatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, *poll.UpdatedAt)
	}

	return b, nil
}

// Unmarshal implements stablemap.Codec.Unmarshal. Unknown
// fields are skipped.
func (Codec) Unmarshal(data []byte) (Poll, error) {
	poll := Poll{Options: []string{}, Votes: []uint64{}}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)

		if n < 0 {
			return Poll{}, fmt.Errorf("could not read field tag: %w", protowire.ParseError(n))
		}

		data = data[n:]

		switch {
		case num == fieldID && typ == protowire.VarintType:
			poll.ID, n = protowire.ConsumeVarint(data)
		case num == fieldQuestion && typ == protowire.BytesType:
			poll.Question, n = protowire.ConsumeString(data)
		case num == fieldOption && typ == protowire.BytesType:
			var option string

			option, n = protowire.ConsumeString(data)
			poll.Options = append(poll.Options, option)
		case num == fieldVotes && typ == protowire.BytesType:
			var packed []byte

			packed, n = protowire.ConsumeBytes(data)

			for len(packed) > 0 {
				votes, m := protowire.ConsumeVarint(packed)

				if m < 0 {
					return Poll{}, fmt.Errorf("could not read vote counter: %w", protowire.ParseError(m))
				}

				poll.Votes = append(poll.Votes, votes)
				packed = packed[m:]
			}
		case num == fieldCreatedAt && typ == protowire.VarintType:
			poll.CreatedAt, n = protowire.ConsumeVarint(data)
		case num == fieldUpdatedAt && typ == protowire.VarintType:
			var updatedAt uint64

			updatedAt, n = protowire.ConsumeVarint(data)
			poll.UpdatedAt = &updatedAt
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}

		if n < 0 {
			return Poll{}, fmt.Errorf("could not read field %d: %w", num, protowire.ParseError(n))
		}

		data = data[n:]
	}

	if len(poll.Votes) != len(poll.Options) {
		return Poll{}, errVoteCountMismatch
	}

	return poll, nil
}
