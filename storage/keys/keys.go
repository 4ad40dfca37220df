package keys

import (
	"encoding/binary"
)

// Uint64ToKey constructs a key from a uint64.
// Keys built this way sort in the same order
// as the integers they encode.
func Uint64ToKey(i uint64) []byte {
	k := make([]byte, 8)

	binary.BigEndian.PutUint64(k, i)

	return k
}

// KeyToUint64 decodes a key built with Uint64ToKey.
// ok is false if the key is not 8 bytes long.
func KeyToUint64(k []byte) (i uint64, ok bool) {
	if len(k) != 8 {
		return 0, false
	}

	return binary.BigEndian.Uint64(k), true
}
