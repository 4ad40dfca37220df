package stablemap

// Codec converts map values to and from bytes. Marshal must be
// deterministic: equal values must produce equal bytes so that size
// checks give the same answer every time. Encoded values longer than
// MaxSize are rejected by the map. MaxSize is part of the on-disk
// layout and cannot change for an existing map.
type Codec[V any] interface {
	Marshal(value V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
	MaxSize() int
}
