package granule

// Map is a flat array holding one T per granule of the heap's virtual
// offset space. Index i corresponds to virtual offset i<<Shift(). Access is
// direct-indexed; callers are responsible for any locking the owning
// subsystem requires (see spec §5 "Shared-resource policy").
type Map[T any] struct {
	entries []T
}

// NewMap allocates a Map sized for a heap of the given byte size.
func NewMap[T any](heapSize uint64) *Map[T] {
	n := heapSize >> Shift()
	return &Map[T]{entries: make([]T, n)}
}

// granuleIndex converts a virtual Offset into a granule index.
func granuleIndex(o Offset) uint64 { return uint64(o) >> Shift() }

// Get returns the value stored for the granule at offset o.
func (m *Map[T]) Get(o Offset) T {
	return m.entries[granuleIndex(o)]
}

// Set stores v for the granule at offset o.
func (m *Map[T]) Set(o Offset, v T) {
	m.entries[granuleIndex(o)] = v
}

// Slice returns the backing slice for the granule run [o, o+size), suitable
// for bulk fill by the physical backing manager.
func (m *Map[T]) Slice(o Offset, size uint64) []T {
	start := granuleIndex(o)
	n := size >> Shift()
	return m.entries[start : start+n]
}

// Len returns the number of granules tracked.
func (m *Map[T]) Len() int { return len(m.entries) }
