// Package hashmap implements the open-addressed hash table of spec.md
// §4.C, grounded on the access patterns visible in
// original_source/src/mds-registry.c (hash_table_create_tuned, put,
// get_entry, contains_key, remove, foreach_hash_table_entry). Where the C
// source cast both keys and values through `size_t` and injected a
// comparator/hasher function pointer pair, spec.md §9 calls this out for
// redesign: Map is generic over key and value type, and equality/hashing
// are ordinary functions passed at construction, not int-encoded
// pointers.
package hashmap

// entryState distinguishes an empty slot from a tombstone (a slot that
// held an entry since removed) so probing can continue past it.
type entryState uint8

const (
	stateEmpty entryState = iota
	stateOccupied
	stateTombstone
)

type entry[K any, V any] struct {
	key   K
	value V
	state entryState
}

// Map is an open-addressed hash table keyed by K with values V.
type Map[K comparable, V any] struct {
	hash    func(K) uint64
	equal   func(K, K) bool
	entries []entry[K, V]
	size    int
}

const defaultCapacity = 16
const maxLoadFactorPercent = 70

func nextPow2(v int) int {
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}

// New creates an empty map with a small default capacity.
func New[K comparable, V any](hash func(K) uint64, equal func(K, K) bool) *Map[K, V] {
	return CreateTuned[K, V](hash, equal, defaultCapacity)
}

// CreateTuned creates a map pre-sized for preferredCapacity entries
// without triggering an early resize, mirroring
// hash_table_create_tuned's role in mds-registry.c's initialise_server.
func CreateTuned[K comparable, V any](hash func(K) uint64, equal func(K, K) bool, preferredCapacity int) *Map[K, V] {
	if preferredCapacity < 1 {
		preferredCapacity = defaultCapacity
	}
	cap_ := nextPow2((preferredCapacity*100 + maxLoadFactorPercent - 1) / maxLoadFactorPercent)
	if cap_ < 1 {
		cap_ = 1
	}
	return &Map[K, V]{
		hash:    hash,
		equal:   equal,
		entries: make([]entry[K, V], cap_),
	}
}

// Len returns the number of stored entries.
func (m *Map[K, V]) Len() int { return m.size }

// Capacity returns the current backing table size.
func (m *Map[K, V]) Capacity() int { return len(m.entries) }

func (m *Map[K, V]) slot(key K) int {
	mask := uint64(len(m.entries) - 1)
	i := m.hash(key) & mask
	firstTombstone := -1
	for {
		e := &m.entries[i]
		switch e.state {
		case stateEmpty:
			if firstTombstone >= 0 {
				return firstTombstone
			}
			return int(i)
		case stateTombstone:
			if firstTombstone < 0 {
				firstTombstone = int(i)
			}
		case stateOccupied:
			if m.equal(e.key, key) {
				return int(i)
			}
		}
		i = (i + 1) & mask
	}
}

func (m *Map[K, V]) growIfNeeded() {
	if (m.size+1)*100 <= len(m.entries)*maxLoadFactorPercent {
		return
	}
	old := m.entries
	m.entries = make([]entry[K, V], len(old)*2)
	m.size = 0
	for _, e := range old {
		if e.state == stateOccupied {
			m.insertNoGrow(e.key, e.value)
		}
	}
}

func (m *Map[K, V]) insertNoGrow(key K, value V) {
	i := m.slot(key)
	m.entries[i] = entry[K, V]{key: key, value: value, state: stateOccupied}
	m.size++
}

// Put inserts or replaces the value for key. It returns the previous
// value and true if key already existed; otherwise the zero value and
// false. This replaces the C source's errno-overloaded zero return
// (spec.md §9, Open Questions) with an explicit sum-typed outcome.
func (m *Map[K, V]) Put(key K, value V) (previous V, existed bool) {
	i := m.slot(key)
	if m.entries[i].state == stateOccupied {
		previous = m.entries[i].value
		m.entries[i].value = value
		return previous, true
	}
	m.growIfNeeded()
	// growIfNeeded may have rehashed; recompute the slot.
	i = m.slot(key)
	m.entries[i] = entry[K, V]{key: key, value: value, state: stateOccupied}
	m.size++
	var zero V
	return zero, false
}

// Get returns the value for key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	i := m.slot(key)
	if m.entries[i].state != stateOccupied {
		var zero V
		return zero, false
	}
	return m.entries[i].value, true
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Remove deletes key, reporting whether it was present.
func (m *Map[K, V]) Remove(key K) bool {
	i := m.slot(key)
	if m.entries[i].state != stateOccupied {
		return false
	}
	m.entries[i] = entry[K, V]{state: stateTombstone}
	m.size--
	return true
}

// Keys returns a snapshot of all present keys. Callers that need to
// remove entries while conceptually "iterating" must collect keys first
// via Keys and then Remove in a second pass — the pattern spec.md §9
// explicitly preserves from the C source ("Hash table iteration with
// mid-loop removal... preserve that pattern; do not rely on iterator
// invalidation rules of any particular container").
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.size)
	for _, e := range m.entries {
		if e.state == stateOccupied {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Each calls fn for every present (key, value) pair in table order. fn
// must not mutate the map; use Keys()+Remove for that.
func (m *Map[K, V]) Each(fn func(K, V)) {
	for _, e := range m.entries {
		if e.state == stateOccupied {
			fn(e.key, e.value)
		}
	}
}
