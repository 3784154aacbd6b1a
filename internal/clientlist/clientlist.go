// Package clientlist implements the per-command client multiset described
// in spec.md §3/§4.A: an unordered multiset of 64-bit client IDs backed by
// a power-of-two-capacity array, grown by doubling and shrunk by halving,
// grounded on original_source/src/libmdsserver/client-list.c.
package clientlist

import (
	"math/bits"

	"github.com/mdsproject/mds/internal/clientid"
	"github.com/mdsproject/mds/internal/marshal"
)

// DefaultCapacity is the capacity used when New is called with 0, and the
// floor below which a shrink will never take the list.
const DefaultCapacity = 8

// Version is the current marshal format version for ClientList.
const Version = 0

// ClientList is a growable multiset of client IDs.
type ClientList struct {
	clients  []clientid.ID
	capacity int
}

func toPowerOfTwo(v int) int {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(v-1))
}

// New creates a client list with at least minCapacity slots (rounded up
// to a power of two). minCapacity == 0 means "use DefaultCapacity".
func New(minCapacity int) *ClientList {
	if minCapacity == 0 {
		minCapacity = DefaultCapacity
	}
	cap_ := toPowerOfTwo(minCapacity)
	return &ClientList{
		clients:  make([]clientid.ID, 0, cap_),
		capacity: cap_,
	}
}

// Len returns the current number of elements (the C source's `size`).
func (l *ClientList) Len() int { return len(l.clients) }

// Capacity returns the current backing capacity, always a power of two.
func (l *ClientList) Capacity() int { return l.capacity }

// Items returns the live elements in storage order. The returned slice
// aliases internal storage and must not be retained across a mutation.
func (l *ClientList) Items() []clientid.ID { return l.clients }

// Clone produces an independent copy at the source's capacity.
func (l *ClientList) Clone() *ClientList {
	out := &ClientList{
		clients:  make([]clientid.ID, len(l.clients), l.capacity),
		capacity: l.capacity,
	}
	copy(out.clients, l.clients)
	return out
}

// Add appends client to the list, doubling capacity if full. Multiset
// semantics: adding a duplicate is allowed and increases its multiplicity.
func (l *ClientList) Add(client clientid.ID) {
	if len(l.clients) == l.capacity {
		l.capacity <<= 1
		grown := make([]clientid.ID, len(l.clients), l.capacity)
		copy(grown, l.clients)
		l.clients = grown
	}
	l.clients = append(l.clients, client)
}

// RemoveFirst removes the first occurrence of client by shifting the
// tail one slot left. A no-op if client is absent. Shrinks capacity by
// halving when size*2 <= capacity, but never below DefaultCapacity.
func (l *ClientList) RemoveFirst(client clientid.ID) {
	for i, c := range l.clients {
		if c != client {
			continue
		}
		l.clients = append(l.clients[:i], l.clients[i+1:]...)
		if len(l.clients)*2 <= l.capacity && l.capacity > DefaultCapacity {
			newCap := l.capacity / 2
			if newCap < DefaultCapacity {
				newCap = DefaultCapacity
			}
			shrunk := make([]clientid.ID, len(l.clients), newCap)
			copy(shrunk, l.clients)
			l.clients = shrunk
			l.capacity = newCap
		}
		return
	}
}

// MarshalSize returns the number of bytes Marshal will write.
func (l *ClientList) MarshalSize() int {
	return 4 + 8 + 8 + len(l.clients)*8
}

// Marshal writes [version int32][capacity uint64][size uint64][client_id...].
func (l *ClientList) Marshal(w *marshal.Writer) {
	w.Int32(Version)
	w.Uint64(uint64(l.capacity))
	w.Uint64(uint64(len(l.clients)))
	for _, c := range l.clients {
		w.Uint64(uint64(c))
	}
}

// Unmarshal reconstructs a ClientList from r, allocating storage sized to
// the marshalled capacity (not merely the element count), matching the
// original's realloc-for-future-growth behaviour.
func Unmarshal(r *marshal.Reader) (*ClientList, error) {
	if _, err := r.Version(Version); err != nil {
		return nil, err
	}
	cap64, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	size64, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	l := &ClientList{
		clients:  make([]clientid.ID, 0, int(cap64)),
		capacity: int(cap64),
	}
	for i := uint64(0); i < size64; i++ {
		v, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		l.clients = append(l.clients, clientid.ID(v))
	}
	return l, nil
}
