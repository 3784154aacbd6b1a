// Package registry implements the protocol registry core of spec.md
// §4.F: a table from command name to the set of clients implementing
// its server side, grounded on
// original_source/src/mds-registry.c (registry_action_add,
// registry_action_remove, registry_action_act, list_registry,
// handle_close_message). The C source declared a condition variable
// (reg_cond) that was initialised and destroyed but never waited or
// signalled on — its "wait until registered" action only ever collected
// missing names into a set with a `/* FIXME */` left where the wait
// itself should have been. Registry completes that: Wait blocks on a
// real sync.Cond until every named command is registered or ctx is
// done.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/mdsproject/mds/internal/arena"
	"github.com/mdsproject/mds/internal/clientid"
	"github.com/mdsproject/mds/internal/clientlist"
	"github.com/mdsproject/mds/internal/hashmap"
	"github.com/mdsproject/mds/internal/marshal"
)

// Version is the registry table's own marshal format version, one level
// above the per-command ClientList versioning clientlist.Marshal already
// carries.
const Version = 0

func hashString(s string) uint64 { return xxhash.Sum64String(s) }
func equalString(a, b string) bool { return a == b }

// initialCapacity mirrors mds-registry.c's initialise_server call,
// hash_table_create_tuned(&reg_table, 32).
const initialCapacity = 32

// Registry maps a protocol command name to the multiset of clients that
// have registered as its server-side implementor.
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	table   *hashmap.Map[string, *clientlist.ClientList]
	waiters *arena.List[[]string] // pending Wait calls, insertion order, for queue-depth observability
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{
		table:   hashmap.CreateTuned[string, *clientlist.ClientList](hashString, equalString, initialCapacity),
		waiters: arena.New[[]string](0),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Add registers client as an implementor of command, grounded on
// registry_action_add.
func (r *Registry) Add(command string, client clientid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.table.Get(command)
	if !ok {
		list = clientlist.New(1)
		r.table.Put(command, list)
	}
	list.Add(client)
	r.cond.Broadcast()
}

// Remove unregisters client from command, grounded on
// registry_action_remove. The command is dropped from the registry
// entirely once its client list becomes empty.
func (r *Registry) Remove(command string, client clientid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.table.Get(command)
	if !ok {
		return
	}
	list.RemoveFirst(client)
	if list.Len() == 0 {
		r.table.Remove(command)
	}
}

// ClientClosed removes client from every command it implements, pruning
// any command left with no implementor, grounded on
// handle_close_message's "collect empty keys, then remove" two-pass
// structure (the hash map's Keys()+Remove mid-iteration mutation
// pattern spec.md §9 calls for preserving verbatim).
func (r *Registry) ClientClosed(client clientid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var empty []string
	r.table.Each(func(command string, list *clientlist.ClientList) {
		list.RemoveFirst(client)
		if list.Len() == 0 {
			empty = append(empty, command)
		}
	})
	for _, command := range empty {
		r.table.Remove(command)
	}
}

// List returns every currently registered command name, sorted for
// deterministic wire output (list_registry iterates the hash table in
// bucket order, an implementation detail this does not reproduce).
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := r.table.Keys()
	sort.Strings(names)
	return names
}

// IsRegistered reports whether command has at least one implementor.
func (r *Registry) IsRegistered(command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Contains(command)
}

// Wait blocks until every command in commands has at least one
// implementor, or ctx is done. It returns the subset still missing when
// ctx ends before they all register (empty on success). While blocked,
// the call occupies one slot in the waiters ring (spec.md §4.B's indexed
// linked list, here used for wait-queue bookkeeping rather than the
// registry table itself) so PendingWaiters reports accurate depth.
func (r *Registry) Wait(ctx context.Context, commands []string) []string {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.waiters.InsertAfter(arena.Sentinel, commands)
	defer r.waiters.Remove(slot)

	for {
		missing := r.missingLocked(commands)
		if len(missing) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return missing
		}
		r.cond.Wait()
	}
}

// PendingWaiters reports how many Wait calls are currently blocked,
// grounded on the arena-backed ring's O(1) Len.
func (r *Registry) PendingWaiters() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters.Len()
}

func (r *Registry) missingLocked(commands []string) []string {
	var missing []string
	for _, c := range commands {
		if !r.table.Contains(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// MarshalSize returns the number of bytes Marshal will write, so a
// re-exec buffer can be allocated once instead of grown incrementally.
func (r *Registry) MarshalSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := 4 + 8 // version, entry count
	r.table.Each(func(command string, list *clientlist.ClientList) {
		size += marshal.SizeCString(command) + list.MarshalSize()
	})
	return size
}

// Marshal writes [version int32][count uint64]{[command cstring][client
// list]...}, composing clientlist.Marshal per command the way spec.md's
// state-transfer buffer is built bottom-up from client list to table.
func (r *Registry) Marshal(w *marshal.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.Int32(Version)
	w.Uint64(uint64(r.table.Len()))
	r.table.Each(func(command string, list *clientlist.ClientList) {
		w.CString(command)
		list.Marshal(w)
	})
}

// Unmarshal reconstructs a Registry from r, produced by an earlier
// Marshal. Re-exec hands this buffer across execve so the new process's
// registry starts with every command/client binding the old one held,
// with no implementor ever having to re-register.
func Unmarshal(r *marshal.Reader) (*Registry, error) {
	if _, err := r.Version(Version); err != nil {
		return nil, err
	}
	count, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	reg := New()
	for i := uint64(0); i < count; i++ {
		command, err := r.CString()
		if err != nil {
			return nil, err
		}
		list, err := clientlist.Unmarshal(r)
		if err != nil {
			return nil, err
		}
		reg.table.Put(command, list)
	}
	return reg, nil
}
