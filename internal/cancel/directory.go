// Package cancel maps the fake (pid, secret) pairs the pooler hands out in
// its synthetic BackendKeyData to the real server each belongs to, so an
// incoming CancelRequest can be relayed to the right backend instead of the
// session that happens to hold a connection at the moment it arrives.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Target is where a CancelRequest for one fake key must be relayed.
type Target struct {
	RealPID    uint32
	RealSecret uint32
	Address    string // backend dial address, "host:port"
}

type key struct {
	pid    uint32
	secret uint32
}

// snapshot is an immutable point-in-time view of the directory, stored in
// atomic.Value for lock-free lookups on the cancel-request hot path.
type snapshot struct {
	entries map[key]Target
}

// Directory is the process-global registry of in-flight fake keys. Lookup is
// lock-free; Insert/Remove serialize on a write mutex and swap in a new
// snapshot.
type Directory struct {
	snap atomic.Value // holds *snapshot
	wmu  sync.Mutex
}

// New creates an empty Directory.
func New() *Directory {
	d := &Directory{}
	d.snap.Store(&snapshot{entries: make(map[key]Target)})
	return d
}

func (d *Directory) load() *snapshot {
	return d.snap.Load().(*snapshot)
}

// Insert registers a fake (pid, secret) pair issued to a client for the
// duration of its session.
func (d *Directory) Insert(fakePID, fakeSecret uint32, target Target) {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	cur := d.load()
	next := make(map[key]Target, len(cur.entries)+1)
	for k, v := range cur.entries {
		next[k] = v
	}
	next[key{fakePID, fakeSecret}] = target
	d.snap.Store(&snapshot{entries: next})
}

// Remove drops a fake key, typically when the client session it belonged to
// ends.
func (d *Directory) Remove(fakePID, fakeSecret uint32) {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	cur := d.load()
	k := key{fakePID, fakeSecret}
	if _, ok := cur.entries[k]; !ok {
		return
	}
	next := make(map[key]Target, len(cur.entries))
	for kk, v := range cur.entries {
		if kk != k {
			next[kk] = v
		}
	}
	d.snap.Store(&snapshot{entries: next})
}

// Lookup resolves a fake (pid, secret) pair to its real backend target.
// Lock-free.
func (d *Directory) Lookup(fakePID, fakeSecret uint32) (Target, bool) {
	t, ok := d.load().entries[key{fakePID, fakeSecret}]
	return t, ok
}

// Len reports the number of currently registered fake keys, for metrics.
func (d *Directory) Len() int {
	return len(d.load().entries)
}
