package peer

import (
	"fmt"
	"sync"
)

// Table owns every registered peer and enforces the reader/writer
// discipline from spec.md §5: Lookup/Range/Active are read-heavy
// hot-path operations taking a shared view, while Register/Remove
// take the exclusive lock. Peers are keyed by stable ID, matching Design
// Note §9's arena+index scheme; Register, Lookup, LookupByAddress and
// Active hand out *Peer pointers, which remain usable after Remove.
type Table struct {
	mu    sync.RWMutex
	peers map[ID]*Peer
}

// NewTable creates an empty peer table.
func NewTable() *Table {
	return &Table{peers: make(map[ID]*Peer)}
}

// Register adds a peer built from cfg and returns it.
func (t *Table) Register(cfg Config) *Peer {
	p := New(cfg)
	t.mu.Lock()
	t.peers[p.ID()] = p
	t.mu.Unlock()
	return p
}

// Remove deletes a peer from the table.
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
}

// Lookup returns the peer for id, if registered.
func (t *Table) Lookup(id ID) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// LookupByAddress does a linear scan for the peer bound to addr; used
// on datagram arrival to demultiplex by source address. Hot path, but
// still read-locked rather than lock-free, since registration/removal
// is comparatively rare (spec.md §5's read-heavy/write-rare split).
func (t *Table) LookupByAddress(addr string) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.Address() != nil && p.Address().String() == addr {
			return p, true
		}
	}
	return nil, false
}

// Range calls fn for every registered peer under a shared lock. fn
// must not call back into Table.
func (t *Table) Range(fn func(*Peer)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		fn(p)
	}
}

// Active returns every peer currently in StateActive, the candidate
// set for bonding.
func (t *Table) Active() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.State() == StateActive {
			out = append(out, p)
		}
	}
	return out
}

// Len reports the number of registered peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// String is used in log lines; avoids dumping full peer state.
func (t *Table) String() string {
	return fmt.Sprintf("peer.Table{%d peers}", t.Len())
}
