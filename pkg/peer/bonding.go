package peer

// Bonding implements weighted round-robin egress selection across the
// active peers of a link, skipping any peer whose loss rate exceeds
// its cutoff, per spec.md §4.5.
type Bonding struct {
	table   *Table
	weights []int
	counter int
}

// NewBonding wraps a peer Table with bonding selection state.
func NewBonding(table *Table) *Bonding {
	return &Bonding{table: table}
}

// Select returns the next peer to send a packet on, using weighted
// round-robin over the eligible (active, under-cutoff) set: a counter
// advances modulo the total weight and picks the peer whose cumulative
// weight range contains it, so each peer gets a contiguous run of
// selections per cycle.
// Returns nil if no peer is eligible.
func (b *Bonding) Select() *Peer {
	eligible := make([]*Peer, 0, 4)
	for _, p := range b.table.Active() {
		if !p.ExceedsCutoff() {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	total := 0
	for _, p := range eligible {
		total += p.Weight()
	}
	if total <= 0 {
		return eligible[0]
	}

	b.counter = (b.counter + 1) % total
	acc := 0
	for _, p := range eligible {
		acc += p.Weight()
		if b.counter < acc {
			return p
		}
	}
	return eligible[len(eligible)-1]
}

// Eligible returns the current eligible peer set without advancing
// the round-robin counter, useful for stats reporting.
func (b *Bonding) Eligible() []*Peer {
	eligible := make([]*Peer, 0, 4)
	for _, p := range b.table.Active() {
		if !p.ExceedsCutoff() {
			eligible = append(eligible, p)
		}
	}
	return eligible
}

// Dedup tracks sequences already merged from multiple bonded peers
// into one logical flow, so that the single receive side never
// delivers the same sequence twice (spec.md §4.5 "A single receive
// side merges arrivals from all peers into one flow (dedup by
// sequence)"). Capacity bounds memory for a sliding window of recently
// seen sequences.
type Dedup struct {
	seen     map[uint32]struct{}
	order    []uint32
	capacity int
}

// NewDedup creates a dedup window holding up to capacity sequences.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Dedup{seen: make(map[uint32]struct{}, capacity), capacity: capacity}
}

// Admit reports whether sequence has not been seen before, recording
// it either way (idempotence: a true result fires exactly once).
func (d *Dedup) Admit(sequence uint32) bool {
	if _, ok := d.seen[sequence]; ok {
		return false
	}
	d.seen[sequence] = struct{}{}
	d.order = append(d.order, sequence)
	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return true
}
