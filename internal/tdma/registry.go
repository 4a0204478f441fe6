package tdma

// Placeholder marks a slot whose owner has not been heard yet. It is never a
// valid node address.
const Placeholder uint8 = 0

// Registry maps slot index to owning node address. The slot count of the
// network is always Len()+1, the extra slot being listen-only.
type Registry struct {
	nodes []uint8
}

// NewRegistry returns a registry holding addrs in slot order. Duplicate or
// placeholder entries after the first occurrence are kept as placeholders.
func NewRegistry(addrs ...uint8) *Registry {
	r := &Registry{}
	for i, a := range addrs {
		if err := r.Place(i, a); err != nil {
			r.GrowTo(i + 1)
		}
	}
	return r
}

// Len is the number of slots with an assigned (or pending) owner.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Nodes returns a copy of the slot table.
func (r *Registry) Nodes() []uint8 {
	out := make([]uint8, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// At returns the owner of slot i, or Placeholder when out of range.
func (r *Registry) At(i int) uint8 {
	if i < 0 || i >= len(r.nodes) {
		return Placeholder
	}
	return r.nodes[i]
}

// IndexOf returns the slot owned by addr.
func (r *Registry) IndexOf(addr uint8) (int, bool) {
	if addr == Placeholder {
		return 0, false
	}
	for i, a := range r.nodes {
		if a == addr {
			return i, true
		}
	}
	return 0, false
}

// Contains reports whether addr owns a slot.
func (r *Registry) Contains(addr uint8) bool {
	_, ok := r.IndexOf(addr)
	return ok
}

// Add appends addr as the owner of a new slot.
func (r *Registry) Add(addr uint8) error {
	if addr == Placeholder {
		return ErrInvalidAddress
	}
	if r.Contains(addr) {
		return ErrAlreadyRegistered
	}
	r.nodes = append(r.nodes, addr)
	return nil
}

// Place assigns slot i to addr, growing the table with placeholders if
// needed. Placing an address into the slot it already owns is a no-op.
func (r *Registry) Place(i int, addr uint8) error {
	if addr == Placeholder || i < 0 {
		return ErrInvalidAddress
	}
	if j, ok := r.IndexOf(addr); ok {
		if j == i {
			return nil
		}
		return ErrAlreadyRegistered
	}
	r.GrowTo(i + 1)
	if r.nodes[i] != Placeholder {
		return ErrSlotOccupied
	}
	r.nodes[i] = addr
	return nil
}

// GrowTo extends the table with placeholders up to n entries. It never
// shrinks and reports whether anything was added.
func (r *Registry) GrowTo(n int) bool {
	if n <= len(r.nodes) {
		return false
	}
	for len(r.nodes) < n {
		r.nodes = append(r.nodes, Placeholder)
	}
	return true
}

// Reset empties the table.
func (r *Registry) Reset() {
	r.nodes = r.nodes[:0]
}
