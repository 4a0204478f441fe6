package sim

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultFirstAddress is the first address handed out by a new AddressBook.
const DefaultFirstAddress uint8 = 101

// ErrAddressesExhausted is returned once every address up to 255 is taken.
var ErrAddressesExhausted = errors.New("sim: address space exhausted")

// AddressBook allocates unique node addresses for one simulation.
type AddressBook struct {
	mu    sync.Mutex
	next  int
	order []uint8
	names map[uint8]string
}

// NewAddressBook returns a book whose first allocation is first. A zero
// first uses DefaultFirstAddress.
func NewAddressBook(first uint8) *AddressBook {
	if first == 0 {
		first = DefaultFirstAddress
	}
	return &AddressBook{next: int(first), names: make(map[uint8]string)}
}

// Allocate reserves the next address for name.
func (b *AddressBook) Allocate(name string) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next > 255 {
		return 0, fmt.Errorf("allocate %q: %w", name, ErrAddressesExhausted)
	}
	addr := uint8(b.next)
	b.next++
	b.order = append(b.order, addr)
	b.names[addr] = name
	return addr, nil
}

// Addresses returns every allocated address in allocation order.
func (b *AddressBook) Addresses() []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint8(nil), b.order...)
}

// Name returns the name addr was allocated for.
func (b *AddressBook) Name(addr uint8) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.names[addr]
	return n, ok
}

// FirstOther returns the earliest allocated address that is not self.
func (b *AddressBook) FirstOther(self uint8) (uint8, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.order {
		if a != self {
			return a, true
		}
	}
	return 0, false
}
