// Package bus routes guest I/O accesses to device endpoints. Two address
// spaces exist side by side: memory-mapped I/O and port I/O. Each space is a
// sorted table of non-overlapping half-open ranges, dispatched by binary
// search. Writes and reads against one endpoint are serialized by a
// per-endpoint guard so device models never need their own exit-path locking.
package bus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrRangeConflict means a registration overlaps an existing range.
	ErrRangeConflict = errors.New("bus: range conflict")

	// ErrNotFound means no registered range matches the one given.
	ErrNotFound = errors.New("bus: range not found")

	// ErrUnmapped means no endpoint covers the accessed address. Callers
	// on the exit path translate this into unmapped-I/O fallback behavior
	// rather than propagating it.
	ErrUnmapped = errors.New("bus: unmapped address")

	errEmptyRange = errors.New("bus: empty range")
)

// Kind selects one of the two I/O address spaces.
type Kind int

const (
	MMIO Kind = iota
	PIO
)

func (k Kind) String() string {
	if k == MMIO {
		return "mmio"
	}

	return "pio"
}

// Range is the half-open interval [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
}

func (r Range) end() uint64 { return r.Base + r.Size }

func (r Range) overlaps(o Range) bool {
	return r.Base < o.end() && o.Base < r.end()
}

func (r Range) contains(addr uint64) bool {
	return addr >= r.Base && addr < r.end()
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.end())
}

// Endpoint is a device-side handler for guest I/O in one range. The address
// passed to Read and Write is absolute; endpoints subtract their base.
type Endpoint interface {
	Read(addr uint64, data []byte) error
	Write(addr uint64, data []byte) error
}

type entry struct {
	r  Range
	ep Endpoint
	mu sync.Mutex
}

// Bus is the registration table for both address spaces. The table itself is
// only mutated during construction or while the machine is fully paused, so
// dispatch takes no table-level lock.
type Bus struct {
	entries [2][]*entry // indexed by Kind
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Register adds an endpoint for r. It fails with ErrRangeConflict if r
// overlaps any registered range of the same kind, leaving the table
// unchanged.
func (b *Bus) Register(kind Kind, r Range, ep Endpoint) error {
	if r.Size == 0 {
		return errEmptyRange
	}

	tbl := b.entries[kind]

	i := sort.Search(len(tbl), func(i int) bool { return tbl[i].r.Base >= r.Base })

	if i > 0 && tbl[i-1].r.overlaps(r) {
		return fmt.Errorf("%w: %s %s overlaps %s", ErrRangeConflict, kind, r, tbl[i-1].r)
	}

	if i < len(tbl) && tbl[i].r.overlaps(r) {
		return fmt.Errorf("%w: %s %s overlaps %s", ErrRangeConflict, kind, r, tbl[i].r)
	}

	tbl = append(tbl, nil)
	copy(tbl[i+1:], tbl[i:])
	tbl[i] = &entry{r: r, ep: ep}
	b.entries[kind] = tbl

	return nil
}

// Unregister removes the exact range r. It fails with ErrNotFound if r was
// never registered.
func (b *Bus) Unregister(kind Kind, r Range) error {
	tbl := b.entries[kind]

	i := sort.Search(len(tbl), func(i int) bool { return tbl[i].r.Base >= r.Base })
	if i >= len(tbl) || tbl[i].r != r {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, r)
	}

	b.entries[kind] = append(tbl[:i], tbl[i+1:]...)

	return nil
}

func (b *Bus) find(kind Kind, addr uint64) (*entry, error) {
	tbl := b.entries[kind]

	// First range whose end is past addr; it matches iff it contains addr.
	i := sort.Search(len(tbl), func(i int) bool { return tbl[i].r.end() > addr })
	if i >= len(tbl) || !tbl[i].r.contains(addr) {
		return nil, fmt.Errorf("%w: %s %#x", ErrUnmapped, kind, addr)
	}

	return tbl[i], nil
}

// Read dispatches a guest read at addr to the covering endpoint.
func (b *Bus) Read(kind Kind, addr uint64, data []byte) error {
	e, err := b.find(kind, addr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ep.Read(addr, data)
}

// Write dispatches a guest write at addr to the covering endpoint.
func (b *Bus) Write(kind Kind, addr uint64, data []byte) error {
	e, err := b.find(kind, addr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ep.Write(addr, data)
}

// Ranges returns the registered ranges of one kind in ascending order.
func (b *Bus) Ranges(kind Kind) []Range {
	out := make([]Range, len(b.entries[kind]))
	for i, e := range b.entries[kind] {
		out[i] = e.r
	}

	return out
}
