// Package memory owns guest physical RAM: an anonymous mmap shared with the
// hardware facility plus translation, bulk read/write and dirty-page
// enumeration for the snapshot coordinator.
package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyvmm/tinyvmm/kvm"
)

const PageSize = 4096

var (
	ErrOutOfRange         = errors.New("guest address out of range")
	ErrNotAttached        = errors.New("memory not attached to a VM")
	errSizeNotPageAligned = errors.New("memory size not page aligned")
)

// Guest is the guest physical address space. A single slot starting at
// guest physical address zero backs the whole of it.
type Guest struct {
	buf  []byte
	vmFd uintptr
	slot uint32

	attached bool
	tracking bool
}

// New mmaps size bytes of anonymous memory for use as guest RAM.
func New(size int) (*Guest, error) {
	if size%PageSize != 0 {
		return nil, fmt.Errorf("%w: %d", errSizeNotPageAligned, size)
	}

	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	return &Guest{buf: buf}, nil
}

// Attach registers the memory as slot 0 of the given VM.
func (g *Guest) Attach(vmFd uintptr) error {
	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(g.buf)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&g.buf[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
		return fmt.Errorf("SetUserMemoryRegion: %w", err)
	}

	g.vmFd = vmFd
	g.attached = true

	return nil
}

// Size returns the guest RAM size in bytes.
func (g *Guest) Size() int {
	return len(g.buf)
}

// Translate returns the host byte slice backing [gpa, gpa+n).
func (g *Guest) Translate(gpa uint64, n int) ([]byte, error) {
	if n < 0 || gpa > uint64(len(g.buf)) || gpa+uint64(n) > uint64(len(g.buf)) {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, gpa, gpa+uint64(n))
	}

	return g.buf[gpa : gpa+uint64(n)], nil
}

// ReadAt copies guest memory at off into p. It implements io.ReaderAt.
func (g *Guest) ReadAt(p []byte, off int64) (int, error) {
	src, err := g.Translate(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, src), nil
}

// WriteAt copies p into guest memory at off. It implements io.WriterAt.
func (g *Guest) WriteAt(p []byte, off int64) (int, error) {
	dst, err := g.Translate(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(dst, p), nil
}

// Bytes exposes the raw backing slice. The snapshot coordinator streams it
// wholesale; all other callers go through Translate.
func (g *Guest) Bytes() []byte {
	return g.buf
}

// EnableDirtyTracking re-registers the slot with KVM_MEM_LOG_DIRTY_PAGES so
// subsequent guest writes appear in the dirty bitmap.
func (g *Guest) EnableDirtyTracking() error {
	if !g.attached {
		return ErrNotAttached
	}

	region := &kvm.UserspaceMemoryRegion{
		Slot:          g.slot,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(g.buf)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&g.buf[0]))),
	}
	region.SetMemLogDirtyPages()

	if err := kvm.SetUserMemoryRegion(g.vmFd, region); err != nil {
		return fmt.Errorf("enable dirty tracking: %w", err)
	}

	g.tracking = true

	return nil
}

// Region is a run of dirty guest pages. Data aliases the backing memory.
type Region struct {
	Base uint64
	Data []byte
}

// DirtyRegions fetches and clears the dirty bitmap and returns the dirty
// pages coalesced into contiguous regions. The enumeration restarts from a
// clean bitmap on every call.
func (g *Guest) DirtyRegions() ([]Region, error) {
	if !g.tracking {
		return nil, ErrNotAttached
	}

	numPages := (len(g.buf) + PageSize - 1) / PageSize
	bitmap := make([]uint64, (numPages+63)/64)

	dl := &kvm.DirtyLog{
		Slot:   g.slot,
		BitMap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}

	if err := kvm.GetDirtyLog(g.vmFd, dl); err != nil {
		return nil, fmt.Errorf("GetDirtyLog: %w", err)
	}

	return coalesce(g.buf, bitmap), nil
}

// coalesce turns a dirty bitmap into contiguous regions over buf.
func coalesce(buf []byte, bitmap []uint64) []Region {
	var regions []Region

	start, run := -1, 0

	flush := func() {
		if start < 0 {
			return
		}

		base := start * PageSize
		end := base + run*PageSize

		if end > len(buf) {
			end = len(buf)
		}

		regions = append(regions, Region{Base: uint64(base), Data: buf[base:end]})
		start, run = -1, 0
	}

	for wi, word := range bitmap {
		for bit := 0; bit < 64; bit++ {
			page := wi*64 + bit
			if page*PageSize >= len(buf) {
				break
			}

			if word&(1<<uint(bit)) != 0 {
				if start < 0 {
					start = page
				}

				run++

				continue
			}

			flush()
		}
	}

	flush()

	return regions
}

// Release unmaps the guest memory. The Guest must not be used afterwards.
func (g *Guest) Release() error {
	if g.buf == nil {
		return nil
	}

	err := unix.Munmap(g.buf)
	g.buf = nil

	return err
}
