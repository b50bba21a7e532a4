// Package snapshot defines the serialized form of a paused machine: a
// stream of framed sections holding the header, per-vCPU architectural
// state, VM-wide hardware state, device state and guest memory. The format
// is versioned; a reader refuses streams written by an incompatible monitor.
package snapshot

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

// FormatVersion is bumped whenever the stream layout or any section schema
// changes incompatibly.
const FormatVersion = uint32(1)

var (
	// ErrIncompatibleVersion means the stream was written by a monitor
	// whose format this one cannot read.
	ErrIncompatibleVersion = errors.New("snapshot: incompatible format version")

	// ErrCorrupt means the stream is structurally damaged: bad magic,
	// truncated frame, or an undecodable section.
	ErrCorrupt = errors.New("snapshot: corrupt stream")
)

// SectionType tags one frame in the stream.
type SectionType uint32

const (
	SectionHeader SectionType = iota + 1
	SectionVCPU
	SectionVMState
	SectionDevice
	SectionMemory
	SectionEnd
)

func (s SectionType) String() string {
	switch s {
	case SectionHeader:
		return "header"
	case SectionVCPU:
		return "vcpu"
	case SectionVMState:
		return "vmstate"
	case SectionDevice:
		return "device"
	case SectionMemory:
		return "memory"
	case SectionEnd:
		return "end"
	}

	return "invalid"
}

// Header opens every stream.
type Header struct {
	Version    uint32
	InstanceID string
	NCPUs      int
	MemSize    int64
	// Devices lists device names in bus registration order. Restore
	// refuses a snapshot whose manifest does not match the configured
	// machine.
	Devices []string
}

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the complete architectural state of a single vCPU.
// Binary KVM structs are stored as raw byte slices to preserve their exact
// in-memory layout (including padding) without encoding ambiguity.
type VCPUState struct {
	ID        int
	Regs      []byte     // kvm.Regs
	Sregs     []byte     // kvm.Sregs
	MSRs      []MSREntry // model-specific registers
	LAPIC     []byte     // kvm.LAPICState
	Events    []byte     // kvm.VCPUEvents
	MPState   uint32     // kvm.MPState.State
	DebugRegs []byte     // kvm.DebugRegs
	XCRS      []byte     // kvm.XCRS
}

// VMState holds VM-level (not per-vCPU) hardware state.
type VMState struct {
	Clock         []byte // kvm.ClockData
	IRQChipPIC0   []byte // kvm.IRQChip ChipID=0 (master PIC)
	IRQChipPIC1   []byte // kvm.IRQChip ChipID=1 (slave PIC)
	IRQChipIOAPIC []byte // kvm.IRQChip ChipID=2 (IOAPIC)
	PIT2          []byte // kvm.PITState2
}

// DeviceState is one device's opaque saved state, keyed by device name.
type DeviceState struct {
	Name string
	Data []byte
}

// MemoryRegion is one contiguous run of guest memory.
type MemoryRegion struct {
	Base uint64
	Data []byte
}

func encodeSection(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "encoding section")
	}

	return buf.Bytes(), nil
}

func decodeSection(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return errors.Wrapf(ErrCorrupt, "decoding section: %v", err)
	}

	return nil
}
