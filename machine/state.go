package machine

// Snapshot helpers. Each Save* method captures hardware state into
// snapshot.* types; each Restore* applies it back. All of these require the
// vCPUs to be parked: KVM rejects most state ioctls on a running vCPU, and
// the ones it allows would race the guest.

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tinyvmm/tinyvmm/kvm"
	"github.com/tinyvmm/tinyvmm/snapshot"
)

// structBytes returns a byte slice that aliases the memory of v.
// v must be a pointer to a fixed-size struct.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return errors.Errorf("state buffer too small: got %d want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

func cloneBytes(s []byte) []byte {
	c := make([]byte, len(s))
	copy(c, s)

	return c
}

// msrIndexList retrieves the MSR indices supported by this host.
func (m *Machine) msrIndexList() ([]uint32, error) {
	list := &kvm.MSRList{}

	// First call: E2BIG tells us how many entries are available.
	err := kvm.GetMSRIndexList(m.kvmFd, list)
	if !errors.Is(err, syscall.E2BIG) && err != nil {
		return nil, errors.Wrap(err, "MSR index list probe")
	}

	// Second call: the list is now sized correctly.
	if err := kvm.GetMSRIndexList(m.kvmFd, list); err != nil {
		return nil, errors.Wrap(err, "MSR index list fetch")
	}

	indices := make([]uint32, list.NMSRs)
	copy(indices, list.Indices[:list.NMSRs])

	return indices, nil
}

// SaveCPUState captures the full architectural state of one vCPU.
func (m *Machine) SaveCPUState(cpu int) (snapshot.VCPUState, error) {
	state := snapshot.VCPUState{ID: cpu}

	c, err := m.CPU(cpu)
	if err != nil {
		return state, err
	}

	regs, err := kvm.GetRegs(c.fd)
	if err != nil {
		return state, errors.Wrapf(err, "reading regs of cpu %d", cpu)
	}

	state.Regs = cloneBytes(structBytes(regs))

	sregs, err := kvm.GetSregs(c.fd)
	if err != nil {
		return state, errors.Wrapf(err, "reading sregs of cpu %d", cpu)
	}

	state.Sregs = cloneBytes(structBytes(sregs))

	indices, err := m.msrIndexList()
	if err != nil {
		return state, err
	}

	msrs := &kvm.MSRS{NMSRs: uint32(len(indices))}
	for i, idx := range indices {
		msrs.Entries[i].Index = idx
	}

	if err := kvm.GetMSRs(c.fd, msrs); err != nil {
		return state, errors.Wrapf(err, "reading MSRs of cpu %d", cpu)
	}

	state.MSRs = make([]snapshot.MSREntry, len(indices))
	for i := range indices {
		state.MSRs[i] = snapshot.MSREntry{
			Index: msrs.Entries[i].Index,
			Data:  msrs.Entries[i].Data,
		}
	}

	lapic := &kvm.LAPICState{}
	if err := kvm.GetLocalAPIC(c.fd, lapic); err != nil {
		return state, errors.Wrapf(err, "reading LAPIC of cpu %d", cpu)
	}

	state.LAPIC = cloneBytes(structBytes(lapic))

	events := &kvm.VCPUEvents{}
	if err := kvm.GetVCPUEvents(c.fd, events); err != nil {
		return state, errors.Wrapf(err, "reading events of cpu %d", cpu)
	}

	state.Events = cloneBytes(structBytes(events))

	mps := &kvm.MPState{}
	if err := kvm.GetMPState(c.fd, mps); err != nil {
		return state, errors.Wrapf(err, "reading MP state of cpu %d", cpu)
	}

	state.MPState = mps.State

	dregs := &kvm.DebugRegs{}
	if err := kvm.GetDebugRegs(c.fd, dregs); err != nil {
		return state, errors.Wrapf(err, "reading debug regs of cpu %d", cpu)
	}

	state.DebugRegs = cloneBytes(structBytes(dregs))

	xcrs := &kvm.XCRS{}
	if err := kvm.GetXCRS(c.fd, xcrs); err != nil {
		return state, errors.Wrapf(err, "reading XCRs of cpu %d", cpu)
	}

	state.XCRS = cloneBytes(structBytes(xcrs))

	return state, nil
}

// RestoreCPUState applies a previously saved vCPU state.
func (m *Machine) RestoreCPUState(state snapshot.VCPUState) error {
	cpu := state.ID

	c, err := m.CPU(cpu)
	if err != nil {
		return err
	}

	var regs kvm.Regs
	if err := copyStruct(&regs, state.Regs); err != nil {
		return errors.Wrapf(err, "decoding regs of cpu %d", cpu)
	}

	if err := kvm.SetRegs(c.fd, &regs); err != nil {
		return errors.Wrapf(err, "writing regs of cpu %d", cpu)
	}

	var sregs kvm.Sregs
	if err := copyStruct(&sregs, state.Sregs); err != nil {
		return errors.Wrapf(err, "decoding sregs of cpu %d", cpu)
	}

	if err := kvm.SetSregs(c.fd, &sregs); err != nil {
		return errors.Wrapf(err, "writing sregs of cpu %d", cpu)
	}

	msrs := &kvm.MSRS{NMSRs: uint32(len(state.MSRs))}
	for i, e := range state.MSRs {
		msrs.Entries[i] = kvm.MSREntry{Index: e.Index, Data: e.Data}
	}

	if err := kvm.SetMSRs(c.fd, msrs); err != nil {
		return errors.Wrapf(err, "writing MSRs of cpu %d", cpu)
	}

	var lapic kvm.LAPICState
	if err := copyStruct(&lapic, state.LAPIC); err != nil {
		return errors.Wrapf(err, "decoding LAPIC of cpu %d", cpu)
	}

	if err := kvm.SetLocalAPIC(c.fd, &lapic); err != nil {
		return errors.Wrapf(err, "writing LAPIC of cpu %d", cpu)
	}

	var events kvm.VCPUEvents
	if err := copyStruct(&events, state.Events); err != nil {
		return errors.Wrapf(err, "decoding events of cpu %d", cpu)
	}

	if err := kvm.SetVCPUEvents(c.fd, &events); err != nil {
		return errors.Wrapf(err, "writing events of cpu %d", cpu)
	}

	mps := kvm.MPState{State: state.MPState}
	if err := kvm.SetMPState(c.fd, &mps); err != nil {
		return errors.Wrapf(err, "writing MP state of cpu %d", cpu)
	}

	var dregs kvm.DebugRegs
	if err := copyStruct(&dregs, state.DebugRegs); err != nil {
		return errors.Wrapf(err, "decoding debug regs of cpu %d", cpu)
	}

	if err := kvm.SetDebugRegs(c.fd, &dregs); err != nil {
		return errors.Wrapf(err, "writing debug regs of cpu %d", cpu)
	}

	var xcrs kvm.XCRS
	if err := copyStruct(&xcrs, state.XCRS); err != nil {
		return errors.Wrapf(err, "decoding XCRs of cpu %d", cpu)
	}

	if err := kvm.SetXCRS(c.fd, &xcrs); err != nil {
		return errors.Wrapf(err, "writing XCRs of cpu %d", cpu)
	}

	return nil
}

// SaveVMState captures VM-level (non-per-vCPU) hardware state.
func (m *Machine) SaveVMState() (snapshot.VMState, error) {
	var state snapshot.VMState

	// kvmclock must be captured for guest time to stay monotonic across
	// restore.
	cd := &kvm.ClockData{}
	if err := kvm.GetClock(m.vmFd, cd); err != nil {
		return state, errors.Wrap(err, "reading clock")
	}

	state.Clock = cloneBytes(structBytes(cd))

	// IRQ chip: master PIC (0), slave PIC (1), IOAPIC (2).
	for chipID, dest := range []*[]byte{
		&state.IRQChipPIC0, &state.IRQChipPIC1, &state.IRQChipIOAPIC,
	} {
		chip := &kvm.IRQChip{ChipID: uint32(chipID)}
		if err := kvm.GetIRQChip(m.vmFd, chip); err != nil {
			return state, errors.Wrapf(err, "reading irqchip %d", chipID)
		}

		*dest = cloneBytes(structBytes(chip))
	}

	pit := &kvm.PITState2{}
	if err := kvm.GetPIT2(m.vmFd, pit); err != nil {
		return state, errors.Wrap(err, "reading PIT")
	}

	state.PIT2 = cloneBytes(structBytes(pit))

	return state, nil
}

// RestoreVMState applies previously saved VM-level hardware state.
func (m *Machine) RestoreVMState(state snapshot.VMState) error {
	var cd kvm.ClockData
	if err := copyStruct(&cd, state.Clock); err != nil {
		return errors.Wrap(err, "decoding clock")
	}

	// Flags from the source host do not transfer.
	cd.Flags = 0

	if err := kvm.SetClock(m.vmFd, &cd); err != nil {
		return errors.Wrap(err, "writing clock")
	}

	for _, src := range [][]byte{
		state.IRQChipPIC0, state.IRQChipPIC1, state.IRQChipIOAPIC,
	} {
		var chip kvm.IRQChip
		if err := copyStruct(&chip, src); err != nil {
			return errors.Wrap(err, "decoding irqchip")
		}

		if err := kvm.SetIRQChip(m.vmFd, &chip); err != nil {
			return errors.Wrapf(err, "writing irqchip %d", chip.ChipID)
		}
	}

	var pit kvm.PITState2
	if err := copyStruct(&pit, state.PIT2); err != nil {
		return errors.Wrap(err, "decoding PIT")
	}

	if err := kvm.SetPIT2(m.vmFd, &pit); err != nil {
		return errors.Wrap(err, "writing PIT")
	}

	return nil
}
