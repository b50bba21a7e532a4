package kvm

// state.go – accessors for the architectural and in-kernel device state a
// pause-consistent snapshot must carry: local APIC, pending vCPU events,
// multiprocessor state, debug and extended control registers, the kvmclock,
// the two PICs plus the IOAPIC, and the PIT.

import "unsafe"

// LAPICState is the 1 KiB register page of one local APIC.
type LAPICState struct {
	Regs [1024]byte
}

// MPState is the multiprocessor run state of one vCPU.
type MPState struct {
	State uint32
}

// VCPUEvents holds pending exceptions, interrupts and NMIs of one vCPU.
type VCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected uint8
		Nr       uint8
		Soft     uint8
		Shadow   uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		_        uint8
	}
	SipiVector       uint32
	Flags            uint32
	SMI              [4]uint8
	TripleFault      uint8
	_                [26]uint8
	ExceptionPayload uint64
}

// DebugRegs are the hardware debug registers of one vCPU.
type DebugRegs struct {
	DB       [4]uint64
	DR6      uint64
	DR7      uint64
	Flags    uint64
	Reserved [9]uint64
}

// XCRS holds the extended control registers (XCR0 and friends).
type XCRS struct {
	NrXCRS uint32
	Flags  uint32
	XCRS   [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	Padding [16]uint64
}

// ClockData is the kvmclock reading of the VM.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     [9]uint32
}

// IRQChip is the dump of one in-kernel interrupt controller: ChipID selects
// the master PIC (0), the slave PIC (1), or the IOAPIC (2).
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// PITState2 is the dump of the in-kernel programmable interval timer.
type PITState2 struct {
	Channels [3]struct {
		Count         uint32
		LatchedCount  uint16
		CountLatched  uint8
		StatusLatched uint8
		Status        uint8
		ReadState     uint8
		WriteState    uint8
		WriteLatch    uint8
		RWMode        uint8
		Mode          uint8
		BCD           uint8
		Gate          uint8
		CountLoadTime int64
	}
	Flags uint32
	_     [9]uint32
}

func GetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, kvmGetLocalAPIC, uintptr(unsafe.Pointer(s)))

	return err
}

func SetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, kvmSetLocalAPIC, uintptr(unsafe.Pointer(s)))

	return err
}

func GetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, kvmGetMPState, uintptr(unsafe.Pointer(s)))

	return err
}

func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, kvmSetMPState, uintptr(unsafe.Pointer(s)))

	return err
}

func GetVCPUEvents(vcpuFd uintptr, s *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, kvmGetVCPUEvents, uintptr(unsafe.Pointer(s)))

	return err
}

func SetVCPUEvents(vcpuFd uintptr, s *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, kvmSetVCPUEvents, uintptr(unsafe.Pointer(s)))

	return err
}

func GetDebugRegs(vcpuFd uintptr, s *DebugRegs) error {
	_, err := Ioctl(vcpuFd, kvmGetDebugRegs, uintptr(unsafe.Pointer(s)))

	return err
}

func SetDebugRegs(vcpuFd uintptr, s *DebugRegs) error {
	_, err := Ioctl(vcpuFd, kvmSetDebugRegs, uintptr(unsafe.Pointer(s)))

	return err
}

func GetXCRS(vcpuFd uintptr, s *XCRS) error {
	_, err := Ioctl(vcpuFd, kvmGetXCRS, uintptr(unsafe.Pointer(s)))

	return err
}

func SetXCRS(vcpuFd uintptr, s *XCRS) error {
	_, err := Ioctl(vcpuFd, kvmSetXCRS, uintptr(unsafe.Pointer(s)))

	return err
}

func GetClock(vmFd uintptr, s *ClockData) error {
	_, err := Ioctl(vmFd, kvmGetClock, uintptr(unsafe.Pointer(s)))

	return err
}

func SetClock(vmFd uintptr, s *ClockData) error {
	_, err := Ioctl(vmFd, kvmSetClock, uintptr(unsafe.Pointer(s)))

	return err
}

func GetIRQChip(vmFd uintptr, s *IRQChip) error {
	_, err := Ioctl(vmFd, kvmGetIRQChip, uintptr(unsafe.Pointer(s)))

	return err
}

func SetIRQChip(vmFd uintptr, s *IRQChip) error {
	_, err := Ioctl(vmFd, kvmSetIRQChip, uintptr(unsafe.Pointer(s)))

	return err
}

func GetPIT2(vmFd uintptr, s *PITState2) error {
	_, err := Ioctl(vmFd, kvmGetPIT2, uintptr(unsafe.Pointer(s)))

	return err
}

func SetPIT2(vmFd uintptr, s *PITState2) error {
	_, err := Ioctl(vmFd, kvmSetPIT2, uintptr(unsafe.Pointer(s)))

	return err
}
