package kvm

import "unsafe"

// Regs is the general-purpose register file of one vCPU.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

const numInterrupts = 0x100

// Sregs are the control and segment registers of one vCPU.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// RunData mirrors the head of the mmap'ed kvm_run structure shared with the
// kernel. Data holds the exit-specific union; the full mmap region extends
// past this struct and contains the in/out data window referenced by IO().
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO unpacks an EXITIO union: direction, access size, port, repeat count,
// and the offset of the data window inside the kvm_run mmap region.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return
}

// MMIO unpacks an EXITMMIO union. The returned slice aliases the kvm_run
// data area, so a read handler stores the guest-visible value in place.
func (r *RunData) MMIO() (addr uint64, data []byte, isWrite bool) {
	addr = r.Data[0]
	length := r.Data[2] & 0xFFFFFFFF
	isWrite = (r.Data[2]>>32)&0xFF != 0

	base := (*byte)(unsafe.Pointer(&r.Data[1]))
	data = unsafe.Slice(base, length)

	return
}

// SetImmediateExit arms or disarms the flag that forces the next (or
// current) KVM_RUN to return to userspace immediately.
func (r *RunData) SetImmediateExit(on bool) {
	if on {
		r.ImmediateExit = 1
	} else {
		r.ImmediateExit = 0
	}
}

func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(regs)))

	return regs, err
}

func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(regs)))

	return err
}

func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))

	return err
}
