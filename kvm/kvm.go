// Package kvm wraps the ioctl surface of the Linux Kernel-based Virtual
// Machine facility. It exposes exactly what the monitor core consumes:
// VM/vCPU creation, guest execution, register and in-kernel device state
// access, interrupt injection, and dirty-page logging.
package kvm

import (
	"syscall"
	"unsafe"
)

// ioctl direction and encoding per asm-generic/ioctl.h.
const (
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIO = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | kvmIO<<iocTypeShift | nr<<iocNrShift
}

func io(nr uintptr) uintptr         { return ioc(0, nr, 0) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func ior(nr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }
func sizeOf[T any]() uintptr        { var v T; return unsafe.Sizeof(v) }

// Ioctl issues a raw ioctl on fd and maps errno to error.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)

	var err error
	if errno != 0 {
		err = errno
	}

	return res, err
}

var (
	kvmGetAPIVersion       = io(0x00)
	kvmCreateVM            = io(0x01)
	kvmGetMSRIndexList     = iowr(0x02, sizeOf[msrListHdr]())
	kvmCheckExtension      = io(0x03)
	kvmGetVCPUMMapSize     = io(0x04)
	kvmCreateVCPU          = io(0x41)
	kvmGetDirtyLog         = iow(0x42, sizeOf[DirtyLog]())
	kvmSetUserMemoryRegion = iow(0x46, sizeOf[UserspaceMemoryRegion]())
	kvmSetTSSAddr          = io(0x47)
	kvmSetIdentityMapAddr  = iow(0x48, 8)
	kvmCreateIRQChip       = io(0x60)
	kvmIRQLine             = iow(0x61, sizeOf[irqLevel]())
	kvmGetIRQChip          = iowr(0x62, sizeOf[IRQChip]())
	kvmSetIRQChip          = ior(0x63, sizeOf[IRQChip]())
	kvmCreatePIT2          = iow(0x77, sizeOf[pitConfig]())
	kvmGetClock            = ior(0x7c, sizeOf[ClockData]())
	kvmSetClock            = iow(0x7b, sizeOf[ClockData]())
	kvmRun                 = io(0x80)
	kvmGetRegs             = ior(0x81, sizeOf[Regs]())
	kvmSetRegs             = iow(0x82, sizeOf[Regs]())
	kvmGetSregs            = ior(0x83, sizeOf[Sregs]())
	kvmSetSregs            = iow(0x84, sizeOf[Sregs]())
	kvmGetMSRs             = iowr(0x88, sizeOf[msrsHdr]())
	kvmSetMSRs             = iow(0x89, sizeOf[msrsHdr]())
	kvmGetLocalAPIC        = ior(0x8e, sizeOf[LAPICState]())
	kvmSetLocalAPIC        = iow(0x8f, sizeOf[LAPICState]())
	kvmGetMPState          = ior(0x98, sizeOf[MPState]())
	kvmSetMPState          = iow(0x99, sizeOf[MPState]())
	kvmGetVCPUEvents       = ior(0x9f, sizeOf[VCPUEvents]())
	kvmSetVCPUEvents       = iow(0xa0, sizeOf[VCPUEvents]())
	kvmGetPIT2             = ior(0x9f, sizeOf[PITState2]())
	kvmSetPIT2             = iow(0xa0, sizeOf[PITState2]())
	kvmGetDebugRegs        = ior(0xa1, sizeOf[DebugRegs]())
	kvmSetDebugRegs        = iow(0xa2, sizeOf[DebugRegs]())
	kvmGetXCRS             = ior(0xa6, sizeOf[XCRS]())
	kvmSetXCRS             = iow(0xa7, sizeOf[XCRS]())
)

// Capabilities checked at startup.
const (
	CapIRQChip       = 0
	CapUserMemory    = 3
	CapNRVCPUs       = 9
	CapNRMemSlots    = 10
	CapImmediateExit = 136
)

// APIVersion is the only KVM API version this package supports.
const APIVersion = 12

// UserspaceMemoryRegion maps a host address range into guest physical space.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages enables dirty-page tracking for the region.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// DirtyLog asks KVM for the dirty bitmap of one memory slot.
// BitMap is the userspace address of the bitmap buffer.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

func CheckExtension(kvmFd uintptr, cap uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCheckExtension, cap)
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCreateVM, 0)
}

func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, kvmCreateVCPU, uintptr(id))
}

// Run enters guest execution on the vCPU and returns when the guest exits.
// EINTR is surfaced to the caller; it means the thread was kicked.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, kvmRun, 0)

	return err
}

func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

func SetTSSAddr(vmFd uintptr) error {
	// 4 pages just below the BIOS ROM, per the API doc recommendation.
	_, err := Ioctl(vmFd, kvmSetTSSAddr, 0xffffd000)

	return err
}

func SetIdentityMapAddr(vmFd uintptr) error {
	var addr uint64 = 0xffffc000
	_, err := Ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))

	return err
}

func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, kvmGetDirtyLog, uintptr(unsafe.Pointer(dl)))

	return err
}
