package kvm

import "unsafe"

// maxMSREntries bounds the flat buffers exchanged with the kernel. Hosts
// expose a few hundred MSR indices; 1000 leaves generous headroom.
const maxMSREntries = 1000

// msrListHdr is the fixed head of kvm_msr_list, used for ioctl sizing.
type msrListHdr struct {
	NMSRs uint32
}

// msrsHdr is the fixed head of kvm_msrs, used for ioctl sizing.
type msrsHdr struct {
	NMSRs uint32
	_     uint32
}

// MSRList receives the indices of the MSRs the host can save and restore.
type MSRList struct {
	NMSRs   uint32
	Indices [maxMSREntries]uint32
}

// MSREntry is one model-specific register index/value pair.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRS carries MSR values between the monitor and the kernel.
type MSRS struct {
	NMSRs   uint32
	_       uint32
	Entries [maxMSREntries]MSREntry
}

// GetMSRIndexList fills list with the MSR indices supported by this host.
// Called with NMSRs == 0 the kernel returns E2BIG and stores the count, so
// callers probe once and fetch on the second call.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	_, err := Ioctl(kvmFd, kvmGetMSRIndexList, uintptr(unsafe.Pointer(list)))

	return err
}

// GetMSRs reads the MSRs whose indices are preset in msrs.Entries.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, kvmGetMSRs, uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetMSRs writes the MSR values in msrs.Entries.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, kvmSetMSRs, uintptr(unsafe.Pointer(msrs)))

	return err
}
