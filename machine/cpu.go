package machine

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/tinyvmm/tinyvmm/kvm"
	"github.com/tinyvmm/tinyvmm/vcpu"
)

// CPU is one KVM vCPU descriptor plus its mmap'ed run region. It implements
// vcpu.Facility. Run must always be called from the same locked OS thread;
// everything else may be called from the control plane.
type CPU struct {
	id   int
	fd   uintptr
	vmFd uintptr
	raw  []byte
	run  *kvm.RunData
	tid  atomic.Int64
}

func newCPU(vmFd, kvmFd uintptr, id, mmapSize int) (*CPU, error) {
	fd, err := kvm.CreateVCPU(vmFd, id)
	if err != nil {
		return nil, err
	}

	raw, err := unix.Mmap(int(fd), 0, mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))

		return nil, errors.Wrap(err, "mapping run region")
	}

	return &CPU{
		id:   id,
		fd:   fd,
		vmFd: vmFd,
		raw:  raw,
		run:  (*kvm.RunData)(unsafe.Pointer(&raw[0])),
	}, nil
}

// ID returns the vCPU index.
func (c *CPU) ID() int { return c.id }

// Run enters the guest. The first call records the executing thread so
// later kicks land on the right thread.
func (c *CPU) Run() error {
	if c.tid.Load() == 0 {
		c.tid.Store(int64(unix.Gettid()))
	}

	return kvm.Run(c.fd)
}

// Exit decodes the run region into the monitor's exit representation.
func (c *CPU) Exit() (vcpu.Exit, error) {
	reason := kvm.ExitType(c.run.ExitReason)

	switch reason {
	case kvm.EXITIO:
		direction, size, port, count, offset := c.run.IO()
		end := offset + size*count

		if end > uint64(len(c.raw)) {
			return vcpu.Exit{}, errors.Errorf(
				"io window [%d:%d) outside run region", offset, end)
		}

		return vcpu.Exit{
			Reason: reason,
			IO: &vcpu.IOAccess{
				In:    direction == kvm.EXITIOIN,
				Port:  port,
				Size:  int(size),
				Count: int(count),
				Data:  c.raw[offset:end],
			},
		}, nil

	case kvm.EXITMMIO:
		addr, data, isWrite := c.run.MMIO()

		return vcpu.Exit{
			Reason: reason,
			MMIO:   &vcpu.MMIOAccess{Write: isWrite, Addr: addr, Data: data},
		}, nil
	}

	return vcpu.Exit{Reason: reason}, nil
}

// GetRegs reads the general-purpose registers.
func (c *CPU) GetRegs() (*kvm.Regs, error) { return kvm.GetRegs(c.fd) }

// SetRegs writes the general-purpose registers.
func (c *CPU) SetRegs(regs *kvm.Regs) error { return kvm.SetRegs(c.fd, regs) }

// GetSregs reads the control and segment registers.
func (c *CPU) GetSregs() (*kvm.Sregs, error) { return kvm.GetSregs(c.fd) }

// SetSregs writes the control and segment registers.
func (c *CPU) SetSregs(sregs *kvm.Sregs) error { return kvm.SetSregs(c.fd, sregs) }

// SetImmediateExit arms the shared run region flag.
func (c *CPU) SetImmediateExit(on bool) {
	c.run.SetImmediateExit(on)
}

// InjectIRQ pulses line vector on the in-kernel chip.
func (c *CPU) InjectIRQ(vector uint32) error {
	if err := kvm.IRQLine(c.vmFd, vector, 1); err != nil {
		return err
	}

	return kvm.IRQLine(c.vmFd, vector, 0)
}

// Kick signals the thread running this vCPU so an in-flight KVM_RUN returns
// with EINTR. A vCPU that has never run has nothing to kick.
func (c *CPU) Kick() error {
	tid := c.tid.Load()
	if tid == 0 {
		return nil
	}

	if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG); err != nil {
		return errors.Wrap(err, "tgkill")
	}

	return nil
}

func (c *CPU) close() error {
	var firstErr error

	if c.raw != nil {
		if err := unix.Munmap(c.raw); err != nil {
			firstErr = errors.Wrap(err, "unmapping run region")
		}

		c.raw = nil
		c.run = nil
	}

	if c.fd != 0 {
		if err := unix.Close(int(c.fd)); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "closing vcpu fd")
		}

		c.fd = 0
	}

	return firstErr
}
