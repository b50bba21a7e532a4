// Package machine assembles the KVM resources behind one guest: the VM file
// descriptor, the in-kernel interrupt controllers, guest memory and the
// vCPU descriptors with their shared run regions. It exposes each vCPU as a
// vcpu.Facility and owns nothing above the hardware layer.
package machine

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tinyvmm/tinyvmm/kvm"
	"github.com/tinyvmm/tinyvmm/memory"
)

// ErrBadCPU is returned for vCPU indices outside the machine.
var ErrBadCPU = errors.New("machine: no such vcpu")

// Machine is one KVM virtual machine.
type Machine struct {
	dev   *os.File
	kvmFd uintptr
	vmFd  uintptr
	mem   *memory.Guest
	cpus  []*CPU
	log   *logrus.Entry
}

// New opens /dev/kvm and builds a machine with ncpus vCPUs backed by mem.
// The in-kernel IRQ chip and PIT are always created; split irqchip setups
// are not supported.
func New(ncpus int, mem *memory.Guest, log *logrus.Entry) (*Machine, error) {
	dev, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening /dev/kvm")
	}

	m := &Machine{
		dev:   dev,
		kvmFd: dev.Fd(),
		mem:   mem,
		log:   log.WithField("subsys", "machine"),
	}

	if err := m.init(ncpus); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

func (m *Machine) init(ncpus int) error {
	version, err := kvm.GetAPIVersion(m.kvmFd)
	if err != nil {
		return errors.Wrap(err, "querying API version")
	}

	if version != kvm.APIVersion {
		return errors.Wrapf(kvm.ErrAPIVersion, "host reports %d", version)
	}

	for _, c := range []uintptr{kvm.CapImmediateExit, kvm.CapNRMemSlots} {
		ok, err := kvm.CheckExtension(m.kvmFd, c)
		if err != nil {
			return errors.Wrap(err, "checking extension")
		}

		if ok == 0 {
			return errors.Wrapf(kvm.ErrMissingCapability, "capability %d", c)
		}
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return errors.Wrap(err, "creating VM")
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return errors.Wrap(err, "setting TSS address")
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return errors.Wrap(err, "setting identity map address")
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return errors.Wrap(err, "creating irqchip")
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return errors.Wrap(err, "creating PIT")
	}

	if err := m.mem.Attach(m.vmFd); err != nil {
		return errors.Wrap(err, "attaching guest memory")
	}

	mmapSize, err := kvm.GetVCPUMMapSize(m.kvmFd)
	if err != nil {
		return errors.Wrap(err, "querying run region size")
	}

	for i := 0; i < ncpus; i++ {
		cpu, err := newCPU(m.vmFd, m.kvmFd, i, int(mmapSize))
		if err != nil {
			return errors.Wrapf(err, "creating vcpu %d", i)
		}

		m.cpus = append(m.cpus, cpu)
	}

	m.log.WithFields(logrus.Fields{
		"vcpus":   ncpus,
		"memsize": m.mem.Size(),
	}).Info("machine assembled")

	return nil
}

// NCPUs returns the number of vCPUs.
func (m *Machine) NCPUs() int { return len(m.cpus) }

// CPU returns vCPU i.
func (m *Machine) CPU(i int) (*CPU, error) {
	if i < 0 || i >= len(m.cpus) {
		return nil, errors.Wrapf(ErrBadCPU, "index %d of %d", i, len(m.cpus))
	}

	return m.cpus[i], nil
}

// Memory returns the guest memory.
func (m *Machine) Memory() *memory.Guest { return m.mem }

// IRQLine drives interrupt line irq of the in-kernel chip.
func (m *Machine) IRQLine(irq, level uint32) error {
	return kvm.IRQLine(m.vmFd, irq, level)
}

// Close tears the machine down in reverse assembly order. Guest memory is
// released by its owner, not here.
func (m *Machine) Close() error {
	var firstErr error

	for _, cpu := range m.cpus {
		if err := cpu.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.cpus = nil

	if m.vmFd != 0 {
		if err := unix.Close(int(m.vmFd)); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "closing VM fd")
		}

		m.vmFd = 0
	}

	if m.dev != nil {
		if err := m.dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		m.dev = nil
	}

	return firstErr
}
