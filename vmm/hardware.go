package vmm

import (
	"github.com/tinyvmm/tinyvmm/machine"
	"github.com/tinyvmm/tinyvmm/snapshot"
	"github.com/tinyvmm/tinyvmm/vcpu"
)

// hardware is the slice of the machine layer the orchestrator needs. It is
// an interface so lifecycle logic can be exercised without /dev/kvm.
type hardware interface {
	NCPUs() int
	Facility(i int) (vcpu.Facility, error)
	IRQLine(irq, level uint32) error
	FaultContext(cpu int) string

	SaveCPUState(cpu int) (snapshot.VCPUState, error)
	RestoreCPUState(st snapshot.VCPUState) error
	SaveVMState() (snapshot.VMState, error)
	RestoreVMState(st snapshot.VMState) error

	Close() error
}

// realHardware adapts machine.Machine to the hardware interface.
type realHardware struct {
	*machine.Machine
}

func (r realHardware) Facility(i int) (vcpu.Facility, error) {
	return r.CPU(i)
}
