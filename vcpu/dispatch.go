package vcpu

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyvmm/tinyvmm/bus"
	"github.com/tinyvmm/tinyvmm/kvm"
)

// Dispatcher resolves vCPU exits against the device bus. It is stateless
// apart from its wiring and safe to share between engines.
type Dispatcher struct {
	bus *bus.Bus
	log *logrus.Entry
}

// NewDispatcher returns a dispatcher routing I/O exits onto b.
func NewDispatcher(b *bus.Bus, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{bus: b, log: log}
}

// HandleExit resolves ex. Unknown-but-benign reasons (host interrupt,
// interrupt window) continue; HLT stops the vCPU; a guest shutdown or
// triple fault requests machine shutdown; anything else is fatal.
func (d *Dispatcher) HandleExit(cpu int, ex Exit) (Action, error) {
	switch ex.Reason {
	case kvm.EXITIO:
		if err := d.handlePIO(ex.IO); err != nil {
			return ActionContinue, err
		}

		return ActionContinue, nil

	case kvm.EXITMMIO:
		if err := d.handleMMIO(ex.MMIO); err != nil {
			return ActionContinue, err
		}

		return ActionContinue, nil

	case kvm.EXITHLT:
		return ActionStop, nil

	case kvm.EXITSHUTDOWN, kvm.EXITSYSTEMEVENT:
		return ActionShutdown, nil

	case kvm.EXITINTR, kvm.EXITIRQWINDOWOPEN, kvm.EXITUNKNOWN:
		return ActionContinue, nil
	}

	return ActionContinue, fmt.Errorf("%w: %v on vcpu %d", ErrUnsupportedExit, ex.Reason, cpu)
}

// handlePIO walks a (possibly string) port access one element at a time.
func (d *Dispatcher) handlePIO(io *IOAccess) error {
	for i := 0; i < io.Count; i++ {
		chunk := io.Data[i*io.Size : (i+1)*io.Size]

		var err error
		if io.In {
			err = d.bus.Read(bus.PIO, io.Port, chunk)
		} else {
			err = d.bus.Write(bus.PIO, io.Port, chunk)
		}

		if errors.Is(err, bus.ErrUnmapped) {
			d.unmapped(bus.PIO, io.Port, io.In, chunk)

			continue
		}

		if err != nil {
			return errors.Wrapf(err, "pio port 0x%x", io.Port)
		}
	}

	return nil
}

func (d *Dispatcher) handleMMIO(m *MMIOAccess) error {
	var err error
	if m.Write {
		err = d.bus.Write(bus.MMIO, m.Addr, m.Data)
	} else {
		err = d.bus.Read(bus.MMIO, m.Addr, m.Data)
	}

	if errors.Is(err, bus.ErrUnmapped) {
		d.unmapped(bus.MMIO, m.Addr, !m.Write, m.Data)

		return nil
	}

	return errors.Wrapf(err, "mmio 0x%x", m.Addr)
}

// unmapped applies the open-bus convention: reads see all ones, writes are
// dropped. Either way the guest keeps running.
func (d *Dispatcher) unmapped(kind bus.Kind, addr uint64, read bool, data []byte) {
	if read {
		for i := range data {
			data[i] = 0xff
		}
	}

	d.log.WithFields(logrus.Fields{
		"kind": kind,
		"addr": fmt.Sprintf("0x%x", addr),
		"read": read,
	}).Debug("unmapped access")
}
