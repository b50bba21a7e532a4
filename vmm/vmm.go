// Package vmm orchestrates the lifecycle of one microVM instance: resource
// construction, the seccomp gate, vCPU and reactor supervision, the pause
// rendezvous, snapshot and restore, and teardown. All lifecycle operations
// are serialized; callers may issue them from any goroutine.
package vmm

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinyvmm/tinyvmm/bus"
	"github.com/tinyvmm/tinyvmm/config"
	"github.com/tinyvmm/tinyvmm/devices"
	"github.com/tinyvmm/tinyvmm/machine"
	"github.com/tinyvmm/tinyvmm/memory"
	"github.com/tinyvmm/tinyvmm/ratelimit"
	"github.com/tinyvmm/tinyvmm/reactor"
	"github.com/tinyvmm/tinyvmm/sandbox"
	"github.com/tinyvmm/tinyvmm/vcpu"

	"github.com/pkg/errors"
)

// Guest-visible layout. The console occupies the first MMIO window unless
// the configuration moves it; disks are spaced one page apart.
const (
	defaultConsoleBase = uint64(0xd0000000)
	diskBase           = uint64(0xd0010000)
	diskStride         = uint64(0x1000)
	metadataBase       = uint64(0xd0020000)
	netBase            = uint64(0xd0030000)

	noopPort = uint64(0x80)
	noopSize = uint64(0x1)

	netIRQ      = uint32(9)
	diskIRQBase = uint32(10)
)

// VMM is one instance of the monitor.
type VMM struct {
	cfg config.Config
	log *logrus.Entry

	mu    sync.Mutex
	state State

	hw      hardware
	mem     *memory.Guest
	devBus  *bus.Bus
	rea     *reactor.Reactor
	engines []*vcpu.Engine
	devs    []devices.Device
	closers []func() error

	eg *errgroup.Group
}

// New constructs an instance from cfg, acquires every resource, and fires
// the seccomp gate. The returned VMM is Sandboxed; nothing executes until
// Start.
func New(cfg config.Config, log *logrus.Entry) (*VMM, error) {
	mem, err := memory.New(cfg.MemSize())
	if err != nil {
		return nil, err
	}

	m, err := machine.New(cfg.Machine.VCPUs, mem, log)
	if err != nil {
		mem.Release()

		return nil, err
	}

	v, err := newWithHardware(cfg, realHardware{m}, mem, log)
	if err != nil {
		m.Close()
		mem.Release()

		return nil, err
	}

	return v, nil
}

// newWithHardware finishes construction on an already-built machine layer.
func newWithHardware(cfg config.Config, hw hardware, mem *memory.Guest, log *logrus.Entry) (*VMM, error) {
	v := &VMM{
		cfg:    cfg,
		log:    log.WithField("vm", cfg.InstanceID),
		state:  StateConstructing,
		hw:     hw,
		mem:    mem,
		devBus: bus.New(),
	}

	if err := v.buildDevices(); err != nil {
		v.closeResources()

		return nil, err
	}

	if err := v.buildEngines(); err != nil {
		v.closeResources()

		return nil, err
	}

	if err := sandbox.Install(sandbox.Level(cfg.Machine.SeccompLevel), v.log); err != nil {
		v.closeResources()

		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return v, v.transition(StateSandboxed)
}

func (v *VMM) buildEngines() error {
	disp := vcpu.NewDispatcher(v.devBus, v.log)
	shutdown := func() { go v.guestShutdown() }

	for i := 0; i < v.hw.NCPUs(); i++ {
		fac, err := v.hw.Facility(i)
		if err != nil {
			return err
		}

		v.engines = append(v.engines, vcpu.New(i, fac, disp, shutdown, v.log))
	}

	return nil
}

func (v *VMM) buildDevices() error {
	r, err := reactor.New(v.log)
	if err != nil {
		return err
	}

	v.rea = r
	v.closers = append(v.closers, r.Close)

	line := devices.IRQLine(v.hw.IRQLine)

	if v.cfg.Serial.Enabled {
		serial := devices.NewSerial(devices.COM1Addr, os.Stdout, line)
		if err := v.addDevice(serial, bus.PIO,
			bus.Range{Base: devices.COM1Addr, Size: devices.COM1Size}); err != nil {
			return err
		}
	}

	post := &devices.Noop{DeviceName: "post"}
	if err := v.addDevice(post, bus.PIO, bus.Range{Base: noopPort, Size: noopSize}); err != nil {
		return err
	}

	acpi := devices.NewShutdown(func() { go v.guestShutdown() }, nil)
	if err := v.addDevice(acpi, bus.PIO,
		bus.Range{Base: devices.ShutdownPort, Size: devices.ShutdownSize}); err != nil {
		return err
	}

	if v.cfg.Console.Enabled {
		base := v.cfg.Console.Base
		if base == 0 {
			base = defaultConsoleBase
		}

		console := devices.NewConsole(base, os.Stdout)
		if err := v.addDevice(console, bus.MMIO,
			bus.Range{Base: base, Size: devices.ConsoleSize}); err != nil {
			return err
		}
	}

	for i, d := range v.cfg.Disks {
		base := diskBase + uint64(i)*diskStride

		blk, err := devices.NewBlock(d.Name, d.Path, base, v.mem,
			ratelimit.New(d.RateLimit), line, diskIRQBase+uint32(i), v.log)
		if err != nil {
			return err
		}

		v.closers = append(v.closers, blk.Close)

		if err := v.addDevice(blk, bus.MMIO,
			bus.Range{Base: base, Size: devices.BlockSize}); err != nil {
			return err
		}

		if err := v.rea.Register(blk.DoorbellFD(), blk); err != nil {
			return err
		}
	}

	if v.cfg.Net.Enabled {
		nic, err := devices.NewNet("net0", v.cfg.Net.Tap, netBase, v.mem,
			ratelimit.New(v.cfg.Net.RateLimit), line, netIRQ, v.log)
		if err != nil {
			return err
		}

		v.closers = append(v.closers, nic.Close)

		if err := v.addDevice(nic, bus.MMIO,
			bus.Range{Base: netBase, Size: devices.NetSize}); err != nil {
			return err
		}

		if err := v.rea.Register(nic.DoorbellFD(), reactor.HandlerFunc(nic.HandleTx)); err != nil {
			return err
		}

		if err := v.rea.Register(nic.TapFD(), reactor.HandlerFunc(nic.HandleRx)); err != nil {
			return err
		}
	}

	values := map[string]string{"instance-id": v.cfg.InstanceID}
	for k, val := range v.cfg.Metadata {
		values[k] = val
	}

	meta := devices.NewMetadata(metadataBase, values)

	return v.addDevice(meta, bus.MMIO, bus.Range{Base: metadataBase, Size: devices.MetadataSize})
}

func (v *VMM) addDevice(d devices.Device, kind bus.Kind, r bus.Range) error {
	if err := v.devBus.Register(kind, r, d); err != nil {
		return errors.Wrapf(err, "placing %s at %v", d.Name(), r)
	}

	v.devs = append(v.devs, d)

	return nil
}

func (v *VMM) deviceNames() []string {
	names := make([]string, len(v.devs))
	for i, d := range v.devs {
		names[i] = d.Name()
	}

	return names
}

// InstanceID returns the instance UUID.
func (v *VMM) InstanceID() string { return v.cfg.InstanceID }

// State returns the current lifecycle state.
func (v *VMM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

// Start launches the vCPU threads and the reactor.
func (v *VMM) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.transition(StateRunning); err != nil {
		return err
	}

	v.launch()
	v.log.Info("instance running")

	return nil
}

// launch is called with v.mu held, exactly once per instance.
func (v *VMM) launch() {
	v.eg = &errgroup.Group{}

	v.eg.Go(v.rea.Run)

	for _, e := range v.engines {
		e := e

		v.eg.Go(func() error {
			err := e.Run()
			if err != nil {
				v.log.WithError(err).Errorf("vcpu %d died:\n%s",
					e.ID(), v.hw.FaultContext(e.ID()))

				go v.fatalStop()
			}

			return err
		})
	}
}

// Pause parks every execution domain at a guest-instruction boundary and
// waits for all of them to acknowledge. A domain that misses the deadline
// leaves the machine in an unverifiable state, so timeout tears the whole
// instance down.
func (v *VMM) Pause() error {
	v.mu.Lock()

	if err := v.transition(StatePausing); err != nil {
		v.mu.Unlock()

		return err
	}

	barrier := newQuiesceBarrier(len(v.engines) + 1)

	for _, e := range v.engines {
		if err := e.RequestPause(barrier.arrive); err != nil {
			// A stopped vCPU is already quiescent.
			barrier.arrive()
		}
	}

	if err := v.rea.RequestPause(barrier.arrive); err != nil {
		v.log.WithError(err).Warn("waking reactor for pause")
	}

	if err := barrier.wait(v.cfg.PauseTimeout()); err != nil {
		v.mu.Unlock()
		v.log.WithError(err).Error("pause timed out, tearing instance down")

		if serr := v.Stop(); serr != nil {
			v.log.WithError(serr).Error("teardown after pause timeout")
		}

		return err
	}

	defer v.mu.Unlock()
	v.log.Info("instance paused")

	return v.transition(StatePaused)
}

// Resume restarts a paused instance. Interrupts queued during the pause are
// redelivered by each vCPU before it reenters the guest.
func (v *VMM) Resume() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.transition(StateRunning); err != nil {
		return err
	}

	for _, e := range v.engines {
		e.Resume()
	}

	v.rea.Resume()
	v.log.Info("instance resumed")

	return nil
}

// InjectIRQ delivers (or queues, while paused) an interrupt through vCPU 0.
func (v *VMM) InjectIRQ(vector uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.engines) == 0 {
		return errors.New("vmm: no vcpus")
	}

	return v.engines[0].InjectInterrupt(vector)
}

// Stop tears the instance down from any live state. It is idempotent.
func (v *VMM) Stop() error {
	v.mu.Lock()

	if v.state == StateStopped {
		v.mu.Unlock()

		return nil
	}

	if err := v.transition(StateStopped); err != nil {
		v.mu.Unlock()

		return err
	}

	engines := v.engines
	launched := v.eg != nil
	v.mu.Unlock()

	for _, e := range engines {
		e.RequestStop()
	}

	v.rea.RequestStop()

	var runErr error
	if launched {
		runErr = v.eg.Wait()
	}

	v.closeResources()
	v.log.Info("instance stopped")

	return runErr
}

func (v *VMM) closeResources() {
	for i := len(v.closers) - 1; i >= 0; i-- {
		if err := v.closers[i](); err != nil {
			v.log.WithError(err).Warn("releasing resource")
		}
	}

	v.closers = nil

	if v.hw != nil {
		if err := v.hw.Close(); err != nil {
			v.log.WithError(err).Warn("closing machine")
		}
	}

	if v.mem != nil {
		if err := v.mem.Release(); err != nil {
			v.log.WithError(err).Warn("releasing guest memory")
		}
	}
}

// Wait blocks until every execution domain has returned.
func (v *VMM) Wait() error {
	v.mu.Lock()
	eg := v.eg
	v.mu.Unlock()

	if eg == nil {
		return nil
	}

	return eg.Wait()
}

func (v *VMM) guestShutdown() {
	v.log.Info("guest requested shutdown")

	if err := v.Stop(); err != nil {
		v.log.WithError(err).Error("stopping after guest shutdown")
	}
}

func (v *VMM) fatalStop() {
	if err := v.Stop(); err != nil {
		v.log.WithError(err).Error("stopping after vcpu fault")
	}
}

// SerialInput feeds host bytes to the guest UART, if configured.
func (v *VMM) SerialInput(data []byte) error {
	for _, d := range v.devs {
		if s, ok := d.(*devices.Serial); ok {
			s.QueueInput(data)

			return nil
		}
	}

	return fmt.Errorf("no serial device")
}
