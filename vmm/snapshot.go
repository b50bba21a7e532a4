package vmm

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyvmm/tinyvmm/config"
	"github.com/tinyvmm/tinyvmm/machine"
	"github.com/tinyvmm/tinyvmm/memory"
	"github.com/tinyvmm/tinyvmm/snapshot"
)

// Snapshot serializes the paused instance to w: header, vCPUs, VM state,
// devices, then guest memory. The instance must be Paused and is Paused
// again on success. A capture failure tears the instance down so a partial
// image is never mistaken for a live, resumable machine.
func (v *VMM) Snapshot(w io.Writer) error {
	v.mu.Lock()

	if err := v.transition(StateSnapshotting); err != nil {
		v.mu.Unlock()

		return err
	}

	if err := v.writeSnapshot(w); err != nil {
		v.mu.Unlock()
		v.log.WithError(err).Error("snapshot capture failed, tearing instance down")

		if serr := v.Stop(); serr != nil {
			v.log.WithError(serr).Error("teardown after capture failure")
		}

		return err
	}

	defer v.mu.Unlock()
	v.log.Info("snapshot written")

	return v.transition(StatePaused)
}

func (v *VMM) writeSnapshot(w io.Writer) error {
	sw := snapshot.NewWriter(w)

	if err := sw.WriteHeader(snapshot.Header{
		InstanceID: v.cfg.InstanceID,
		NCPUs:      v.hw.NCPUs(),
		MemSize:    int64(v.mem.Size()),
		Devices:    v.deviceNames(),
	}); err != nil {
		return err
	}

	for i := 0; i < v.hw.NCPUs(); i++ {
		st, err := v.hw.SaveCPUState(i)
		if err != nil {
			return err
		}

		if err := sw.WriteVCPU(st); err != nil {
			return err
		}
	}

	vmState, err := v.hw.SaveVMState()
	if err != nil {
		return err
	}

	if err := sw.WriteVMState(vmState); err != nil {
		return err
	}

	for _, d := range v.devs {
		blob, err := d.SaveState()
		if err != nil {
			return errors.Wrapf(err, "saving %s", d.Name())
		}

		if err := sw.WriteDevice(snapshot.DeviceState{Name: d.Name(), Data: blob}); err != nil {
			return err
		}
	}

	if err := sw.WriteMemory(0, v.mem.Bytes()); err != nil {
		return err
	}

	return sw.Close()
}

// Restore builds an instance from a snapshot stream. The stream's header
// decides machine geometry; cfg supplies everything the snapshot does not
// carry (host paths, rate limits, the control socket). The restored
// instance comes up Paused with its device manifest verified against the
// stream; call Resume to continue execution.
func Restore(cfg config.Config, r io.Reader, log *logrus.Entry) (*VMM, error) {
	sr, err := snapshot.NewReader(r)
	if err != nil {
		return nil, err
	}

	h := sr.Header()

	mem, err := memory.New(int(h.MemSize))
	if err != nil {
		return nil, err
	}

	m, err := machine.New(h.NCPUs, mem, log)
	if err != nil {
		mem.Release()

		return nil, err
	}

	v, err := restoreWithHardware(cfg, realHardware{m}, mem, sr, log)
	if err != nil {
		m.Close()
		mem.Release()

		return nil, err
	}

	return v, nil
}

func restoreWithHardware(cfg config.Config, hw hardware, mem *memory.Guest,
	sr *snapshot.Reader, log *logrus.Entry) (*VMM, error) {
	h := sr.Header()

	// The restored instance keeps its identity.
	cfg.InstanceID = h.InstanceID

	v, err := newWithHardware(cfg, hw, mem, log)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()

	// Pre-launch failure: nothing executes yet, release what was built.
	// The caller releases the machine and memory.
	fail := func(err error) (*VMM, error) {
		for i := len(v.closers) - 1; i >= 0; i-- {
			v.closers[i]()
		}

		v.closers = nil
		v.hw = nil
		v.mem = nil
		v.mu.Unlock()

		return nil, err
	}

	if err := v.transition(StateRestoring); err != nil {
		return fail(err)
	}

	if err := v.checkManifest(h.Devices); err != nil {
		return fail(err)
	}

	if err := v.applySnapshot(sr); err != nil {
		return fail(err)
	}

	// Engines park before their first guest entry, so the instance is
	// provably quiescent by the time the barrier drains.
	barrier := newQuiesceBarrier(len(v.engines) + 1)

	for _, e := range v.engines {
		if err := e.RequestPause(barrier.arrive); err != nil {
			return fail(err)
		}
	}

	if err := v.rea.RequestPause(barrier.arrive); err != nil {
		return fail(err)
	}

	v.launch()

	if err := barrier.wait(v.cfg.PauseTimeout()); err != nil {
		v.mu.Unlock()

		// Execution domains are live but unverifiable. Tear them down;
		// a restore failure never hands out a running instance.
		if serr := v.Stop(); serr != nil {
			v.log.WithError(serr).Error("teardown after restore timeout")
		}

		return nil, err
	}

	if err := v.transition(StatePaused); err != nil {
		v.mu.Unlock()

		return nil, err
	}

	v.log.WithField("vcpus", h.NCPUs).Info("instance restored, paused")
	v.mu.Unlock()

	return v, nil
}

func (v *VMM) checkManifest(want []string) error {
	have := v.deviceNames()

	if len(have) != len(want) {
		return errors.Errorf(
			"snapshot carries %d devices, configuration builds %d", len(want), len(have))
	}

	for i := range want {
		if have[i] != want[i] {
			return errors.Errorf(
				"snapshot device %d is %q, configuration builds %q", i, want[i], have[i])
		}
	}

	return nil
}

// applySnapshot consumes the stream after its header, in stream order.
// Callers hold v.mu.
func (v *VMM) applySnapshot(sr *snapshot.Reader) error {
	byName := make(map[string]int, len(v.devs))
	for i, d := range v.devs {
		byName[d.Name()] = i
	}

	for {
		typ, payload, err := sr.Next()
		if err != nil {
			return err
		}

		switch typ {
		case snapshot.SectionVCPU:
			st, err := snapshot.DecodeVCPU(payload)
			if err != nil {
				return err
			}

			if err := v.hw.RestoreCPUState(st); err != nil {
				return err
			}

		case snapshot.SectionVMState:
			st, err := snapshot.DecodeVMState(payload)
			if err != nil {
				return err
			}

			if err := v.hw.RestoreVMState(st); err != nil {
				return err
			}

		case snapshot.SectionDevice:
			st, err := snapshot.DecodeDevice(payload)
			if err != nil {
				return err
			}

			i, ok := byName[st.Name]
			if !ok {
				return errors.Errorf("snapshot device %q is not configured", st.Name)
			}

			if err := v.devs[i].RestoreState(st.Data); err != nil {
				return errors.Wrapf(err, "restoring %s", st.Name)
			}

		case snapshot.SectionMemory:
			region, err := snapshot.DecodeMemory(payload)
			if err != nil {
				return err
			}

			if _, err := v.mem.WriteAt(region.Data, int64(region.Base)); err != nil {
				return errors.Wrapf(err, "loading memory at %#x", region.Base)
			}

		case snapshot.SectionEnd:
			return nil

		default:
			return errors.Wrapf(snapshot.ErrCorrupt, "unexpected section %v", typ)
		}
	}
}
