// Package vcpu runs one guest CPU per OS thread: a tight loop of "enter
// guest, wait for an exit, resolve it, resume" with cooperative pause at
// exit boundaries. The hardware side is abstracted as a Facility so the loop
// logic is identical over KVM and over test doubles.
package vcpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tinyvmm/tinyvmm/kvm"
)

// RunState is the externally visible run state of one engine.
type RunState int32

const (
	StateNew RunState = iota
	StateRunning
	StatePaused
	StateStopped
	StateExited
)

func (s RunState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	}

	return "invalid"
}

var (
	// ErrUnsupportedExit is an exit reason the dispatcher cannot resolve.
	// It is fatal to the vCPU: partial guest execution state is not safe
	// to snapshot or continue.
	ErrUnsupportedExit = errors.New("vcpu: unsupported exit")

	// ErrExecutionFault wraps hardware facility failures on the run path.
	ErrExecutionFault = errors.New("vcpu: execution fault")

	errNotRunning = errors.New("vcpu: engine is not running")
)

// IOAccess is one port I/O exit. Data is Count accesses of Size bytes each,
// aliased into the facility's run region so read results land in place.
type IOAccess struct {
	In    bool
	Port  uint64
	Size  int
	Count int
	Data  []byte
}

// MMIOAccess is one memory-mapped I/O exit. For reads the handler stores the
// guest-visible value into Data.
type MMIOAccess struct {
	Write bool
	Addr  uint64
	Data  []byte
}

// Exit describes the most recent hardware exit of one vCPU.
type Exit struct {
	Reason kvm.ExitType
	IO     *IOAccess
	MMIO   *MMIOAccess
}

// Facility is the per-vCPU surface of the hardware-virtualization layer.
type Facility interface {
	// Run enters guest execution and returns when the guest exits.
	// A kicked run surfaces syscall.EINTR.
	Run() error

	// Exit decodes the reason for the most recent exit.
	Exit() (Exit, error)

	// SetImmediateExit arms or disarms the flag that makes the next Run
	// return to the monitor immediately.
	SetImmediateExit(on bool)

	// InjectIRQ queues vector for delivery at the next safe boundary,
	// per the facility's own ordering rules.
	InjectIRQ(vector uint32) error

	// Kick interrupts an in-flight Run so control requests are observed
	// within a bounded interval.
	Kick() error
}

// Action is the dispatcher's directive to the run loop.
type Action int

const (
	// ActionContinue resumes guest execution.
	ActionContinue Action = iota
	// ActionStop halts this vCPU only.
	ActionStop
	// ActionShutdown requests a whole-machine shutdown.
	ActionShutdown
)

// ExitHandler resolves one exit into an Action. An error return is fatal to
// the vCPU.
type ExitHandler interface {
	HandleExit(cpu int, ex Exit) (Action, error)
}

// Engine drives one virtual CPU. All fields behind mu are shared with the
// control plane; everything else is owned by the run-loop thread.
type Engine struct {
	id       int
	fac      Facility
	handler  ExitHandler
	shutdown func()
	log      *logrus.Entry

	mu       sync.Mutex
	cond     *sync.Cond
	state    RunState
	pauseReq bool
	stopReq  bool
	pauseAck func()
	pending  []uint32
	exitErr  error
}

// New builds an engine for vCPU id. shutdown is invoked (once, from the
// engine thread) when the guest requests whole-machine shutdown.
func New(id int, fac Facility, handler ExitHandler, shutdown func(), log *logrus.Entry) *Engine {
	e := &Engine{
		id:       id,
		fac:      fac,
		handler:  handler,
		shutdown: shutdown,
		log:      log.WithField("vcpu", id),
		state:    StateNew,
	}
	e.cond = sync.NewCond(&e.mu)

	return e
}

// ID returns the vCPU index.
func (e *Engine) ID() int { return e.id }

// State returns the current run state.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Err returns the fatal error of an Exited engine, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.exitErr
}

// Run executes the vCPU loop on the calling goroutine, which is pinned to
// its OS thread for the duration (vcpu ioctls must come from one thread).
// It returns nil on a clean stop and the fatal error otherwise.
func (e *Engine) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()

	for {
		if done := e.checkControl(); done {
			return e.Err()
		}

		err := e.fac.Run()
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			// Kicked: loop back and observe control requests.
			continue
		}

		if err != nil {
			return e.fatal(fmt.Errorf("%w: run: %v", ErrExecutionFault, err))
		}

		ex, err := e.fac.Exit()
		if err != nil {
			return e.fatal(fmt.Errorf("%w: decode exit: %v", ErrExecutionFault, err))
		}

		action, err := e.handler.HandleExit(e.id, ex)
		if err != nil {
			return e.fatal(err)
		}

		switch action {
		case ActionContinue:

		case ActionStop:
			e.log.Info("vcpu halted")
			e.setState(StateStopped)

			return nil

		case ActionShutdown:
			e.log.Info("guest requested machine shutdown")
			e.setState(StateStopped)

			if e.shutdown != nil {
				e.shutdown()
			}

			return nil
		}
	}
}

// checkControl observes pause/stop requests at the exit boundary. It parks
// the thread while paused and redelivers interrupts queued during the pause
// before guest execution resumes. It returns true when the loop must end.
func (e *Engine) checkControl() bool {
	e.mu.Lock()

	for e.pauseReq && !e.stopReq {
		e.state = StatePaused
		e.fac.SetImmediateExit(false)

		if ack := e.pauseAck; ack != nil {
			e.pauseAck = nil

			e.mu.Unlock()
			ack()
			e.mu.Lock()

			continue
		}

		e.cond.Wait()
	}

	if e.stopReq {
		if e.state != StateExited {
			e.state = StateStopped
		}
		e.mu.Unlock()

		return true
	}

	e.state = StateRunning
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	// Interrupts that arrived while paused queue and deliver on resume;
	// they are never dropped.
	for _, vector := range queued {
		if err := e.fac.InjectIRQ(vector); err != nil {
			e.log.WithError(err).WithField("vector", vector).
				Error("redelivering queued interrupt")
		}
	}

	return false
}

// RequestPause asks the loop to park at the next exit boundary. ack fires
// exactly once, when the engine is provably parked; the facility is kicked
// so the bound on pause latency holds even if the guest never exits on its
// own.
func (e *Engine) RequestPause(ack func()) error {
	e.mu.Lock()

	switch e.state {
	case StateStopped, StateExited:
		e.mu.Unlock()

		return errNotRunning

	case StatePaused:
		e.pauseReq = true
		e.mu.Unlock()

		if ack != nil {
			ack()
		}

		return nil
	}

	e.pauseReq = true
	e.pauseAck = ack
	e.mu.Unlock()

	e.fac.SetImmediateExit(true)

	return e.fac.Kick()
}

// Resume clears the pause request and wakes the parked loop.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.pauseReq = false
	e.pauseAck = nil
	e.mu.Unlock()

	e.cond.Broadcast()
}

// RequestStop asks the loop to end at the next boundary, waking it if
// parked and kicking it if in guest mode.
func (e *Engine) RequestStop() {
	e.mu.Lock()
	e.stopReq = true
	e.mu.Unlock()

	e.cond.Broadcast()
	e.fac.SetImmediateExit(true)

	if err := e.fac.Kick(); err != nil {
		e.log.WithError(err).Debug("kick on stop")
	}
}

// InjectInterrupt delivers vector now, or queues it for redelivery on
// resume when the engine is paused or pausing.
func (e *Engine) InjectInterrupt(vector uint32) error {
	e.mu.Lock()

	if e.state == StatePaused || e.pauseReq {
		e.pending = append(e.pending, vector)
		e.mu.Unlock()

		return nil
	}

	e.mu.Unlock()

	return e.fac.InjectIRQ(vector)
}

func (e *Engine) setState(s RunState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) fatal(err error) error {
	e.log.WithError(err).Error("vcpu exited")

	e.mu.Lock()
	e.state = StateExited
	e.exitErr = err
	e.mu.Unlock()

	return err
}
