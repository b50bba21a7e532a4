package vcpu_test

import (
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyvmm/tinyvmm/kvm"
	"github.com/tinyvmm/tinyvmm/vcpu"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return logrus.NewEntry(l)
}

// fakeFacility scripts exits through a channel so tests control exactly when
// the "guest" exits. Run blocks like a real guest until an exit is scripted
// or the facility is kicked.
type fakeFacility struct {
	exits chan vcpu.Exit
	kick  chan struct{}

	mu        sync.Mutex
	immediate bool
	injected  []uint32
	cur       vcpu.Exit
}

func newFakeFacility() *fakeFacility {
	return &fakeFacility{
		exits: make(chan vcpu.Exit),
		kick:  make(chan struct{}, 16),
	}
}

func (f *fakeFacility) Run() error {
	f.mu.Lock()
	imm := f.immediate
	f.mu.Unlock()

	if imm {
		return syscall.EINTR
	}

	select {
	case ex := <-f.exits:
		f.mu.Lock()
		f.cur = ex
		f.mu.Unlock()

		return nil
	case <-f.kick:
		return syscall.EINTR
	}
}

func (f *fakeFacility) Exit() (vcpu.Exit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cur, nil
}

func (f *fakeFacility) SetImmediateExit(on bool) {
	f.mu.Lock()
	f.immediate = on
	f.mu.Unlock()
}

func (f *fakeFacility) InjectIRQ(vector uint32) error {
	f.mu.Lock()
	f.injected = append(f.injected, vector)
	f.mu.Unlock()

	return nil
}

func (f *fakeFacility) Kick() error {
	select {
	case f.kick <- struct{}{}:
	default:
	}

	return nil
}

func (f *fakeFacility) injectedVectors() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uint32(nil), f.injected...)
}

// handlerFunc adapts a function to vcpu.ExitHandler.
type handlerFunc func(cpu int, ex vcpu.Exit) (vcpu.Action, error)

func (h handlerFunc) HandleExit(cpu int, ex vcpu.Exit) (vcpu.Action, error) {
	return h(cpu, ex)
}

func continueAll(int, vcpu.Exit) (vcpu.Action, error) {
	return vcpu.ActionContinue, nil
}

func startEngine(t *testing.T, fac vcpu.Facility, h vcpu.ExitHandler, shutdown func()) (*vcpu.Engine, chan error) {
	t.Helper()

	e := vcpu.New(0, fac, h, shutdown, testLogger())
	done := make(chan error, 1)

	go func() { done <- e.Run() }()

	return e, done
}

func waitState(t *testing.T, e *vcpu.Engine, want vcpu.RunState) {
	t.Helper()

	require.Eventually(t, func() bool {
		return e.State() == want
	}, 2*time.Second, time.Millisecond, "want state %v, have %v", want, e.State())
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")

		return nil
	}
}

func TestPauseParksAtExitBoundary(t *testing.T) {
	fac := newFakeFacility()
	e, done := startEngine(t, fac, handlerFunc(continueAll), nil)

	// Let it spin once so it is provably inside the loop.
	fac.exits <- vcpu.Exit{Reason: kvm.EXITINTR}

	acked := make(chan struct{})
	require.NoError(t, e.RequestPause(func() { close(acked) }))

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("pause was not acknowledged")
	}

	assert.Equal(t, vcpu.StatePaused, e.State())

	e.Resume()
	waitState(t, e, vcpu.StateRunning)

	e.RequestStop()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, vcpu.StateStopped, e.State())
}

func TestPauseBeforeStartParksImmediately(t *testing.T) {
	fac := newFakeFacility()
	e := vcpu.New(0, fac, handlerFunc(continueAll), nil, testLogger())

	acked := make(chan struct{})
	require.NoError(t, e.RequestPause(func() { close(acked) }))

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("pause was not acknowledged")
	}

	assert.Equal(t, vcpu.StatePaused, e.State())

	e.Resume()
	e.RequestStop()
	require.NoError(t, waitDone(t, done))
}

func TestQueuedInterruptsDeliverOnResume(t *testing.T) {
	fac := newFakeFacility()
	e, done := startEngine(t, fac, handlerFunc(continueAll), nil)

	acked := make(chan struct{})
	require.NoError(t, e.RequestPause(func() { close(acked) }))
	<-acked

	require.NoError(t, e.InjectInterrupt(4))
	require.NoError(t, e.InjectInterrupt(9))
	assert.Empty(t, fac.injectedVectors(), "interrupts must queue while paused")

	e.Resume()

	require.Eventually(t, func() bool {
		return len(fac.injectedVectors()) == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []uint32{4, 9}, fac.injectedVectors(), "queued order preserved")

	e.RequestStop()
	require.NoError(t, waitDone(t, done))
}

func TestInjectWhileRunningIsDirect(t *testing.T) {
	fac := newFakeFacility()
	e, done := startEngine(t, fac, handlerFunc(continueAll), nil)

	require.NoError(t, e.InjectInterrupt(11))
	assert.Equal(t, []uint32{11}, fac.injectedVectors())

	e.RequestStop()
	require.NoError(t, waitDone(t, done))
}

func TestHandlerErrorIsFatal(t *testing.T) {
	boom := errors.New("device wedged")
	fac := newFakeFacility()
	e, done := startEngine(t, fac, handlerFunc(func(int, vcpu.Exit) (vcpu.Action, error) {
		return vcpu.ActionContinue, boom
	}), nil)

	fac.exits <- vcpu.Exit{Reason: kvm.EXITMMIO}

	err := waitDone(t, done)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, vcpu.StateExited, e.State())
	assert.ErrorIs(t, e.Err(), boom)
}

func TestStopActionHaltsCleanly(t *testing.T) {
	fac := newFakeFacility()
	e, done := startEngine(t, fac, handlerFunc(func(int, vcpu.Exit) (vcpu.Action, error) {
		return vcpu.ActionStop, nil
	}), nil)

	fac.exits <- vcpu.Exit{Reason: kvm.EXITHLT}

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, vcpu.StateStopped, e.State())
}

func TestShutdownActionFiresCallback(t *testing.T) {
	called := make(chan struct{})
	fac := newFakeFacility()
	_, done := startEngine(t, fac, handlerFunc(func(int, vcpu.Exit) (vcpu.Action, error) {
		return vcpu.ActionShutdown, nil
	}), func() { close(called) })

	fac.exits <- vcpu.Exit{Reason: kvm.EXITSHUTDOWN}

	require.NoError(t, waitDone(t, done))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestPauseAfterStopFails(t *testing.T) {
	fac := newFakeFacility()
	e, done := startEngine(t, fac, handlerFunc(continueAll), nil)

	e.RequestStop()
	require.NoError(t, waitDone(t, done))

	assert.Error(t, e.RequestPause(nil))
}
