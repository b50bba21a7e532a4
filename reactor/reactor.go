// Package reactor is a single-threaded epoll loop that executes device work
// outside the vCPU threads. Handlers run one at a time on the reactor
// goroutine, so device backends registered here never need their own
// locking against each other.
package reactor

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Handler receives readiness callbacks on the reactor goroutine. The handler
// owns draining its descriptor; level-triggered epoll re-arms otherwise.
type Handler interface {
	HandleEvent()
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func()

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent() { f() }

const maxEvents = 32

// Reactor multiplexes file descriptors onto one goroutine. The pause
// protocol mirrors the vCPU engine's: a pause request parks the loop between
// handler invocations and acknowledges once parked, so an in-flight handler
// always completes before the acknowledgement.
type Reactor struct {
	epfd int
	wake *Event
	log  *logrus.Entry

	mu       sync.Mutex
	cond     *sync.Cond
	handlers map[int]Handler
	running  bool
	pauseReq bool
	stopReq  bool
	pauseAck func()
}

// New returns a reactor with its epoll instance and wake doorbell ready.
func New(log *logrus.Entry) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}

	wake, err := NewEvent()
	if err != nil {
		unix.Close(epfd)

		return nil, err
	}

	r := &Reactor{
		epfd:     epfd,
		wake:     wake,
		log:      log.WithField("subsys", "reactor"),
		handlers: make(map[int]Handler),
	}
	r.cond = sync.NewCond(&r.mu)

	if err := r.Register(wake.FD(), HandlerFunc(func() {
		if _, err := wake.Drain(); err != nil {
			r.log.WithError(err).Warn("draining wake event")
		}
	})); err != nil {
		r.Close()

		return nil, err
	}

	return r, nil
}

// Register watches fd for readability and routes readiness to h.
func (r *Reactor) Register(fd int, h Handler) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll add fd %d", fd)
	}

	r.mu.Lock()
	r.handlers[fd] = h
	r.mu.Unlock()

	return nil
}

// Deregister stops watching fd. The descriptor itself stays open.
func (r *Reactor) Deregister(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(err, "epoll del fd %d", fd)
	}

	r.mu.Lock()
	delete(r.handlers, fd)
	r.mu.Unlock()

	return nil
}

// Run executes the loop on the calling goroutine until RequestStop.
func (r *Reactor) Run() error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	events := make([]unix.EpollEvent, maxEvents)

	for {
		if done := r.checkControl(); done {
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()

			return errors.Wrap(err, "epoll wait")
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			r.mu.Lock()
			h := r.handlers[fd]
			pausing := r.pauseReq || r.stopReq
			r.mu.Unlock()

			if pausing {
				// Undrained fds stay ready (level-triggered), so
				// deferring the rest of the batch loses nothing.
				break
			}

			if h != nil {
				h.HandleEvent()
			}
		}
	}
}

func (r *Reactor) checkControl() bool {
	r.mu.Lock()

	for r.pauseReq && !r.stopReq {
		if ack := r.pauseAck; ack != nil {
			r.pauseAck = nil

			r.mu.Unlock()
			ack()
			r.mu.Lock()

			continue
		}

		r.cond.Wait()
	}

	if r.stopReq {
		r.running = false
		r.mu.Unlock()

		return true
	}

	r.mu.Unlock()

	return false
}

// RequestPause parks the loop between handler invocations; ack fires once
// the loop is parked. A reactor that has not started yet is already
// quiescent: ack fires immediately, and the request stays latched so the
// loop parks before handling any event once Run begins.
func (r *Reactor) RequestPause(ack func()) error {
	r.mu.Lock()

	if !r.running {
		r.pauseReq = true
		r.mu.Unlock()

		if ack != nil {
			ack()
		}

		return nil
	}

	r.pauseReq = true
	r.pauseAck = ack
	r.mu.Unlock()

	return r.wake.Signal(1)
}

// Resume clears the pause request and wakes the parked loop.
func (r *Reactor) Resume() {
	r.mu.Lock()
	r.pauseReq = false
	r.pauseAck = nil
	r.mu.Unlock()

	r.cond.Broadcast()
}

// RequestStop ends the loop at the next boundary.
func (r *Reactor) RequestStop() {
	r.mu.Lock()
	r.stopReq = true
	r.mu.Unlock()

	r.cond.Broadcast()

	if err := r.wake.Signal(1); err != nil {
		r.log.WithError(err).Debug("wake on stop")
	}
}

// Close releases the epoll instance and wake doorbell. Call after Run has
// returned.
func (r *Reactor) Close() error {
	err := r.wake.Close()
	if cerr := unix.Close(r.epfd); err == nil {
		err = cerr
	}

	return err
}
