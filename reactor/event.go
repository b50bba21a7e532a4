package reactor

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Event wraps an eventfd used as a doorbell between device frontends and the
// reactor thread.
type Event struct {
	fd int
}

// NewEvent returns a non-blocking eventfd.
func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}

	return &Event{fd: fd}, nil
}

// FD returns the raw file descriptor for epoll registration.
func (e *Event) FD() int { return e.fd }

// Signal adds v to the eventfd counter, waking any poller.
func (e *Event) Signal(v uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)

	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return errors.Wrap(err, "eventfd write")
	}

	return nil
}

// Drain reads and resets the counter. A zero return with nil error means the
// event was already drained.
func (e *Event) Drain() (uint64, error) {
	var buf [8]byte

	n, err := unix.Read(e.fd, buf[:])
	if err == unix.EAGAIN {
		return 0, nil
	}

	if err != nil {
		return 0, errors.Wrap(err, "eventfd read")
	}

	if n != 8 {
		return 0, errors.Errorf("eventfd short read: %d bytes", n)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor.
func (e *Event) Close() error {
	return unix.Close(e.fd)
}

// Timer wraps a timerfd delivering periodic ticks through the reactor.
type Timer struct {
	fd int
}

// NewTimer returns a monotonic timerfd firing every interval nanoseconds,
// first after the same interval.
func NewTimer(intervalNs int64) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "timerfd create")
	}

	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(intervalNs),
		Value:    unix.NsecToTimespec(intervalNs),
	}

	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)

		return nil, errors.Wrap(err, "timerfd settime")
	}

	return &Timer{fd: fd}, nil
}

// FD returns the raw file descriptor for epoll registration.
func (t *Timer) FD() int { return t.fd }

// Ticks reads and resets the number of expirations since the last read.
func (t *Timer) Ticks() (uint64, error) {
	var buf [8]byte

	n, err := unix.Read(t.fd, buf[:])
	if err == unix.EAGAIN {
		return 0, nil
	}

	if err != nil {
		return 0, errors.Wrap(err, "timerfd read")
	}

	if n != 8 {
		return 0, errors.Errorf("timerfd short read: %d bytes", n)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor.
func (t *Timer) Close() error {
	return unix.Close(t.fd)
}
