package devices

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const ifNameSize = 0x10

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// Tap is a host tap interface in non-blocking mode, suitable for reactor
// registration.
type Tap struct {
	fd int
}

// NewTap attaches to the named tap interface.
func NewTap(name string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening /dev/net/tun")
	}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)

		return nil, errors.Wrapf(errno, "TUNSETIFF %s", name)
	}

	return &Tap{fd: fd}, nil
}

// FD returns the raw descriptor for epoll registration.
func (t *Tap) FD() int { return t.fd }

// Tx writes one frame to the interface.
func (t *Tap) Tx(frame []byte) error {
	if _, err := unix.Write(t.fd, frame); err != nil {
		return errors.Wrap(err, "tap write")
	}

	return nil
}

// Rx reads one frame. It returns (nil, nil) when no frame is pending.
func (t *Tap) Rx(buf []byte) ([]byte, error) {
	n, err := unix.Read(t.fd, buf)
	if err == unix.EAGAIN {
		return nil, nil
	}

	if err != nil {
		return nil, errors.Wrap(err, "tap read")
	}

	return buf[:n], nil
}

// Close releases the interface descriptor.
func (t *Tap) Close() error {
	return unix.Close(t.fd)
}
