// Package term puts the controlling terminal into raw mode so keystrokes
// reach the guest serial port unmangled.
package term

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether stdin is a terminal.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)

	return err == nil
}

// SetRawMode switches stdin to raw mode and returns a function restoring
// the previous settings.
func SetRawMode() (func(), error) {
	fd := int(os.Stdin.Fd())

	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	raw := *old
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	restore := func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, old)
	}

	return restore, unix.IoctlSetTermios(fd, unix.TCSETS, &raw)
}
