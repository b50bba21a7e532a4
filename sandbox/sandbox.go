// Package sandbox applies the seccomp filter that confines the monitor
// after all resources are acquired. Installation is process-wide and
// one-shot: filters cannot be removed, only stacked tighter.
package sandbox

import (
	"sync/atomic"

	seccomp "github.com/seccomp/libseccomp-golang"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Level selects how much of the filter to apply.
type Level int

const (
	// LevelOff applies no filter.
	LevelOff Level = 0
	// LevelBasic denies everything outside the run-phase allow list with
	// EPERM.
	LevelBasic Level = 1
)

var (
	// ErrAlreadyInstalled is returned by a second Install attempt.
	ErrAlreadyInstalled = errors.New("sandbox: filter already installed")

	// ErrUnknownLevel is returned for levels this build does not define.
	ErrUnknownLevel = errors.New("sandbox: unknown level")
)

var installed atomic.Bool

// Syscalls the monitor needs after setup: the vCPU loops (ioctl on KVM
// fds), the reactor (epoll, eventfd, timerfd), guest memory management,
// disk and socket I/O, the Go runtime's scheduler and signal plumbing, and
// a clean exit.
var allowList = []string{
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"close", "fstat", "lseek", "fcntl", "fsync", "fdatasync",
	"ioctl",
	"mmap", "munmap", "mprotect", "madvise", "brk",
	"futex", "sched_yield", "nanosleep", "clock_gettime", "clock_nanosleep",
	// The runtime spawns OS threads lazily, including the ones that back
	// the vCPU loops and the reactor started after the gate fires.
	"clone", "clone3", "sched_getaffinity",
	"epoll_wait", "epoll_pwait", "epoll_ctl",
	"eventfd2", "timerfd_create", "timerfd_settime",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"tgkill", "gettid", "getpid", "restart_syscall",
	"accept4", "recvfrom", "sendto", "shutdown", "getsockopt", "setsockopt",
	"getrandom",
	// Snapshot streams are written to fresh files at runtime.
	"openat", "newfstatat", "ftruncate", "fallocate", "unlinkat",
	"exit", "exit_group",
}

// Installed reports whether the gate has fired.
func Installed() bool {
	return installed.Load()
}

// Install loads the filter for level. LevelOff is a no-op and does not
// consume the gate. Calling Install twice with an active level fails; the
// first filter stays in force.
func Install(level Level, log *logrus.Entry) error {
	switch level {
	case LevelOff:
		log.Warn("seccomp disabled, the monitor is not confined")

		return nil
	case LevelBasic:
	default:
		return errors.Wrapf(ErrUnknownLevel, "level %d", level)
	}

	if !installed.CompareAndSwap(false, true) {
		return ErrAlreadyInstalled
	}

	filter, err := seccomp.NewFilter(seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)))
	if err != nil {
		return errors.Wrap(err, "creating filter")
	}

	for _, name := range allowList {
		sc, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// Not every syscall exists on every kernel/arch pair.
			log.WithField("syscall", name).Debug("skipping unresolvable syscall")

			continue
		}

		if err := filter.AddRule(sc, seccomp.ActAllow); err != nil {
			return errors.Wrapf(err, "allowing %s", name)
		}
	}

	if err := filter.Load(); err != nil {
		return errors.Wrap(err, "loading filter")
	}

	log.WithField("level", int(level)).Info("seccomp filter installed")

	return nil
}
