package sandbox

import "testing"

// The gate fires during construction, before the vCPU and reactor threads
// exist; everything those threads need at runtime must stay on the list.
func TestAllowListCoversRunPhase(t *testing.T) {
	must := []string{
		// lazy OS thread creation by the runtime
		"clone", "clone3",
		// vCPU loops and kicks
		"ioctl", "tgkill", "gettid",
		// reactor
		"epoll_wait", "epoll_ctl", "eventfd2", "timerfd_settime",
		// snapshot files written after the gate
		"openat", "ftruncate", "unlinkat",
	}

	listed := make(map[string]bool, len(allowList))
	for _, name := range allowList {
		listed[name] = true
	}

	for _, name := range must {
		if !listed[name] {
			t.Errorf("allow list missing %s", name)
		}
	}
}
