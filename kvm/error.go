package kvm

import "errors"

var (
	// ErrUnexpectedExitReason is returned for exits the monitor cannot handle.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrAPIVersion means the host kernel reports an unsupported KVM API.
	ErrAPIVersion = errors.New("unsupported KVM API version")

	// ErrMissingCapability means a required KVM extension is absent.
	ErrMissingCapability = errors.New("missing KVM capability")
)

// ExitType is a virtual machine exit type.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
	EXITSYSTEMEVENT   ExitType = 24

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitNames = map[ExitType]string{
	EXITUNKNOWN:       "UNKNOWN",
	EXITEXCEPTION:     "EXCEPTION",
	EXITIO:            "IO",
	EXITHYPERCALL:     "HYPERCALL",
	EXITDEBUG:         "DEBUG",
	EXITHLT:           "HLT",
	EXITMMIO:          "MMIO",
	EXITIRQWINDOWOPEN: "IRQ_WINDOW_OPEN",
	EXITSHUTDOWN:      "SHUTDOWN",
	EXITFAILENTRY:     "FAIL_ENTRY",
	EXITINTR:          "INTR",
	EXITSETTPR:        "SET_TPR",
	EXITTPRACCESS:     "TPR_ACCESS",
	EXITNMI:           "NMI",
	EXITINTERNALERROR: "INTERNAL_ERROR",
	EXITSYSTEMEVENT:   "SYSTEM_EVENT",
}

func (e ExitType) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return "EXIT_" + itoa(uint32(e))
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}

	var buf [10]byte

	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return string(buf[i:])
}
