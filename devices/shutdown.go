package devices

import "sync"

// ShutdownPort is the conventional ACPI shutdown register used by EDK2 and
// cloud-hypervisor guests.
const (
	ShutdownPort = uint64(0x600)
	ShutdownSize = uint64(0x8)

	s5SleepVal       = uint8(5)
	sleepStatusENBit = uint8(5)
	sleepValBit      = uint8(2)
)

// Shutdown watches the ACPI sleep register and reports S5 (power off) and
// reboot requests to the monitor.
type Shutdown struct {
	mu        sync.Mutex
	requested bool

	onShutdown func()
	onReboot   func()
}

type shutdownState struct {
	Requested bool
}

// NewShutdown wires the ACPI port to monitor callbacks; either may be nil.
func NewShutdown(onShutdown, onReboot func()) *Shutdown {
	return &Shutdown{onShutdown: onShutdown, onReboot: onReboot}
}

func (s *Shutdown) Name() string { return "acpi-shutdown" }

func (s *Shutdown) Read(addr uint64, data []byte) error {
	data[0] = 0

	return nil
}

func (s *Shutdown) Write(addr uint64, data []byte) error {
	if data[0] == 1 {
		if s.onReboot != nil {
			s.onReboot()
		}

		return nil
	}

	if data[0] == (s5SleepVal<<sleepValBit)|(1<<sleepStatusENBit) {
		s.mu.Lock()
		s.requested = true
		s.mu.Unlock()

		if s.onShutdown != nil {
			s.onShutdown()
		}
	}

	return nil
}

func (s *Shutdown) SaveState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return encodeState(shutdownState{Requested: s.requested})
}

func (s *Shutdown) RestoreState(data []byte) error {
	var st shutdownState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	s.mu.Lock()
	s.requested = st.Requested
	s.mu.Unlock()

	return nil
}
