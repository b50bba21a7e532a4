package devices

import (
	"io"
	"sync"
)

// Console register layout, offsets from the MMIO base.
const (
	consoleData   = 0x0
	consoleStatus = 0x8

	// ConsoleSize is the MMIO window a console occupies.
	ConsoleSize = 0x10

	consoleReady = 0x1
)

// Console is a minimal MMIO write-only console: a data register that
// forwards bytes to the host and a status register that always reports
// ready. It exists for guests too early in boot for a UART.
type Console struct {
	base uint64
	out  io.Writer

	mu      sync.Mutex
	written uint64
}

type consoleState struct {
	Written uint64
}

// NewConsole returns a console at MMIO base writing to out.
func NewConsole(base uint64, out io.Writer) *Console {
	return &Console{base: base, out: out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Read(addr uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	if addr-c.base == consoleStatus {
		data[0] = consoleReady
	}

	return nil
}

func (c *Console) Write(addr uint64, data []byte) error {
	if addr-c.base != consoleData {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.out != nil {
		if _, err := c.out.Write(data); err != nil {
			return err
		}
	}

	c.written += uint64(len(data))

	return nil
}

// WrittenBytes reports how many bytes the guest has pushed through the data
// register.
func (c *Console) WrittenBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.written
}

func (c *Console) SaveState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return encodeState(consoleState{Written: c.written})
}

func (c *Console) RestoreState(data []byte) error {
	var st consoleState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	c.mu.Lock()
	c.written = st.Written
	c.mu.Unlock()

	return nil
}
