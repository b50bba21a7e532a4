package devices

import (
	"io"
	"sync"
)

// COM1Addr is the conventional base port of the first serial device.
const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4
	COM1Size = 8
)

// Serial is a 16550-subset UART. Output bytes go to out; input arrives
// through InputChan and is announced to the guest with IRQ 4 when the guest
// has enabled receive interrupts.
type Serial struct {
	base uint64
	out  io.Writer
	line IRQLine

	mu        sync.Mutex
	ier       byte
	lcr       byte
	inputChan chan byte
}

type serialState struct {
	IER byte
	LCR byte
	// Undelivered input is part of the device, not the guest.
	Pending []byte
}

// NewSerial returns a UART at base whose transmit side writes to out.
func NewSerial(base uint64, out io.Writer, line IRQLine) *Serial {
	return &Serial{
		base:      base,
		out:       out,
		line:      line,
		inputChan: make(chan byte, 10000),
	}
}

func (s *Serial) Name() string { return "serial" }

// QueueInput feeds host-side bytes to the guest's receive path. It runs on
// the host input goroutine, which is no pause-barrier participant, so the
// queue is only touched under the device lock; SaveState's drain stays
// ordered against it.
func (s *Serial) QueueInput(data []byte) {
	s.mu.Lock()

	queued := false

loop:
	for _, b := range data {
		select {
		case s.inputChan <- b:
			queued = true
		default:
			// Guest is not draining; drop like a full FIFO would.
			break loop
		}
	}

	notify := queued && s.ier&0x1 != 0
	s.mu.Unlock()

	if notify {
		pulse(s.line, COM1IRQ)
	}
}

func (s *Serial) dlab() bool {
	return s.lcr&0x80 != 0
}

func (s *Serial) Read(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port := addr - s.base
	data[0] = 0

	switch {
	case port == 0 && !s.dlab(): // RBR
		if len(s.inputChan) > 0 {
			data[0] = <-s.inputChan
		}
	case port == 0 && s.dlab(): // DLL, 9600 baud
		data[0] = 0xc
	case port == 1 && !s.dlab(): // IER
		data[0] = s.ier
	case port == 1 && s.dlab(): // DLM
		data[0] = 0x0
	case port == 3: // LCR
		data[0] = s.lcr
	case port == 5: // LSR: THR empty, maybe data ready
		data[0] = 0x60
		if len(s.inputChan) > 0 {
			data[0] |= 0x1
		}
	}

	return nil
}

func (s *Serial) Write(addr uint64, data []byte) error {
	s.mu.Lock()

	port := addr - s.base

	switch {
	case port == 0 && !s.dlab(): // THR
		s.mu.Unlock()

		if s.out != nil {
			if _, err := s.out.Write(data[:1]); err != nil {
				return err
			}
		}

		return nil
	case port == 1 && !s.dlab(): // IER
		s.ier = data[0]
		notify := s.ier&0x2 != 0
		s.mu.Unlock()

		// Guest armed transmit interrupts; THR is always empty here.
		if notify {
			return pulse(s.line, COM1IRQ)
		}

		return nil
	case port == 3: // LCR
		s.lcr = data[0]
	}

	s.mu.Unlock()

	return nil
}

func (s *Serial) SaveState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := serialState{IER: s.ier, LCR: s.lcr}
	for len(s.inputChan) > 0 {
		st.Pending = append(st.Pending, <-s.inputChan)
	}

	// Keep the live queue intact in case the machine resumes.
	for _, b := range st.Pending {
		s.inputChan <- b
	}

	return encodeState(st)
}

func (s *Serial) RestoreState(data []byte) error {
	var st serialState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ier = st.IER
	s.lcr = st.LCR

	for len(s.inputChan) > 0 {
		<-s.inputChan
	}

	for _, b := range st.Pending {
		s.inputChan <- b
	}

	return nil
}
