package devices

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinyvmm/tinyvmm/ratelimit"
	"github.com/tinyvmm/tinyvmm/reactor"
)

// Net register layout, offsets from the MMIO base. One in-flight frame per
// direction; the guest re-arms receive after consuming each frame.
const (
	netRegTxAddr   = 0x00 // u64, guest physical frame
	netRegTxLen    = 0x08 // u32
	netRegTxCmd    = 0x0c // u32, write-only doorbell
	netRegTxStatus = 0x10 // u32
	netRegRxAddr   = 0x18 // u64, guest physical buffer
	netRegRxCap    = 0x20 // u32, buffer capacity; reads back frame length
	netRegRxCtl    = 0x24 // u32, write 1 to arm
	netRegRxStatus = 0x28 // u32, 1 once a frame landed

	// NetSize is the MMIO window a net device occupies.
	NetSize = 0x30

	NetStatusOK    = 0
	NetStatusError = 1
	NetStatusBusy  = 2

	netMaxFrame = 65536

	netThrottleRetry = 2 * time.Millisecond
)

// Net bridges a host tap interface to the guest through a doorbell register
// pair. Transmit runs on the reactor via an eventfd; receive runs on the
// reactor when the tap becomes readable.
type Net struct {
	name     string
	base     uint64
	tap      *Tap
	mem      GuestMemory
	limiter  *ratelimit.Limiter
	line     IRQLine
	irq      uint32
	doorbell *reactor.Event
	log      *logrus.Entry

	mu        sync.Mutex
	txAddr    uint64
	txLen     uint32
	txStatus  uint32
	txPending bool
	rxAddr    uint64
	rxCap     uint32
	rxLen     uint32
	rxStatus  uint32
	rxArmed   bool
	rxDropped uint64

	rxBuf []byte
}

type netState struct {
	TxAddr    uint64
	TxLen     uint32
	TxStatus  uint32
	TxPending bool
	RxAddr    uint64
	RxCap     uint32
	RxLen     uint32
	RxStatus  uint32
	RxArmed   bool
}

// NewNet attaches a NIC at MMIO base to the tap interface tapName.
func NewNet(name, tapName string, base uint64, mem GuestMemory, limiter *ratelimit.Limiter,
	line IRQLine, irq uint32, log *logrus.Entry) (*Net, error) {
	tap, err := NewTap(tapName)
	if err != nil {
		return nil, err
	}

	doorbell, err := reactor.NewEvent()
	if err != nil {
		tap.Close()

		return nil, err
	}

	return &Net{
		name:     name,
		base:     base,
		tap:      tap,
		mem:      mem,
		limiter:  limiter,
		line:     line,
		irq:      irq,
		doorbell: doorbell,
		log:      log.WithField("device", name),
		rxBuf:    make([]byte, netMaxFrame),
	}, nil
}

func (n *Net) Name() string { return n.name }

// DoorbellFD is the transmit doorbell to register with the reactor.
func (n *Net) DoorbellFD() int { return n.doorbell.FD() }

// TapFD is the receive-side descriptor to register with the reactor.
func (n *Net) TapFD() int { return n.tap.FD() }

func (n *Net) Read(addr uint64, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch addr - n.base {
	case netRegTxAddr:
		putReg64(data, n.txAddr)
	case netRegTxLen:
		putReg32(data, n.txLen)
	case netRegTxStatus:
		putReg32(data, n.txStatus)
	case netRegRxAddr:
		putReg64(data, n.rxAddr)
	case netRegRxCap:
		putReg32(data, n.rxLen)
	case netRegRxStatus:
		putReg32(data, n.rxStatus)
	default:
		for i := range data {
			data[i] = 0
		}
	}

	return nil
}

func (n *Net) Write(addr uint64, data []byte) error {
	n.mu.Lock()

	switch addr - n.base {
	case netRegTxAddr:
		n.txAddr = getReg64(data)
	case netRegTxLen:
		n.txLen = getReg32(data)
	case netRegTxCmd:
		n.txStatus = NetStatusBusy
		n.txPending = true
		n.mu.Unlock()

		return n.doorbell.Signal(1)
	case netRegRxAddr:
		n.rxAddr = getReg64(data)
	case netRegRxCap:
		n.rxCap = getReg32(data)
	case netRegRxCtl:
		if getReg32(data) == 1 {
			n.rxArmed = true
			n.rxStatus = 0
		}
	}

	n.mu.Unlock()

	return nil
}

// HandleTx runs on the reactor thread and pushes the queued frame to the tap.
func (n *Net) HandleTx() {
	if _, err := n.doorbell.Drain(); err != nil {
		n.log.WithError(err).Warn("draining doorbell")
	}

	n.mu.Lock()
	if !n.txPending {
		n.mu.Unlock()

		return
	}

	addr, length := n.txAddr, n.txLen
	n.mu.Unlock()

	if n.limiter != nil && !n.limiter.AllowOp(int(length)) {
		time.AfterFunc(netThrottleRetry, func() {
			if err := n.doorbell.Signal(1); err != nil {
				n.log.WithError(err).Warn("rescheduling throttled frame")
			}
		})

		return
	}

	status := uint32(NetStatusOK)

	frame := make([]byte, length)
	if _, err := n.mem.ReadAt(frame, int64(addr)); err != nil {
		n.log.WithError(err).Error("dma out of guest")

		status = NetStatusError
	} else if err := n.tap.Tx(frame); err != nil {
		n.log.WithError(err).Error("tap transmit")

		status = NetStatusError
	}

	n.mu.Lock()
	n.txStatus = status
	n.txPending = false
	n.mu.Unlock()

	if err := pulse(n.line, n.irq); err != nil {
		n.log.WithError(err).Error("raising tx interrupt")
	}
}

// HandleRx runs on the reactor thread when the tap has a frame. Frames that
// arrive while the guest has no buffer armed, or past the rate limit, are
// dropped the way a full NIC ring drops them.
func (n *Net) HandleRx() {
	frame, err := n.tap.Rx(n.rxBuf)
	if err != nil {
		n.log.WithError(err).Error("tap receive")

		return
	}

	if frame == nil {
		return
	}

	n.mu.Lock()
	armed := n.rxArmed
	addr, capacity := n.rxAddr, n.rxCap
	n.mu.Unlock()

	if !armed || (n.limiter != nil && !n.limiter.AllowOp(len(frame))) {
		n.mu.Lock()
		n.rxDropped++
		n.mu.Unlock()

		return
	}

	if uint32(len(frame)) > capacity {
		frame = frame[:capacity]
	}

	if _, err := n.mem.WriteAt(frame, int64(addr)); err != nil {
		n.log.WithError(err).Error("dma into guest")

		return
	}

	n.mu.Lock()
	n.rxLen = uint32(len(frame))
	n.rxStatus = 1
	n.rxArmed = false
	n.mu.Unlock()

	if err := pulse(n.line, n.irq); err != nil {
		n.log.WithError(err).Error("raising rx interrupt")
	}
}

func (n *Net) SaveState() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	return encodeState(netState{
		TxAddr:    n.txAddr,
		TxLen:     n.txLen,
		TxStatus:  n.txStatus,
		TxPending: n.txPending,
		RxAddr:    n.rxAddr,
		RxCap:     n.rxCap,
		RxLen:     n.rxLen,
		RxStatus:  n.rxStatus,
		RxArmed:   n.rxArmed,
	})
}

func (n *Net) RestoreState(data []byte) error {
	var st netState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	n.mu.Lock()
	n.txAddr = st.TxAddr
	n.txLen = st.TxLen
	n.txStatus = st.TxStatus
	n.txPending = st.TxPending
	n.rxAddr = st.RxAddr
	n.rxCap = st.RxCap
	n.rxLen = st.RxLen
	n.rxStatus = st.RxStatus
	n.rxArmed = st.RxArmed
	pending := st.TxPending
	n.mu.Unlock()

	if pending {
		return n.doorbell.Signal(1)
	}

	return nil
}

// Close releases the tap and doorbell.
func (n *Net) Close() error {
	err := n.tap.Close()
	if derr := n.doorbell.Close(); err == nil {
		err = derr
	}

	return err
}
