package devices

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyvmm/tinyvmm/ratelimit"
	"github.com/tinyvmm/tinyvmm/reactor"
)

// Block register layout, offsets from the MMIO base. The guest fills
// SECTOR/ADDR/LEN, then writes a command; completion is announced with an
// interrupt and the status register.
const (
	blockRegSector = 0x00 // u64, in 512-byte sectors
	blockRegAddr   = 0x08 // u64, guest physical buffer
	blockRegLen    = 0x10 // u32, transfer length in bytes
	blockRegCmd    = 0x14 // u32, write-only doorbell
	blockRegStatus = 0x18 // u32

	// BlockSize is the MMIO window a block device occupies.
	BlockSize = 0x20

	BlockCmdRead  = 1
	BlockCmdWrite = 2

	BlockStatusOK    = 0
	BlockStatusError = 1
	BlockStatusBusy  = 2

	blockSectorSize = 512

	// blockMaxTransfer caps a single request. LEN is guest-controlled; the
	// host must not allocate whatever the guest asks for.
	blockMaxTransfer = 1 << 20

	// How long a throttled request waits before retrying.
	blockThrottleRetry = 2 * time.Millisecond
)

// GuestMemory is the slice of guest RAM a DMA device needs.
type GuestMemory interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Block is a file-backed disk with a doorbell register interface. Guest
// writes to the command register only ring the doorbell; the transfer runs
// on the reactor thread, throttled by the device's rate limiter.
type Block struct {
	name     string
	base     uint64
	file     *os.File
	mem      GuestMemory
	limiter  *ratelimit.Limiter
	line     IRQLine
	irq      uint32
	doorbell *reactor.Event
	log      *logrus.Entry

	mu      sync.Mutex
	sector  uint64
	addr    uint64
	length  uint32
	cmd     uint32
	status  uint32
	pending bool
}

type blockState struct {
	Sector  uint64
	Addr    uint64
	Len     uint32
	Cmd     uint32
	Status  uint32
	Pending bool
}

// NewBlock opens a disk backed by path. irq is pulsed on completion.
func NewBlock(name, path string, base uint64, mem GuestMemory, limiter *ratelimit.Limiter,
	line IRQLine, irq uint32, log *logrus.Entry) (*Block, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening disk image")
	}

	doorbell, err := reactor.NewEvent()
	if err != nil {
		file.Close()

		return nil, err
	}

	return &Block{
		name:     name,
		base:     base,
		file:     file,
		mem:      mem,
		limiter:  limiter,
		line:     line,
		irq:      irq,
		doorbell: doorbell,
		log:      log.WithField("device", name),
	}, nil
}

func (b *Block) Name() string { return b.name }

// DoorbellFD is the descriptor to register with the reactor.
func (b *Block) DoorbellFD() int { return b.doorbell.FD() }

func (b *Block) Read(addr uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch addr - b.base {
	case blockRegSector:
		putReg64(data, b.sector)
	case blockRegAddr:
		putReg64(data, b.addr)
	case blockRegLen:
		putReg32(data, b.length)
	case blockRegStatus:
		putReg32(data, b.status)
	default:
		for i := range data {
			data[i] = 0
		}
	}

	return nil
}

func (b *Block) Write(addr uint64, data []byte) error {
	b.mu.Lock()

	switch addr - b.base {
	case blockRegSector:
		b.sector = getReg64(data)
	case blockRegAddr:
		b.addr = getReg64(data)
	case blockRegLen:
		b.length = getReg32(data)
	case blockRegCmd:
		b.cmd = getReg32(data)
		b.status = BlockStatusBusy
		b.pending = true
		b.mu.Unlock()

		return b.doorbell.Signal(1)
	}

	b.mu.Unlock()

	return nil
}

// HandleEvent runs on the reactor thread and executes the queued transfer.
func (b *Block) HandleEvent() {
	if _, err := b.doorbell.Drain(); err != nil {
		b.log.WithError(err).Warn("draining doorbell")
	}

	b.mu.Lock()
	if !b.pending {
		b.mu.Unlock()

		return
	}

	sector, addr, length, cmd := b.sector, b.addr, b.length, b.cmd
	b.mu.Unlock()

	if b.limiter != nil && !b.limiter.AllowOp(int(length)) {
		// Out of tokens; retry once the bucket has refilled a little.
		time.AfterFunc(blockThrottleRetry, func() {
			if err := b.doorbell.Signal(1); err != nil {
				b.log.WithError(err).Warn("rescheduling throttled request")
			}
		})

		return
	}

	status := b.execute(sector, addr, length, cmd)

	b.mu.Lock()
	b.status = status
	b.pending = false
	b.mu.Unlock()

	if err := pulse(b.line, b.irq); err != nil {
		b.log.WithError(err).Error("raising completion interrupt")
	}
}

func (b *Block) execute(sector, addr uint64, length, cmd uint32) uint32 {
	if length > blockMaxTransfer {
		b.log.WithField("len", length).Error("transfer length exceeds limit")

		return BlockStatusError
	}

	buf := make([]byte, length)
	off := int64(sector) * blockSectorSize

	switch cmd {
	case BlockCmdRead:
		if _, err := b.file.ReadAt(buf, off); err != nil {
			b.log.WithError(err).Error("disk read")

			return BlockStatusError
		}

		if _, err := b.mem.WriteAt(buf, int64(addr)); err != nil {
			b.log.WithError(err).Error("dma into guest")

			return BlockStatusError
		}
	case BlockCmdWrite:
		if _, err := b.mem.ReadAt(buf, int64(addr)); err != nil {
			b.log.WithError(err).Error("dma out of guest")

			return BlockStatusError
		}

		if _, err := b.file.WriteAt(buf, off); err != nil {
			b.log.WithError(err).Error("disk write")

			return BlockStatusError
		}
	default:
		return BlockStatusError
	}

	return BlockStatusOK
}

func (b *Block) SaveState() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return encodeState(blockState{
		Sector:  b.sector,
		Addr:    b.addr,
		Len:     b.length,
		Cmd:     b.cmd,
		Status:  b.status,
		Pending: b.pending,
	})
}

func (b *Block) RestoreState(data []byte) error {
	var st blockState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	b.mu.Lock()
	b.sector = st.Sector
	b.addr = st.Addr
	b.length = st.Len
	b.cmd = st.Cmd
	b.status = st.Status
	b.pending = st.Pending
	pending := st.Pending
	b.mu.Unlock()

	// A request rang the doorbell before the snapshot but had not executed;
	// ring it again in the restored instance.
	if pending {
		return b.doorbell.Signal(1)
	}

	return nil
}

// Close releases the disk image and doorbell.
func (b *Block) Close() error {
	err := b.file.Close()
	if derr := b.doorbell.Close(); err == nil {
		err = derr
	}

	return err
}

func putReg32(data []byte, v uint32) {
	if len(data) >= 4 {
		binary.LittleEndian.PutUint32(data, v)
	}
}

func putReg64(data []byte, v uint64) {
	switch {
	case len(data) >= 8:
		binary.LittleEndian.PutUint64(data, v)
	case len(data) >= 4:
		binary.LittleEndian.PutUint32(data, uint32(v))
	}
}

func getReg32(data []byte) uint32 {
	if len(data) >= 4 {
		return binary.LittleEndian.Uint32(data)
	}

	return 0
}

func getReg64(data []byte) uint64 {
	switch {
	case len(data) >= 8:
		return binary.LittleEndian.Uint64(data)
	case len(data) >= 4:
		return uint64(binary.LittleEndian.Uint32(data))
	}

	return 0
}
