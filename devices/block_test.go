package devices_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyvmm/tinyvmm/devices"
	"github.com/tinyvmm/tinyvmm/ratelimit"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return logrus.NewEntry(l)
}

// ram is an in-memory stand-in for guest physical memory.
type ram struct {
	b []byte
}

func (r *ram) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(r.b) {
		return 0, errors.New("out of range")
	}

	return copy(p, r.b[off:]), nil
}

func (r *ram) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(r.b) {
		return 0, errors.New("out of range")
	}

	return copy(r.b[off:], p), nil
}

const blockBase = uint64(0xd0001000)

func newTestBlock(t *testing.T, limiter *ratelimit.Limiter) (*devices.Block, *ram, *irqRecorder, []byte) {
	t.Helper()

	disk := make([]byte, 2048)
	for i := range disk {
		disk[i] = byte(i % 251)
	}

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, disk, 0o644))

	mem := &ram{b: make([]byte, 1<<16)}
	rec := &irqRecorder{}

	b, err := devices.NewBlock("vda", path, blockBase, mem, limiter, rec.line, 5, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return b, mem, rec, disk
}

func writeReg64(t *testing.T, b *devices.Block, off, v uint64) {
	t.Helper()

	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, v)
	require.NoError(t, b.Write(blockBase+off, data))
}

func writeReg32(t *testing.T, b *devices.Block, off uint64, v uint32) {
	t.Helper()

	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	require.NoError(t, b.Write(blockBase+off, data))
}

func readStatus(t *testing.T, b *devices.Block) uint32 {
	t.Helper()

	data := make([]byte, 4)
	require.NoError(t, b.Read(blockBase+0x18, data))

	return binary.LittleEndian.Uint32(data)
}

func TestBlockRead(t *testing.T) {
	b, mem, rec, disk := newTestBlock(t, nil)

	writeReg64(t, b, 0x00, 1)     // sector
	writeReg64(t, b, 0x08, 0x100) // guest buffer
	writeReg32(t, b, 0x10, 512)   // length
	writeReg32(t, b, 0x14, devices.BlockCmdRead)

	assert.Equal(t, uint32(devices.BlockStatusBusy), readStatus(t, b))

	b.HandleEvent()

	assert.Equal(t, uint32(devices.BlockStatusOK), readStatus(t, b))
	assert.True(t, bytes.Equal(disk[512:1024], mem.b[0x100:0x300]), "sector 1 lands in guest memory")
	assert.Equal(t, 1, rec.count(), "completion pulses the IRQ line")
}

func TestBlockWrite(t *testing.T) {
	b, mem, _, _ := newTestBlock(t, nil)

	payload := bytes.Repeat([]byte{0xa5}, 512)
	copy(mem.b[0x800:], payload)

	writeReg64(t, b, 0x00, 2)
	writeReg64(t, b, 0x08, 0x800)
	writeReg32(t, b, 0x10, 512)
	writeReg32(t, b, 0x14, devices.BlockCmdWrite)

	b.HandleEvent()

	require.Equal(t, uint32(devices.BlockStatusOK), readStatus(t, b))

	// Read the same sector back through the device.
	writeReg64(t, b, 0x00, 2)
	writeReg64(t, b, 0x08, 0x100)
	writeReg32(t, b, 0x14, devices.BlockCmdRead)
	b.HandleEvent()

	assert.Equal(t, payload, mem.b[0x100:0x300])
}

func TestBlockBadCommandFails(t *testing.T) {
	b, _, _, _ := newTestBlock(t, nil)

	writeReg32(t, b, 0x10, 512)
	writeReg32(t, b, 0x14, 99)
	b.HandleEvent()

	assert.Equal(t, uint32(devices.BlockStatusError), readStatus(t, b))
}

func TestBlockRejectsOversizeTransfer(t *testing.T) {
	b, mem, rec, _ := newTestBlock(t, nil)

	before := make([]byte, len(mem.b))
	copy(before, mem.b)

	writeReg64(t, b, 0x00, 0)
	writeReg64(t, b, 0x08, 0x100)
	writeReg32(t, b, 0x10, 0xffffffff) // LEN is guest-controlled
	writeReg32(t, b, 0x14, devices.BlockCmdRead)

	b.HandleEvent()

	assert.Equal(t, uint32(devices.BlockStatusError), readStatus(t, b))
	assert.Equal(t, before, mem.b, "failed request must not touch guest memory")
	assert.Equal(t, 1, rec.count(), "failure still pulses completion")
}

func TestBlockThrottledRequestStaysPending(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{BytesPerSec: 64, BytesBurst: 64})
	b, _, rec, _ := newTestBlock(t, limiter)

	writeReg64(t, b, 0x00, 0)
	writeReg64(t, b, 0x08, 0x100)
	writeReg32(t, b, 0x10, 512) // larger than the burst, so never admitted now
	writeReg32(t, b, 0x14, devices.BlockCmdRead)

	b.HandleEvent()

	assert.Equal(t, uint32(devices.BlockStatusBusy), readStatus(t, b))
	assert.Zero(t, rec.count(), "no completion while throttled")
}

func TestBlockSaveRestoreRearmsPending(t *testing.T) {
	b, _, _, _ := newTestBlock(t, nil)

	writeReg64(t, b, 0x00, 1)
	writeReg64(t, b, 0x08, 0x100)
	writeReg32(t, b, 0x10, 512)
	writeReg32(t, b, 0x14, devices.BlockCmdRead)

	blob, err := b.SaveState()
	require.NoError(t, err)

	restored, mem2, rec2, disk := newTestBlock(t, nil)
	require.NoError(t, restored.RestoreState(blob))

	restored.HandleEvent()

	assert.Equal(t, uint32(devices.BlockStatusOK), readStatus(t, restored))
	assert.True(t, bytes.Equal(disk[512:1024], mem2.b[0x100:0x300]))
	assert.Equal(t, 1, rec2.count())
}
