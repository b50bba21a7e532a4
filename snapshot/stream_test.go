package snapshot_test

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyvmm/tinyvmm/snapshot"
)

func writeSample(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer

	w := snapshot.NewWriter(&buf)
	require.NoError(t, w.WriteHeader(snapshot.Header{
		InstanceID: "it-0001",
		NCPUs:      2,
		MemSize:    1 << 20,
		Devices:    []string{"serial", "vda"},
	}))
	require.NoError(t, w.WriteVCPU(snapshot.VCPUState{
		ID:      0,
		Regs:    []byte{1, 2, 3},
		MSRs:    []snapshot.MSREntry{{Index: 0x174, Data: 0x10}},
		MPState: 1,
	}))
	require.NoError(t, w.WriteVCPU(snapshot.VCPUState{ID: 1, Regs: []byte{4, 5, 6}}))
	require.NoError(t, w.WriteVMState(snapshot.VMState{Clock: []byte{9}}))
	require.NoError(t, w.WriteDevice(snapshot.DeviceState{Name: "serial", Data: []byte{0x1}}))
	require.NoError(t, w.WriteMemory(0x1000, []byte("page-one")))
	require.NoError(t, w.Close())

	return &buf
}

func TestStreamRoundTrip(t *testing.T) {
	buf := writeSample(t)

	r, err := snapshot.NewReader(buf)
	require.NoError(t, err)

	h := r.Header()
	assert.Equal(t, snapshot.FormatVersion, h.Version)
	assert.Equal(t, "it-0001", h.InstanceID)
	assert.Equal(t, []string{"serial", "vda"}, h.Devices)

	typ, payload, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, snapshot.SectionVCPU, typ)

	cpu, err := snapshot.DecodeVCPU(payload)
	require.NoError(t, err)
	assert.Equal(t, 0, cpu.ID)
	assert.Equal(t, []byte{1, 2, 3}, cpu.Regs)
	assert.Equal(t, uint32(1), cpu.MPState)

	typ, _, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, snapshot.SectionVCPU, typ)

	typ, payload, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, snapshot.SectionVMState, typ)

	vm, err := snapshot.DecodeVMState(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, vm.Clock)

	typ, payload, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, snapshot.SectionDevice, typ)

	dev, err := snapshot.DecodeDevice(payload)
	require.NoError(t, err)
	assert.Equal(t, "serial", dev.Name)

	typ, payload, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, snapshot.SectionMemory, typ)

	region, err := snapshot.DecodeMemory(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), region.Base)
	assert.Equal(t, []byte("page-one"), region.Data)

	typ, _, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, snapshot.SectionEnd, typ)
}

func TestReaderRejectsFutureVersion(t *testing.T) {
	// Hand-frame a header claiming a version this monitor does not speak.
	var payload bytes.Buffer

	require.NoError(t, gob.NewEncoder(&payload).Encode(snapshot.Header{
		Version:    snapshot.FormatVersion + 7,
		InstanceID: "from-the-future",
	}))

	var stream bytes.Buffer

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(snapshot.SectionHeader))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(payload.Len()))
	stream.Write(hdr)
	stream.Write(payload.Bytes())

	_, err := snapshot.NewReader(&stream)
	assert.ErrorIs(t, err, snapshot.ErrIncompatibleVersion)
}

func TestReaderRejectsTruncatedStream(t *testing.T) {
	buf := writeSample(t)
	raw := buf.Bytes()

	// Cut the stream mid-payload.
	short := bytes.NewReader(raw[:len(raw)-20])

	r, err := snapshot.NewReader(short)
	require.NoError(t, err)

	for {
		_, _, err = r.Next()
		if err != nil {
			break
		}
	}

	assert.ErrorIs(t, err, snapshot.ErrCorrupt)
}

func TestReaderRejectsGarbage(t *testing.T) {
	_, err := snapshot.NewReader(bytes.NewReader([]byte("not a snapshot at all")))
	assert.ErrorIs(t, err, snapshot.ErrCorrupt)
}

func TestReaderRejectsBogusSectionType(t *testing.T) {
	buf := writeSample(t)
	raw := buf.Bytes()

	// Find the second frame (first byte after the header frame) and stamp
	// an invalid type over it.
	hdrLen := binary.BigEndian.Uint64(raw[4:12])
	off := 12 + int(hdrLen)
	binary.BigEndian.PutUint32(raw[off:off+4], 0xdeadbeef)

	r, err := snapshot.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)

	_, _, err = r.Next()
	assert.ErrorIs(t, err, snapshot.ErrCorrupt)
}

func TestReaderRejectsNonHeaderStart(t *testing.T) {
	var buf bytes.Buffer

	w := snapshot.NewWriter(&buf)
	require.NoError(t, w.WriteVMState(snapshot.VMState{}))

	_, err := snapshot.NewReader(&buf)
	assert.ErrorIs(t, err, snapshot.ErrCorrupt)
}

func TestDecodeMemoryTooShort(t *testing.T) {
	_, err := snapshot.DecodeMemory([]byte{1, 2, 3})
	assert.ErrorIs(t, err, snapshot.ErrCorrupt)
}

func TestWriterPropagatesIOErrors(t *testing.T) {
	w := snapshot.NewWriter(failWriter{})
	assert.Error(t, w.WriteHeader(snapshot.Header{}))
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
