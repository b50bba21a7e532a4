// Framed binary stream carrying a snapshot.
//
// Wire format for each section:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// The stream opens with a SectionHeader and closes with a SectionEnd.
package snapshot

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// maxSectionSize bounds a single frame so a corrupt length field cannot
// drive an enormous allocation. Memory regions are written page-coalesced
// and never approach this.
const maxSectionSize = 1 << 36

// Writer emits a snapshot stream section by section. Call sections in
// stream order: header, vcpus, vm state, devices, memory, Close.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w as a snapshot Writer.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) writeFrame(t SectionType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := w.w.Write(hdr); err != nil {
		return errors.Wrapf(err, "writing %v header", t)
	}

	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return errors.Wrapf(err, "writing %v payload", t)
		}
	}

	return nil
}

func (w *Writer) writeGob(t SectionType, v interface{}) error {
	payload, err := encodeSection(v)
	if err != nil {
		return err
	}

	return w.writeFrame(t, payload)
}

// WriteHeader emits the opening section. The header's Version field is
// forced to FormatVersion.
func (w *Writer) WriteHeader(h Header) error {
	h.Version = FormatVersion

	return w.writeGob(SectionHeader, h)
}

// WriteVCPU emits one vCPU's architectural state.
func (w *Writer) WriteVCPU(st VCPUState) error {
	return w.writeGob(SectionVCPU, st)
}

// WriteVMState emits the VM-wide hardware state.
func (w *Writer) WriteVMState(st VMState) error {
	return w.writeGob(SectionVMState, st)
}

// WriteDevice emits one device's saved state.
func (w *Writer) WriteDevice(st DeviceState) error {
	return w.writeGob(SectionDevice, st)
}

// WriteMemory emits one contiguous run of guest memory. The payload is the
// 8-byte big-endian base address followed by the raw bytes; gob would copy
// the data once more for nothing.
func (w *Writer) WriteMemory(base uint64, data []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(SectionMemory))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(8+len(data)))

	if _, err := w.w.Write(hdr); err != nil {
		return errors.Wrap(err, "writing memory header")
	}

	var baseBuf [8]byte

	binary.BigEndian.PutUint64(baseBuf[:], base)

	if _, err := w.w.Write(baseBuf[:]); err != nil {
		return errors.Wrap(err, "writing memory base")
	}

	if _, err := w.w.Write(data); err != nil {
		return errors.Wrap(err, "writing memory data")
	}

	return nil
}

// Close emits the end-of-stream marker.
func (w *Writer) Close() error {
	return w.writeFrame(SectionEnd, nil)
}

// Reader consumes a snapshot stream. NewReader validates the header
// eagerly so version mismatches surface before any state is touched.
type Reader struct {
	r      io.Reader
	header Header
}

// NewReader wraps r and reads the header section.
func NewReader(r io.Reader) (*Reader, error) {
	sr := &Reader{r: r}

	t, payload, err := sr.next()
	if err != nil {
		return nil, err
	}

	if t != SectionHeader {
		return nil, errors.Wrapf(ErrCorrupt, "stream opens with %v, want header", t)
	}

	if err := decodeSection(payload, &sr.header); err != nil {
		return nil, err
	}

	if sr.header.Version != FormatVersion {
		return nil, errors.Wrapf(ErrIncompatibleVersion,
			"stream version %d, monitor version %d", sr.header.Version, FormatVersion)
	}

	return sr, nil
}

// Header returns the validated stream header.
func (r *Reader) Header() Header { return r.header }

func (r *Reader) next() (SectionType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, errors.Wrapf(ErrCorrupt, "reading section header: %v", err)
	}

	t := SectionType(binary.BigEndian.Uint32(hdr[0:4]))
	size := binary.BigEndian.Uint64(hdr[4:12])

	if t < SectionHeader || t > SectionEnd {
		return 0, nil, errors.Wrapf(ErrCorrupt, "unknown section type %d", uint32(t))
	}

	if size > maxSectionSize {
		return 0, nil, errors.Wrapf(ErrCorrupt, "section %v claims %d bytes", t, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, errors.Wrapf(ErrCorrupt, "reading %v payload: %v", t, err)
	}

	return t, payload, nil
}

// Next returns the next section. The returned payload is only valid for
// decoding with the matching Decode helper. A SectionEnd marks a complete
// stream; reading past it fails.
func (r *Reader) Next() (SectionType, []byte, error) {
	return r.next()
}

// DecodeVCPU parses a SectionVCPU payload.
func DecodeVCPU(payload []byte) (VCPUState, error) {
	var st VCPUState

	err := decodeSection(payload, &st)

	return st, err
}

// DecodeVMState parses a SectionVMState payload.
func DecodeVMState(payload []byte) (VMState, error) {
	var st VMState

	err := decodeSection(payload, &st)

	return st, err
}

// DecodeDevice parses a SectionDevice payload.
func DecodeDevice(payload []byte) (DeviceState, error) {
	var st DeviceState

	err := decodeSection(payload, &st)

	return st, err
}

// DecodeMemory parses a SectionMemory payload. The returned region aliases
// the payload.
func DecodeMemory(payload []byte) (MemoryRegion, error) {
	if len(payload) < 8 {
		return MemoryRegion{}, errors.Wrap(ErrCorrupt, "memory section too short")
	}

	return MemoryRegion{
		Base: binary.BigEndian.Uint64(payload[0:8]),
		Data: payload[8:],
	}, nil
}
