package devices

import (
	"sort"
	"sync"
)

// Metadata register layout, offsets from the MMIO base.
const (
	metadataData   = 0x0 // u8, sequential read of the document
	metadataOffset = 0x8 // write: seek; read: document length

	// MetadataSize is the MMIO window a metadata device occupies.
	MetadataSize = 0x10
)

// Metadata exposes host-assigned instance metadata to the guest as a
// byte-at-a-time readable document of "key=value" lines.
type Metadata struct {
	base uint64

	mu     sync.Mutex
	values map[string]string
	doc    []byte
	cursor uint32
}

type metadataState struct {
	Values map[string]string
	Cursor uint32
}

// NewMetadata returns a metadata device at MMIO base seeded with values.
func NewMetadata(base uint64, values map[string]string) *Metadata {
	m := &Metadata{base: base, values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}

	m.render()

	return m
}

func (m *Metadata) Name() string { return "metadata" }

// Set adds or replaces one entry and resets the guest's read cursor.
func (m *Metadata) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
	m.render()
	m.cursor = 0
}

// render must be called with mu held.
func (m *Metadata) render() {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	m.doc = m.doc[:0]
	for _, k := range keys {
		m.doc = append(m.doc, k...)
		m.doc = append(m.doc, '=')
		m.doc = append(m.doc, m.values[k]...)
		m.doc = append(m.doc, '\n')
	}
}

func (m *Metadata) Read(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range data {
		data[i] = 0
	}

	switch addr - m.base {
	case metadataData:
		if int(m.cursor) < len(m.doc) {
			data[0] = m.doc[m.cursor]
			m.cursor++
		}
	case metadataOffset:
		putReg32(data, uint32(len(m.doc)))
	}

	return nil
}

func (m *Metadata) Write(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr-m.base == metadataOffset {
		m.cursor = getReg32(data)
	}

	return nil
}

func (m *Metadata) SaveState() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return encodeState(metadataState{Values: m.values, Cursor: m.cursor})
}

func (m *Metadata) RestoreState(data []byte) error {
	var st metadataState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	m.mu.Lock()
	m.values = st.Values
	m.cursor = st.Cursor
	m.render()
	m.mu.Unlock()

	return nil
}
