package devices

// Noop absorbs accesses to ports the guest pokes but the monitor does not
// model, such as the POST diagnostic port 0x80.
type Noop struct {
	DeviceName string
}

func (n *Noop) Name() string {
	if n.DeviceName != "" {
		return n.DeviceName
	}

	return "noop"
}

func (n *Noop) Read(addr uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (n *Noop) Write(addr uint64, data []byte) error {
	return nil
}

func (n *Noop) SaveState() ([]byte, error) {
	return encodeState(struct{}{})
}

func (n *Noop) RestoreState(data []byte) error {
	return decodeState(data, &struct{}{})
}
