// Package devices holds the emulated device models. Every device is a bus
// endpoint plus a name and a save/restore pair; the orchestrator only talks
// to devices through this surface.
package devices

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"

	"github.com/tinyvmm/tinyvmm/bus"
)

// IRQLine raises or lowers a guest interrupt line.
type IRQLine func(irq, level uint32) error

// Device is one emulated device. SaveState and RestoreState are only called
// while the machine is quiesced, so they never race device I/O.
type Device interface {
	bus.Endpoint

	// Name identifies the device in snapshots and logs. It must be stable
	// across versions of the monitor.
	Name() string

	SaveState() ([]byte, error)
	RestoreState(data []byte) error
}

// encodeState gobs v into a byte slice for a snapshot section.
func encodeState(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "encoding device state")
	}

	return buf.Bytes(), nil
}

// decodeState parses a snapshot section produced by encodeState.
func decodeState(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return errors.Wrap(err, "decoding device state")
	}

	return nil
}

// pulse drives an edge-triggered interrupt on line irq.
func pulse(line IRQLine, irq uint32) error {
	if line == nil {
		return nil
	}

	if err := line(irq, 1); err != nil {
		return err
	}

	return line(irq, 0)
}
