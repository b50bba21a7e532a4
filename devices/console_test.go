package devices_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyvmm/tinyvmm/devices"
)

const consoleBase = uint64(0xd0000000)

func TestConsoleWrite(t *testing.T) {
	var out bytes.Buffer

	c := devices.NewConsole(consoleBase, &out)

	require.NoError(t, c.Write(consoleBase, []byte{'A'}))
	require.NoError(t, c.Write(consoleBase, []byte{'B'}))

	assert.Equal(t, "AB", out.String())
	assert.Equal(t, uint64(2), c.WrittenBytes())
}

func TestConsoleStatusAlwaysReady(t *testing.T) {
	c := devices.NewConsole(consoleBase, nil)

	data := make([]byte, 1)
	require.NoError(t, c.Read(consoleBase+0x8, data))
	assert.Equal(t, byte(0x1), data[0])

	require.NoError(t, c.Read(consoleBase, data))
	assert.Equal(t, byte(0x0), data[0], "data register reads as zero")
}

func TestConsoleWritesOutsideDataRegisterIgnored(t *testing.T) {
	var out bytes.Buffer

	c := devices.NewConsole(consoleBase, &out)
	require.NoError(t, c.Write(consoleBase+0x8, []byte{'X'}))

	assert.Zero(t, out.Len())
	assert.Zero(t, c.WrittenBytes())
}

func TestConsoleSaveRestore(t *testing.T) {
	c := devices.NewConsole(consoleBase, nil)
	require.NoError(t, c.Write(consoleBase, []byte("abc")))

	blob, err := c.SaveState()
	require.NoError(t, err)

	restored := devices.NewConsole(consoleBase, nil)
	require.NoError(t, restored.RestoreState(blob))
	assert.Equal(t, uint64(3), restored.WrittenBytes())
}
