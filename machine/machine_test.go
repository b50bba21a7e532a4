package machine_test

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyvmm/tinyvmm/kvm"
	"github.com/tinyvmm/tinyvmm/machine"
	"github.com/tinyvmm/tinyvmm/memory"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return logrus.NewEntry(l)
}

func requireKVM(t *testing.T) {
	t.Helper()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("no /dev/kvm: %v", err)
	}
}

func newTestMachine(t *testing.T, ncpus int) *machine.Machine {
	t.Helper()
	requireKVM(t)

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Release() })

	m, err := machine.New(ncpus, mem, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func TestMachineAssembly(t *testing.T) {
	m := newTestMachine(t, 2)

	assert.Equal(t, 2, m.NCPUs())

	_, err := m.CPU(0)
	require.NoError(t, err)

	_, err = m.CPU(2)
	assert.ErrorIs(t, err, machine.ErrBadCPU)

	require.NoError(t, m.IRQLine(4, 0))
}

func TestStateSaveRestoreRoundTrip(t *testing.T) {
	m := newTestMachine(t, 1)

	cpuState, err := m.SaveCPUState(0)
	require.NoError(t, err)
	assert.NotEmpty(t, cpuState.Regs)
	assert.NotEmpty(t, cpuState.Sregs)
	assert.NotEmpty(t, cpuState.MSRs)

	require.NoError(t, m.RestoreCPUState(cpuState))

	vmState, err := m.SaveVMState()
	require.NoError(t, err)
	assert.NotEmpty(t, vmState.Clock)
	assert.NotEmpty(t, vmState.PIT2)

	require.NoError(t, m.RestoreVMState(vmState))
}

// TestRunTinyGuest executes two real-mode instructions and checks the port
// write surfaces as an EXITIO.
func TestRunTinyGuest(t *testing.T) {
	m := newTestMachine(t, 1)

	// mov $'A', %al ; out %al, $0x10 ; hlt
	code := []byte{0xb0, 'A', 0xe6, 0x10, 0xf4}
	_, err := m.Memory().WriteAt(code, 0x1000)
	require.NoError(t, err)

	cpu, err := m.CPU(0)
	require.NoError(t, err)

	// Flat real mode at 0x1000.
	sregs, err := cpu.GetSregs()
	require.NoError(t, err)

	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	require.NoError(t, cpu.SetSregs(sregs))
	require.NoError(t, cpu.SetRegs(&kvm.Regs{RIP: 0x1000, RFLAGS: 2}))

	var sawIO bool

	for i := 0; i < 16 && !sawIO; i++ {
		require.NoError(t, cpu.Run())

		exit, err := cpu.Exit()
		require.NoError(t, err)

		if exit.Reason == kvm.EXITIO {
			require.NotNil(t, exit.IO)
			assert.Equal(t, uint64(0x10), exit.IO.Port)
			assert.False(t, exit.IO.In)
			assert.Equal(t, byte('A'), exit.IO.Data[0])

			sawIO = true
		}
	}

	assert.True(t, sawIO, "guest port write never reached the monitor")
}
