package sandbox_test

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tinyvmm/tinyvmm/sandbox"
)

// Loading a real filter would confine the whole test process, so only the
// paths that stop short of seccomp are exercised here.

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return logrus.NewEntry(l)
}

func TestInstallOffIsNoOp(t *testing.T) {
	require.NoError(t, sandbox.Install(sandbox.LevelOff, testLogger()))
	require.False(t, sandbox.Installed())

	// The gate is still available afterwards.
	require.NoError(t, sandbox.Install(sandbox.LevelOff, testLogger()))
	require.False(t, sandbox.Installed())
}

func TestInstallRejectsUnknownLevel(t *testing.T) {
	err := sandbox.Install(sandbox.Level(9), testLogger())
	require.ErrorIs(t, err, sandbox.ErrUnknownLevel)
	require.False(t, sandbox.Installed())
}
