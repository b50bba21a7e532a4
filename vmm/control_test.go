package vmm

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func dialControl(t *testing.T, sock string) func(string) string {
	t.Helper()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)

	t.Cleanup(func() { conn.Close() })

	rd := bufio.NewReader(conn)

	return func(cmd string) string {
		_, err := fmt.Fprintln(conn, cmd)
		require.NoError(t, err)

		line, err := rd.ReadString('\n')
		require.NoError(t, err)

		return strings.TrimSpace(line)
	}
}

func startControl(t *testing.T, v *VMM, sock string) {
	t.Helper()

	ln, err := ListenControl(sock)
	require.NoError(t, err)

	cs := NewControlServer(v, ln)

	t.Cleanup(func() { cs.Close() })

	go cs.Serve()
}

func TestControlServer(t *testing.T) {
	v, _ := newTestVMM(t, 1)

	sock := filepath.Join(t.TempDir(), "ctl.sock")
	startControl(t, v, sock)

	send := dialControl(t, sock)

	require.Equal(t, "OK sandboxed", send("STATE"))
	require.True(t, strings.HasPrefix(send("PAUSE"), "ERR"))

	require.NoError(t, v.Start())
	require.Equal(t, "OK running", send("STATE"))

	require.Equal(t, "OK paused", send("PAUSE"))
	require.Equal(t, "OK paused", send("STATE"))

	snap := filepath.Join(t.TempDir(), "inst.snap")
	require.Equal(t, "OK snapshot written to "+snap, send("SNAPSHOT "+snap))

	fi, err := os.Stat(snap)
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(0))

	require.Equal(t, "ERR usage: SNAPSHOT <path>", send("SNAPSHOT"))

	require.Equal(t, "OK running", send("RESUME"))
	require.True(t, strings.HasPrefix(send("BOGUS"), "ERR"))
	require.Equal(t, "ERR empty command", send(""))

	require.Equal(t, "OK stopped", send("STOP"))
	require.Equal(t, "OK stopped", send("STATE"))
}

func TestControlServerReplacesStaleSocket(t *testing.T) {
	v, _ := newTestVMM(t, 1)

	sock := filepath.Join(t.TempDir(), "ctl.sock")
	require.NoError(t, os.WriteFile(sock, nil, 0o600))

	startControl(t, v, sock)

	send := dialControl(t, sock)
	require.Equal(t, "OK sandboxed", send("STATE"))
}

func TestSnapshotFailureRemovesFile(t *testing.T) {
	v, _ := newTestVMM(t, 1)

	sock := filepath.Join(t.TempDir(), "ctl.sock")
	startControl(t, v, sock)

	send := dialControl(t, sock)

	require.NoError(t, v.Start())

	// Snapshotting a running instance fails and must not leave a file.
	snap := filepath.Join(t.TempDir(), "inst.snap")
	require.True(t, strings.HasPrefix(send("SNAPSHOT "+snap), "ERR"))

	_, err := os.Stat(snap)
	require.True(t, os.IsNotExist(err))
}
