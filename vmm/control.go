package vmm

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ControlServer exposes the lifecycle over a unix socket with a line
// protocol: one command per line, one "OK ..." or "ERR ..." reply per
// command.
//
//	STATE            report the lifecycle state
//	PAUSE            park all execution domains
//	RESUME           continue a paused instance
//	SNAPSHOT <path>  serialize the paused instance to path
//	STOP             tear the instance down
type ControlServer struct {
	vmm *VMM
	ln  net.Listener
	log *logrus.Entry
}

// ListenControl binds the control socket. A stale socket file from an
// earlier run is replaced. The listener must exist before the instance is
// constructed: the seccomp gate fired during construction does not admit
// socket creation, only serving.
func ListenControl(socketPath string) (net.Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "removing stale socket %s", socketPath)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", socketPath)
	}

	return ln, nil
}

// NewControlServer serves the line protocol for v on ln.
func NewControlServer(v *VMM, ln net.Listener) *ControlServer {
	return &ControlServer{
		vmm: v,
		ln:  ln,
		log: v.log.WithField("subsys", "control"),
	}
}

// Serve accepts connections until Close.
func (s *ControlServer) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return errors.Wrap(err, "accepting control connection")
		}

		go s.handle(conn)
	}
}

// Close stops accepting commands. In-flight handlers finish on their own.
func (s *ControlServer) Close() error {
	return s.ln.Close()
}

func (s *ControlServer) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := s.dispatch(scanner.Text())

		if _, err := fmt.Fprintln(conn, reply); err != nil {
			s.log.WithError(err).Debug("writing control reply")

			return
		}
	}
}

func (s *ControlServer) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}

	cmd := strings.ToUpper(fields[0])

	s.log.WithField("cmd", cmd).Debug("control command")

	switch cmd {
	case "STATE":
		return "OK " + s.vmm.State().String()

	case "PAUSE":
		if err := s.vmm.Pause(); err != nil {
			return "ERR " + err.Error()
		}

		return "OK paused"

	case "RESUME":
		if err := s.vmm.Resume(); err != nil {
			return "ERR " + err.Error()
		}

		return "OK running"

	case "SNAPSHOT":
		if len(fields) != 2 {
			return "ERR usage: SNAPSHOT <path>"
		}

		if err := s.snapshotTo(fields[1]); err != nil {
			return "ERR " + err.Error()
		}

		return "OK snapshot written to " + fields[1]

	case "STOP":
		if err := s.vmm.Stop(); err != nil {
			return "ERR " + err.Error()
		}

		return "OK stopped"
	}

	return "ERR unknown command " + cmd
}

func (s *ControlServer) snapshotTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}

	if err := s.vmm.Snapshot(f); err != nil {
		f.Close()
		os.Remove(path)

		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return errors.Wrap(err, "syncing snapshot")
	}

	return f.Close()
}
