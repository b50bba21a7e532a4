package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinyvmm/tinyvmm/config"
	"github.com/tinyvmm/tinyvmm/term"
	"github.com/tinyvmm/tinyvmm/vmm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tinyvmm",
		Short:         "tinyvmm runs KVM microVMs with pause, snapshot and restore",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newRestoreCmd())
	root.AddCommand(newControlCmd("pause", "PAUSE", "Park a running instance"))
	root.AddCommand(newControlCmd("resume", "RESUME", "Continue a paused instance"))
	root.AddCommand(newControlCmd("stop", "STOP", "Tear an instance down"))
	root.AddCommand(newControlCmd("state", "STATE", "Report the lifecycle state"))
	root.AddCommand(newSnapshotCmd())

	return root
}

func newRunCmd() *cobra.Command {
	var (
		cfgPath    string
		cpuprofile bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a fresh instance from a TOML configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			if cpuprofile {
				defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
			}

			ln, err := listenIfConfigured(cfg)
			if err != nil {
				return err
			}

			v, err := vmm.New(cfg, log)
			if err != nil {
				if ln != nil {
					ln.Close()
				}

				return err
			}

			if err := v.Start(); err != nil {
				_ = v.Stop()

				return err
			}

			return serve(v, cfg, ln, log)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "tinyvmm.toml", "configuration file")
	cmd.Flags().BoolVar(&cpuprofile, "cpuprofile", false, "write a CPU profile to the working directory")

	return cmd
}

func newRestoreCmd() *cobra.Command {
	var (
		cfgPath string
		paused  bool
	)

	cmd := &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Start an instance from a snapshot stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ln, err := listenIfConfigured(cfg)
			if err != nil {
				return err
			}

			v, err := vmm.Restore(cfg, f, log)
			if err != nil {
				if ln != nil {
					ln.Close()
				}

				return err
			}

			if !paused {
				if err := v.Resume(); err != nil {
					_ = v.Stop()

					return err
				}
			}

			return serve(v, cfg, ln, log)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "tinyvmm.toml", "configuration file")
	cmd.Flags().BoolVar(&paused, "paused", false, "leave the instance paused until a control RESUME")

	return cmd
}

// newControlCmd builds a client subcommand that sends one protocol line to
// the control socket of a running instance.
func newControlCmd(use, line, short string) *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(socket, line)
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "", "control socket path")
	_ = cmd.MarkFlagRequired("socket")

	return cmd
}

func newSnapshotCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "snapshot <path>",
		Short: "Snapshot a paused instance to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(socket, "SNAPSHOT "+args[0])
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "", "control socket path")
	_ = cmd.MarkFlagRequired("socket")

	return cmd
}

func newLogger(cfg config.Config) (*logrus.Entry, error) {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	l.SetLevel(lvl)

	if cfg.Log.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	return logrus.NewEntry(l), nil
}

// listenIfConfigured binds the control socket before the instance is
// constructed; construction fires the seccomp gate, after which new
// sockets cannot be created.
func listenIfConfigured(cfg config.Config) (net.Listener, error) {
	if cfg.Control.Socket == "" {
		return nil, nil
	}

	return vmm.ListenControl(cfg.Control.Socket)
}

// serve runs the instance to completion: control socket, host signals and
// the serial side of the terminal.
func serve(v *vmm.VMM, cfg config.Config, ln net.Listener, log *logrus.Entry) error {
	if ln != nil {
		cs := vmm.NewControlServer(v, ln)
		defer cs.Close()

		go func() {
			if err := cs.Serve(); err != nil {
				log.WithError(err).Error("control server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")

		if err := v.Stop(); err != nil {
			log.WithError(err).Error("stopping on signal")
		}
	}()

	if cfg.Serial.Enabled && term.IsTerminal() {
		restoreTerm, err := term.SetRawMode()
		if err != nil {
			return err
		}
		defer restoreTerm()

		go feedSerial(v)
	}

	err := v.Wait()
	_ = v.Stop()

	return err
}

// feedSerial forwards stdin bytes to the guest UART. The Ctrl-a x sequence
// stops the instance, like the escape in other terminal-attached monitors.
func feedSerial(v *vmm.VMM) {
	in := bufio.NewReader(os.Stdin)

	var prev byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			return
		}

		if prev == 0x01 && b == 'x' {
			_ = v.Stop()

			return
		}

		prev = b

		if err := v.SerialInput([]byte{b}); err != nil {
			return
		}
	}
}

// sendControl speaks one line of the control protocol and prints the reply.
func sendControl(socket, line string) error {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}

	reply = strings.TrimSpace(reply)
	fmt.Println(reply)

	if strings.HasPrefix(reply, "ERR") {
		return fmt.Errorf("command failed: %s", strings.TrimPrefix(reply, "ERR "))
	}

	return nil
}
