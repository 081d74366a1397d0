/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/alexandremahdhaoui/vmtest/internal/metrics"
	"github.com/alexandremahdhaoui/vmtest/pkg/errdefs"
	"github.com/alexandremahdhaoui/vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/vmtest/pkg/testlog"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

var errProcessExited = errors.New("VM process exited before connecting")

// Machine is one VM under test, driven through its monitor and shell
// channels. A Machine is not safe for concurrent use except for Kill,
// CleanUp, PID and Name, which the teardown path may call from a signal
// handler.
type Machine struct {
	cfg          Config
	name         string
	startCommand string
	stateDir     string
	sharedDir    string
	monitorPath  string
	shellPath    string

	tlog    *testlog.Logger
	log     logr.Logger
	metrics *metrics.Metrics
	clock   clock.PassiveClock

	proc      *process
	monitor   *monitorChannel
	shell     *shellChannel
	pid       atomic.Int64
	booted    bool
	connected bool
}

type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	serial chan struct{}
}

// NewMachine prepares the state and shared directories for a machine. No
// process is started until Start or the first command.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.StartCommand == "" {
		return nil, ErrStartCommandRequired
	}
	if cfg.TestLog == nil {
		return nil, ErrTestLogRequired
	}

	name := cfg.Name
	if name == "" {
		name = NameFromStartCommand(cfg.StartCommand)
	}

	tmpDir := cfg.TmpDir
	if tmpDir == "" {
		tmpDir = execcontext.Lookup(cfg.ExecContext, "TMPDIR")
	}
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	m := &Machine{
		cfg:          cfg,
		name:         name,
		startCommand: cfg.StartCommand,
		stateDir:     filepath.Join(tmpDir, "vm-state-"+name),
		sharedDir:    filepath.Join(tmpDir, SharedDirName),
		tlog:         cfg.TestLog,
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
	}
	if m.log.GetSink() == nil {
		m.log = logr.Discard()
	}
	m.log = m.log.WithValues("machine", name)
	if m.metrics == nil {
		m.metrics = metrics.Noop()
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	m.monitorPath = filepath.Join(m.stateDir, "monitor")
	m.shellPath = filepath.Join(m.stateDir, "shell")

	if err := os.MkdirAll(m.sharedDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating shared dir: %w", err)
	}
	if !cfg.KeepVMState {
		if err := os.RemoveAll(m.stateDir); err != nil {
			return nil, fmt.Errorf("removing stale state dir: %w", err)
		}
	}
	if err := os.MkdirAll(m.stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	return m, nil
}

func (m *Machine) Name() string      { return m.name }
func (m *Machine) StateDir() string  { return m.stateDir }
func (m *Machine) SharedDir() string { return m.sharedDir }

// PID returns the pid of the VM process, or 0 when it is not running.
func (m *Machine) PID() int {
	return int(m.pid.Load())
}

// IsUp reports whether the VM is booted and its guest shell connected.
func (m *Machine) IsUp() bool {
	return m.booted && m.connected
}

// Booted reports whether the VM process is running and its monitor answered.
func (m *Machine) Booted() bool {
	return m.booted
}

// Log writes msg to the test log, tagged with the machine name.
func (m *Machine) Log(msg string) {
	m.tlog.Log(msg, testlog.Attrs{"machine": m.name})
}

func (m *Machine) logf(format string, args ...any) {
	m.Log(fmt.Sprintf(format, args...))
}

func (m *Machine) nested(msg string, fn func() error) error {
	return m.tlog.Nested(msg, testlog.Attrs{"machine": m.name}, fn)
}

// Start spawns the VM process and waits until it has connected both control
// channels and the monitor has shown its prompt. It returns immediately if
// the machine is already booted.
func (m *Machine) Start(ctx context.Context) error {
	if m.booted {
		return nil
	}

	m.Log("starting vm")

	monitorLn, err := listenUnix(m.monitorPath)
	if err != nil {
		return errdefs.NewSetupError("machine "+m.name, "binding monitor socket", err)
	}
	defer monitorLn.Close()

	shellLn, err := listenUnix(m.shellPath)
	if err != nil {
		return errdefs.NewSetupError("machine "+m.name, "binding shell socket", err)
	}
	defer shellLn.Close()

	proc, err := m.spawn()
	if err != nil {
		return errdefs.NewSetupError("machine "+m.name, "starting VM process", err)
	}
	m.proc = proc
	m.pid.Store(int64(proc.cmd.Process.Pid))

	monitorConn, err := accept(ctx, monitorLn, proc.done)
	if err != nil {
		m.abortStart()
		return errdefs.NewSetupError("machine "+m.name, "accepting monitor connection", err)
	}

	shellConn, err := accept(ctx, shellLn, proc.done)
	if err != nil {
		_ = monitorConn.Close()
		m.abortStart()
		return errdefs.NewSetupError("machine "+m.name, "accepting shell connection", err)
	}

	m.monitor = &monitorChannel{conn: monitorConn}
	m.shell = &shellChannel{conn: shellConn}

	if _, err := m.monitor.waitForPrompt(ctx); err != nil {
		m.closeChannels()
		m.abortStart()
		return errdefs.NewSetupError("machine "+m.name, "waiting for monitor prompt", err)
	}

	m.booted = true
	m.metrics.Boots.WithLabelValues(m.name).Inc()
	m.logf("QEMU running (pid %d)", m.PID())

	return nil
}

func (m *Machine) spawn() (*process, error) {
	env := execcontext.WithEnvs(m.cfg.ExecContext, m.vmEnv())

	cmd := exec.Command(m.startCommand)
	cmd.Dir = m.stateDir
	execcontext.ApplyToCmd(env, cmd)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if m.cfg.ConsoleInput != nil {
		cmd.Stdin = m.cfg.ConsoleInput
	}

	// stdout and stderr share one pipe so console lines keep their order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	m.log.V(1).Info("spawning VM process", "command", execcontext.FormatCmd(env, m.startCommand), "dir", m.stateDir)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	_ = pw.Close()

	proc := &process{cmd: cmd, done: make(chan struct{}), serial: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()
	go m.readSerial(pr, proc.serial)

	return proc, nil
}

func (m *Machine) abortStart() {
	_ = m.Kill()
	m.pid.Store(0)
}

// readSerial forwards console lines until the VM process and everything it
// spawned have closed their end of the pipe.
func (m *Machine) readSerial(r io.ReadCloser, done chan<- struct{}) {
	defer close(done)
	defer r.Close()

	br := bufio.NewReader(r)
	for {
		raw, err := br.ReadString('\n')
		if raw != "" {
			line := strings.TrimRightFunc(strings.ReplaceAll(raw, "\r", ""), isSpace)
			if m.cfg.SerialSink != nil {
				fmt.Fprintf(m.cfg.SerialSink, "%s # %s\n", m.name, line)
			} else {
				m.log.V(1).Info(line, "type", "serial")
			}
			m.tlog.Enqueue(testlog.Message{Machine: m.name, Text: line})
		}
		if err != nil {
			return
		}
	}
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\v' || r == '\f'
}

// Connect boots the machine if needed and waits for the guest root shell.
func (m *Machine) Connect(ctx context.Context) error {
	if m.connected {
		return nil
	}

	return m.nested("waiting for the VM to finish booting", func() error {
		if err := m.Start(ctx); err != nil {
			return err
		}

		tic := m.clock.Now()
		if _, err := m.shell.banner(ctx); err != nil {
			return fmt.Errorf("waiting for guest shell: %w", err)
		}

		m.Log("connected to guest root shell")
		m.logf("(connecting took %.2f seconds)", m.clock.Since(tic).Seconds())
		m.connected = true
		m.metrics.MachinesUp.Inc()

		return nil
	})
}

// WaitForShutdown blocks until the VM process has exited, then resets the
// machine so that it can be started again.
func (m *Machine) WaitForShutdown(ctx context.Context) error {
	if !m.booted {
		return nil
	}

	return m.nested("waiting for the VM to power off", func() error {
		select {
		case <-m.proc.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		m.log.V(1).Info("VM process exited", "status", exitStatus(m.proc.err))
		m.reset()

		return nil
	})
}

// Shutdown asks the guest to power off and waits for the process to exit.
func (m *Machine) Shutdown(ctx context.Context) error {
	if !m.booted {
		return nil
	}

	if err := m.shell.send("poweroff"); err != nil {
		return err
	}

	return m.WaitForShutdown(ctx)
}

// Crash stops the VM abruptly through the monitor, as if it lost power.
func (m *Machine) Crash(ctx context.Context) error {
	if !m.booted {
		return nil
	}

	m.Log("forced crash")
	if err := m.monitor.send("quit"); err != nil {
		return err
	}

	return m.WaitForShutdown(ctx)
}

func (m *Machine) reset() {
	m.closeChannels()
	if m.connected {
		m.metrics.MachinesUp.Dec()
	}
	m.pid.Store(0)
	m.booted = false
	m.connected = false
}

// Kill sends SIGKILL to the VM process group. It does not wait.
func (m *Machine) Kill() error {
	pid := m.PID()
	if pid == 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing %s (pid %d): %w", m.name, pid, err)
	}
	return nil
}

// CleanUp closes the control channels. It never blocks on the process.
func (m *Machine) CleanUp() {
	m.closeChannels()
}

func (m *Machine) closeChannels() {
	if m.monitor != nil {
		_ = m.monitor.conn.Close()
	}
	if m.shell != nil {
		_ = m.shell.conn.Close()
	}
}

func (m *Machine) vmEnv() map[string]string {
	display := execcontext.Lookup(m.cfg.ExecContext, "DISPLAY") != ""
	inherited := execcontext.Lookup(m.cfg.ExecContext, "QEMU_OPTS")

	return map[string]string{
		"QEMU_OPTS":  qemuOptions(m.monitorPath, m.shellPath, m.cfg.AllowReboot, display, inherited),
		"SHARED_DIR": m.sharedDir,
		"USE_TMPDIR": "1",
	}
}

// qemuOptions builds the options that wire the control channels into the
// VM. Options already present in the environment are appended last.
func qemuOptions(monitorPath, shellPath string, allowReboot, display bool, inherited string) string {
	var opts []string
	if !allowReboot {
		opts = append(opts, "-no-reboot")
	}
	opts = append(opts,
		"-monitor unix:"+monitorPath,
		"-chardev socket,id=shell,path="+shellPath,
		"-device virtio-serial",
		"-device virtconsole,chardev=shell",
		"-device virtio-rng-pci",
	)
	if display {
		opts = append(opts, "-serial stdio")
	} else {
		opts = append(opts, "-nographic")
	}
	if inherited = strings.TrimSpace(inherited); inherited != "" {
		opts = append(opts, inherited)
	}
	return strings.Join(opts, " ")
}

func listenUnix(path string) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
}

// accept waits for the single connection a VM makes to ln. Cancelling ctx
// or the process exiting unblocks it.
func accept(ctx context.Context, ln *net.UnixListener, exited <-chan struct{}) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	accepted := make(chan struct{})
	defer close(accepted)
	go func() {
		select {
		case <-exited:
			_ = ln.Close()
		case <-accepted:
		}
	}()

	conn, err := ln.Accept()
	if err == nil {
		return conn, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	select {
	case <-exited:
		return nil, errProcessExited
	default:
		return nil, err
	}
}

func exitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}
