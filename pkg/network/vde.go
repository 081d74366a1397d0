// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alexandremahdhaoui/vmtest/internal/metrics"
	"github.com/alexandremahdhaoui/vmtest/pkg/errdefs"
	"github.com/alexandremahdhaoui/vmtest/pkg/execcontext"
	"github.com/creack/pty"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// Error variables for switch operations
var (
	ErrNetworkIDRequired = errors.New("network ID is required")
	ErrInvalidNetworkID  = errors.New("network ID must not contain a path separator")
	ErrStartSwitch       = errors.New("failed to start switch")
	ErrSwitchNotReady    = errors.New("switch control socket did not appear")
	ErrSwitchNotFound    = errors.New("switch not found")
)

const (
	// DefaultSwitchBinary is looked up in PATH.
	DefaultSwitchBinary = "vde_switch"

	// SocketEnvPrefix prefixes the variable that tells a VM start script
	// where the switch of a given network lives.
	SocketEnvPrefix = "QEMU_VDE_SOCKET_"

	// StopGracePeriod is how long Delete waits after SIGTERM before killing.
	StopGracePeriod = 5 * time.Second
)

// Switch is a running virtual switch process.
type Switch struct {
	ID        string
	SocketDir string

	cmd *exec.Cmd
	// ctl is the controlling side of the pseudo-terminal the switch reads
	// its console commands from. Keeping it open keeps the switch alive.
	ctl  *os.File
	done chan struct{}
}

// EnvKey is the name of the locator variable for this switch.
func (s *Switch) EnvKey() string {
	return SocketEnvPrefix + s.ID
}

// PID returns the switch process id.
func (s *Switch) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// IsRunning reports whether the switch process has not exited yet.
func (s *Switch) IsRunning() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// signal delivers sig to the switch's process group.
func (s *Switch) signal(sig unix.Signal) error {
	pid := s.PID()
	if pid == 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// terminate sends SIGTERM to the switch's process group and waits up to grace
// for it to exit, killing the group afterwards.
func (s *Switch) terminate(grace time.Duration) error {
	if s.ctl != nil {
		defer s.ctl.Close()
	}
	if !s.IsRunning() {
		return nil
	}

	if err := s.signal(unix.SIGTERM); err != nil {
		return fmt.Errorf("terminating switch %s: %w", s.ID, err)
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(grace):
		_ = s.signal(unix.SIGKILL)
		<-s.done
		return fmt.Errorf("switch %s did not exit on SIGTERM", s.ID)
	}
}

// SwitchInfo describes a switch known to the manager.
type SwitchInfo struct {
	ID        string
	SocketDir string
	EnvKey    string
	PID       int
	IsRunning bool
}

type Option func(*SwitchManager)

// WithBinary overrides DefaultSwitchBinary.
func WithBinary(path string) Option {
	return func(m *SwitchManager) {
		if path != "" {
			m.binary = path
		}
	}
}

// WithTempDir sets the parent of every switch socket directory.
func WithTempDir(dir string) Option {
	return func(m *SwitchManager) { m.tmpDir = dir }
}

func WithLogger(l logr.Logger) Option {
	return func(m *SwitchManager) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *SwitchManager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// SwitchManager starts one virtual switch per network id and tears them
// down again. Create and Delete are idempotent.
type SwitchManager struct {
	execCtx execcontext.Context
	binary  string
	tmpDir  string
	log     logr.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	switches map[string]*Switch
	order    []string
}

// NewSwitchManager creates a new SwitchManager
func NewSwitchManager(execCtx execcontext.Context, opts ...Option) *SwitchManager {
	m := &SwitchManager{
		execCtx:  execCtx,
		binary:   DefaultSwitchBinary,
		log:      logr.Discard(),
		metrics:  metrics.Noop(),
		switches: make(map[string]*Switch),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts the switch for id and blocks until it is ready to accept
// VMs. Readiness means the switch answered one console command and its
// control socket exists. Any failure is a *errdefs.SetupError.
func (m *SwitchManager) Create(ctx context.Context, id string) (*Switch, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sw, exists := m.switches[id]; exists && sw.IsRunning() {
		return sw, nil
	}

	component := "switch " + id

	dir, err := os.MkdirTemp(m.tmpDir, fmt.Sprintf("vmtest-vde-*-vde%s.ctl", id))
	if err != nil {
		return nil, errdefs.NewSetupError(component, "creating socket directory", err)
	}

	sw, err := m.start(ctx, id, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, errdefs.NewSetupError(component, "switch did not become ready", err)
	}

	if _, exists := m.switches[id]; !exists {
		m.order = append(m.order, id)
	}
	m.switches[id] = sw
	m.metrics.Switches.Inc()
	m.log.V(1).Info("switch ready", "network", id, "socketDir", dir, "pid", sw.PID())

	return sw, nil
}

func (m *SwitchManager) start(ctx context.Context, id, dir string) (*Switch, error) {
	ctl, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening pty: %v", ErrStartSwitch, err)
	}
	defer tty.Close()

	cmd := exec.Command(m.binary, "-s", dir, "--dirmode", "0700")
	execcontext.ApplyToCmd(m.execCtx, cmd)
	cmd.Stdin = tty
	// The switch leads its own process group so that every descendant holding
	// stdout dies with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = ctl.Close()
		return nil, fmt.Errorf("%w: %v", ErrStartSwitch, err)
	}

	if err := cmd.Start(); err != nil {
		_ = ctl.Close()
		return nil, fmt.Errorf("%w: %v", ErrStartSwitch, err)
	}

	sw := &Switch{ID: id, SocketDir: dir, cmd: cmd, ctl: ctl, done: make(chan struct{})}

	first := make(chan string, 1)
	drained := make(chan struct{})
	go m.readOutput(id, stdout, first, drained)

	// Wait must not run before stdout is fully read.
	go func() {
		<-drained
		_ = cmd.Wait()
		close(sw.done)
	}()

	// One console round trip tells us the switch finished initializing.
	// Only cancellation bounds the wait: killing the group closes stdout.
	stop := context.AfterFunc(ctx, func() { _ = sw.signal(unix.SIGKILL) })
	line, readErr := handshake(ctl, first, drained)
	stopped := stop()

	if !stopped {
		<-sw.done
		_ = ctl.Close()
		return nil, ctx.Err()
	}
	if readErr != nil {
		_ = sw.terminate(StopGracePeriod)
		return nil, fmt.Errorf("%w: reading console: %v", ErrStartSwitch, readErr)
	}
	m.log.V(1).Info("switch console answered", "network", id, "line", line)

	if _, err := os.Stat(filepath.Join(dir, "ctl")); err != nil {
		_ = sw.terminate(StopGracePeriod)
		return nil, fmt.Errorf("%w: %v", ErrSwitchNotReady, err)
	}

	return sw, nil
}

// readOutput hands the first stdout line to first, then mirrors the rest to
// the logger until the switch closes stdout.
func (m *SwitchManager) readOutput(id string, stdout io.Reader, first chan<- string, drained chan<- struct{}) {
	defer close(drained)

	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		return
	}
	first <- strings.TrimSpace(scanner.Text())

	for scanner.Scan() {
		m.log.V(1).Info("switch output", "network", id, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		m.log.V(1).Info("discarding switch output", "network", id, "error", err.Error())
		_, _ = io.Copy(io.Discard, stdout)
	}
}

func handshake(ctl *os.File, first <-chan string, drained <-chan struct{}) (string, error) {
	if _, err := ctl.WriteString("version\n"); err != nil {
		return "", err
	}

	select {
	case line := <-first:
		return line, nil
	case <-drained:
		// readOutput may have sent its line just before closing drained.
		select {
		case line := <-first:
			return line, nil
		default:
			return "", io.ErrUnexpectedEOF
		}
	}
}

// Get returns information about the switch for id.
// Returns ErrSwitchNotFound if no such switch was created.
func (m *SwitchManager) Get(_ context.Context, id string) (*SwitchInfo, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sw, exists := m.switches[id]
	if !exists {
		return nil, ErrSwitchNotFound
	}

	return &SwitchInfo{
		ID:        sw.ID,
		SocketDir: sw.SocketDir,
		EnvKey:    sw.EnvKey(),
		PID:       sw.PID(),
		IsRunning: sw.IsRunning(),
	}, nil
}

// List returns the switches in creation order.
func (m *SwitchManager) List() []*Switch {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Switch, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.switches[id])
	}
	return out
}

// Env returns the locator variables for every switch, keyed by EnvKey.
func (m *SwitchManager) Env() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	env := make(map[string]string, len(m.switches))
	for _, sw := range m.switches {
		env[sw.EnvKey()] = sw.SocketDir
	}
	return env
}

// Delete terminates the switch for id and removes its socket directory.
// Idempotent - returns nil if the switch doesn't exist.
func (m *SwitchManager) Delete(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.delete(id)
}

// DeleteAll terminates every switch, in creation order.
func (m *SwitchManager) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, id := range slices.Clone(m.order) {
		errs = append(errs, m.delete(id))
	}
	return errors.Join(errs...)
}

func (m *SwitchManager) delete(id string) error {
	sw, exists := m.switches[id]
	if !exists {
		return nil
	}

	err := sw.terminate(StopGracePeriod)
	if rmErr := os.RemoveAll(sw.SocketDir); rmErr != nil {
		err = errors.Join(err, rmErr)
	}

	delete(m.switches, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	m.log.V(1).Info("switch terminated", "network", id)

	return err
}

// DedupIDs drops repeated network ids, keeping the first occurrence.
func DedupIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ParseIDs splits a whitespace-separated list of network ids.
func ParseIDs(s string) []string {
	return DedupIDs(strings.Fields(s))
}

// ValidateID reports whether id can name a network.
func ValidateID(id string) error {
	if id == "" {
		return ErrNetworkIDRequired
	}
	if strings.ContainsRune(id, filepath.Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidNetworkID, id)
	}
	return nil
}
