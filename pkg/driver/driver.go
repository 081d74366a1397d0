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

// Package driver is the composition root of a test run. It starts one
// virtual switch per network, creates the machines, runs a test script
// against them and tears everything down exactly once.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/alexandremahdhaoui/vmtest/internal/metrics"
	"github.com/alexandremahdhaoui/vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/vmtest/pkg/network"
	"github.com/alexandremahdhaoui/vmtest/pkg/testlog"
	"github.com/alexandremahdhaoui/vmtest/pkg/vmm"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

var (
	ErrMachineNotFound  = errors.New("machine not found")
	ErrDuplicateMachine = errors.New("two start scripts resolve to the same machine name")
)

// Config contains configuration for creating a Driver.
type Config struct {
	// VMScripts are the VM start commands, one machine each.
	VMScripts []string
	// Networks are the network ids to start switches for. Duplicates are
	// dropped, keeping the first occurrence.
	Networks []string

	KeepVMState bool
	AllowReboot bool
	TmpDir      string
	// LogFile is the XML log path. Empty discards the document.
	LogFile string
	// SwitchBinary overrides network.DefaultSwitchBinary.
	SwitchBinary string
	// SerialQueueSize overrides testlog.DefaultQueueSize.
	SerialQueueSize int

	// ExecContext is the base environment of every spawned process.
	ExecContext execcontext.Context
	Log         logr.Logger
	Metrics     *metrics.Metrics
	Clock       clock.PassiveClock
	// SerialSink, when set, receives every machine's console lines.
	SerialSink io.Writer
}

// TestContext is what a test script sees of the run.
type TestContext interface {
	// Machines returns the machines in start script order.
	Machines() []*vmm.Machine
	// Machine returns the machine called name.
	Machine(name string) (*vmm.Machine, error)
	// StartAll starts every machine without waiting for their shells.
	StartAll(ctx context.Context) error
	// JoinAll waits until every machine has shut down.
	JoinAll(ctx context.Context) error
	// Subtest runs fn as a named, counted subtest.
	Subtest(name string, fn func() error) error
	// Log writes msg to the test log.
	Log(msg string)
}

// Script is a test script.
type Script interface {
	Run(ctx context.Context, tc TestContext) error
}

// ScriptFunc adapts a function to Script.
type ScriptFunc func(ctx context.Context, tc TestContext) error

func (f ScriptFunc) Run(ctx context.Context, tc TestContext) error {
	return f(ctx, tc)
}

// Driver owns the switches, the machines and the test log of one run.
type Driver struct {
	runID    string
	log      logr.Logger
	tlog     *testlog.Logger
	switches *network.SwitchManager
	machines []*vmm.Machine

	nrTests     int
	nrSucceeded int

	cleanupOnce sync.Once
	cleanupErr  error
}

var _ TestContext = (*Driver)(nil)

// New opens the test log, starts the switches and creates the machines. On
// error everything started so far is torn down again.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	mt := cfg.Metrics
	if mt == nil {
		mt = metrics.Noop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	runID := uuid.NewString()
	log = log.WithValues("run", runID)

	tlog, err := testlog.Open(cfg.LogFile,
		testlog.WithLogr(log),
		testlog.WithClock(clk),
		testlog.WithRunID(runID),
		testlog.WithQueueSize(cfg.SerialQueueSize),
	)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		runID: runID,
		log:   log,
		tlog:  tlog,
		switches: network.NewSwitchManager(cfg.ExecContext,
			network.WithBinary(cfg.SwitchBinary),
			network.WithTempDir(cfg.TmpDir),
			network.WithLogger(log),
			network.WithMetrics(mt),
		),
	}

	for _, id := range network.DedupIDs(cfg.Networks) {
		d.tlog.Log("starting VDE switch for network "+id, nil)
		if _, err := d.switches.Create(ctx, id); err != nil {
			return nil, errors.Join(err, d.Cleanup())
		}
	}

	vmCtx := execcontext.WithEnvs(cfg.ExecContext, d.switches.Env())

	seen := make(map[string]string, len(cfg.VMScripts))
	for _, script := range cfg.VMScripts {
		m, err := vmm.NewMachine(vmm.Config{
			StartCommand: script,
			TmpDir:       cfg.TmpDir,
			KeepVMState:  cfg.KeepVMState,
			AllowReboot:  cfg.AllowReboot,
			ExecContext:  vmCtx,
			TestLog:      tlog,
			Log:          log,
			Metrics:      mt,
			Clock:        clk,
			SerialSink:   cfg.SerialSink,
		})
		if err != nil {
			return nil, errors.Join(err, d.Cleanup())
		}
		if prev, ok := seen[m.Name()]; ok {
			err := fmt.Errorf("%w: %q and %q are both %q", ErrDuplicateMachine, prev, script, m.Name())
			return nil, errors.Join(err, d.Cleanup())
		}
		seen[m.Name()] = script
		d.machines = append(d.machines, m)
	}

	return d, nil
}

// RunID identifies this run in the test log.
func (d *Driver) RunID() string {
	return d.runID
}

// TestLog returns the structured test log.
func (d *Driver) TestLog() *testlog.Logger {
	return d.tlog
}

// Machines implements TestContext.
func (d *Driver) Machines() []*vmm.Machine {
	out := make([]*vmm.Machine, len(d.machines))
	copy(out, d.machines)
	return out
}

// Machine implements TestContext.
func (d *Driver) Machine(name string) (*vmm.Machine, error) {
	for _, m := range d.machines {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrMachineNotFound, name)
}

// StartAll implements TestContext.
func (d *Driver) StartAll(ctx context.Context) error {
	return d.tlog.Nested("starting all VMs", nil, func() error {
		for _, m := range d.machines {
			if err := m.Start(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// JoinAll implements TestContext.
func (d *Driver) JoinAll(ctx context.Context) error {
	return d.tlog.Nested("waiting for all VMs to finish", nil, func() error {
		for _, m := range d.machines {
			if err := m.WaitForShutdown(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Subtest implements TestContext. A failure is logged inside the subtest's
// section and returned, which aborts the rest of the script.
func (d *Driver) Subtest(name string, fn func() error) error {
	d.nrTests++
	return d.tlog.Nested(name, nil, func() error {
		if err := fn(); err != nil {
			d.tlog.Log(fmt.Sprintf("Test %q failed with error: %q", name, err.Error()), nil)
			return err
		}
		d.nrSucceeded++
		return nil
	})
}

// Log implements TestContext.
func (d *Driver) Log(msg string) {
	d.tlog.Log(msg, nil)
}

// RunTests runs script, flushes the disks of machines that are still up and
// logs the subtest tally. The script's error is returned.
func (d *Driver) RunTests(ctx context.Context, script Script) error {
	err := d.tlog.Nested("running the VM test script", nil, func() error {
		return script.Run(ctx, d)
	})
	if err != nil {
		d.tlog.Log("error: "+err.Error(), nil)
	}

	for _, m := range d.machines {
		if !m.IsUp() {
			continue
		}
		if _, _, syncErr := m.Execute(ctx, "sync"); syncErr != nil {
			d.log.Error(syncErr, "flushing guest disks", "machine", m.Name())
		}
	}

	if d.nrTests != 0 {
		d.tlog.Log(fmt.Sprintf("%d out of %d tests succeeded", d.nrSucceeded, d.nrTests), nil)
	}

	return err
}

// Tally returns the number of succeeded and run subtests.
func (d *Driver) Tally() (succeeded, total int) {
	return d.nrSucceeded, d.nrTests
}

// Cleanup kills every machine, terminates the switches and closes the test
// log. Only the first call does anything; later calls wait for it and
// return its result. Safe to call from a signal handler goroutine.
func (d *Driver) Cleanup() error {
	d.cleanupOnce.Do(func() {
		var errs []error
		errs = append(errs, d.tlog.Nested("cleaning up", nil, func() error {
			for _, m := range d.machines {
				m.CleanUp()
				if pid := m.PID(); pid != 0 {
					d.tlog.Log(fmt.Sprintf("killing %s (pid %d)", m.Name(), pid), nil)
					errs = append(errs, m.Kill())
				}
			}
			errs = append(errs, d.switches.DeleteAll(context.Background()))
			return nil
		}))
		errs = append(errs, d.tlog.Close())
		d.cleanupErr = errors.Join(errs...)
	})

	return d.cleanupErr
}

// Close is Cleanup.
func (d *Driver) Close() error {
	return d.Cleanup()
}
