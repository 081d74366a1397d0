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
	"io"
	"path/filepath"
	"regexp"

	"github.com/alexandremahdhaoui/vmtest/internal/metrics"
	"github.com/alexandremahdhaoui/vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/vmtest/pkg/testlog"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

const (
	// Sentinel marks the end of a command's output on the shell channel.
	// It is echoed followed by the command's exit status.
	Sentinel = "|!EOF"

	// MonitorPrompt terminates every monitor reply.
	MonitorPrompt = "(qemu) "

	// DefaultName is used when the start command does not match
	// run-<name>-vm.
	DefaultName = "machine"

	// SharedDirName is the directory under the temp dir exchanged with every
	// guest through SHARED_DIR.
	SharedDirName = "xchg-shared"
)

// Config contains configuration for creating a Machine.
type Config struct {
	// StartCommand is the VM start script. Required.
	StartCommand string
	// Name overrides the name derived from StartCommand.
	Name string
	// TmpDir is the parent of the state and shared directories.
	// Defaults to $TMPDIR, then /tmp.
	TmpDir string
	// KeepVMState preserves the state directory across runs.
	KeepVMState bool
	// AllowReboot omits -no-reboot from the VM options.
	AllowReboot bool

	// ExecContext is layered under the VM variables when spawning the
	// start script. Network locators travel here.
	ExecContext execcontext.Context

	// TestLog receives the structured log. Required.
	TestLog *testlog.Logger
	// Log receives diagnostics and, at V(1), every serial line.
	Log logr.Logger
	// Metrics defaults to unregistered collectors.
	Metrics *metrics.Metrics
	// Clock defaults to the real clock.
	Clock clock.PassiveClock

	// SerialSink, when set, receives console lines in place of Log.
	SerialSink io.Writer
	// ConsoleInput, when set, is wired to the VM process stdin.
	ConsoleInput io.Reader
}

var startCommandName = regexp.MustCompile(`run-(.+)-vm$`)

// NameFromStartCommand derives a machine name from the basename of a start
// script named run-<name>-vm.
func NameFromStartCommand(startCommand string) string {
	m := startCommandName.FindStringSubmatch(filepath.Base(startCommand))
	if m == nil {
		return DefaultName
	}
	return m[1]
}
