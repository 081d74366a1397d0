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
	"context"
	"fmt"
	"regexp"
)

// Probe kinds recorded in the poll_attempts_total metric.
const (
	pollCommand = "command"
	pollFile    = "file"
	pollPort    = "port"
	pollTTY     = "tty"
	pollUnit    = "unit"
)

// probe performs one attempt. done stops the loop successfully; a non-nil
// error stops it with that error.
type probe func() (done bool, err error)

// waitUntil re-runs p until it is done or fails. There is no delay between
// attempts and no deadline: each attempt costs a guest round trip, and only
// ctx cancellation interrupts the loop.
func (m *Machine) waitUntil(ctx context.Context, kind string, p probe) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.metrics.Poll(m.name, kind)

		done, err := p()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// WaitUntilSucceeds re-runs command until it exits zero and returns the
// output of that run.
func (m *Machine) WaitUntilSucceeds(ctx context.Context, command string) (string, error) {
	return m.waitForStatus(ctx, "waiting for success: "+command, command, true)
}

// WaitUntilFails re-runs command until it exits non-zero and returns the
// output of that run.
func (m *Machine) WaitUntilFails(ctx context.Context, command string) (string, error) {
	return m.waitForStatus(ctx, "waiting for failure: "+command, command, false)
}

func (m *Machine) waitForStatus(ctx context.Context, msg, command string, wantSuccess bool) (string, error) {
	var output string
	err := m.nested(msg, func() error {
		return m.waitUntil(ctx, pollCommand, func() (bool, error) {
			status, out, err := m.Execute(ctx, command)
			if err != nil {
				return false, err
			}
			output = out
			return (status == 0) == wantSuccess, nil
		})
	})
	return output, err
}

// WaitForFile waits until path exists in the guest.
func (m *Machine) WaitForFile(ctx context.Context, path string) error {
	return m.nested(fmt.Sprintf("waiting for file ‘%s‘", path), func() error {
		return m.waitUntil(ctx, pollFile, m.statusProbe(ctx, "test -e "+ShellQuote(path)))
	})
}

// WaitForOpenPort waits until something listens on TCP port in the guest.
func (m *Machine) WaitForOpenPort(ctx context.Context, port int) error {
	return m.nested(fmt.Sprintf("waiting for TCP port %d", port), func() error {
		return m.waitUntil(ctx, pollPort, m.statusProbe(ctx, fmt.Sprintf("nc -z localhost %d", port)))
	})
}

// GetTTYText returns the screen contents of virtual terminal tty, folded to
// the terminal width.
func (m *Machine) GetTTYText(ctx context.Context, tty int) (string, error) {
	_, out, err := m.Execute(ctx, fmt.Sprintf(
		"fold -w$(stty -F /dev/tty%[1]d size | awk '{print $2}') /dev/vcs%[1]d", tty))
	return out, err
}

// WaitUntilTTYMatches waits until pattern matches the text of tty.
func (m *Machine) WaitUntilTTYMatches(ctx context.Context, tty int, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compiling tty pattern: %w", err)
	}

	return m.nested(fmt.Sprintf("waiting for %s to appear on tty %d", pattern, tty), func() error {
		return m.waitUntil(ctx, pollTTY, func() (bool, error) {
			text, err := m.GetTTYText(ctx, tty)
			if err != nil {
				return false, err
			}
			return re.MatchString(text), nil
		})
	})
}

func (m *Machine) statusProbe(ctx context.Context, command string) probe {
	return func() (bool, error) {
		status, _, err := m.Execute(ctx, command)
		return status == 0 && err == nil, err
	}
}
