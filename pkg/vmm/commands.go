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
)

// Execute runs command in the guest root shell, booting and connecting the
// machine first if needed. A non-zero exit status is not an error; err is
// set only when the command could not be run or its reply was not received.
func (m *Machine) Execute(ctx context.Context, command string) (status int, output string, err error) {
	if err := m.Connect(ctx); err != nil {
		return 0, "", err
	}

	tic := m.clock.Now()
	status, output, err = m.shell.run(ctx, command)
	m.metrics.ObserveCommand(m.name, status, err, m.clock.Since(tic))
	m.log.V(2).Info("command finished", "command", command, "status", status)

	return status, output, err
}

// Succeed runs command and returns its output, failing with a *CommandError
// if it exits non-zero.
func (m *Machine) Succeed(ctx context.Context, command string) (string, error) {
	var output string
	err := m.nested("must succeed: "+command, func() error {
		status, out, err := m.Execute(ctx, command)
		if err != nil {
			return err
		}
		output = out
		if status != 0 {
			m.Log("output: " + out)
			return &CommandError{Machine: m.name, Command: command, Status: status, Output: out, WantSuccess: true}
		}
		return nil
	})
	return output, err
}

// Fail runs command and returns its output, failing with a *CommandError if
// it exits zero.
func (m *Machine) Fail(ctx context.Context, command string) (string, error) {
	var output string
	err := m.nested("must fail: "+command, func() error {
		status, out, err := m.Execute(ctx, command)
		if err != nil {
			return err
		}
		output = out
		if status == 0 {
			return &CommandError{Machine: m.name, Command: command, Status: status, Output: out}
		}
		return nil
	})
	return output, err
}

// SendMonitorCommand sends cmd to the VM monitor and returns the reply up to
// and including the next prompt.
func (m *Machine) SendMonitorCommand(ctx context.Context, cmd string) (string, error) {
	if !m.booted {
		return "", fmt.Errorf("%w: %s", ErrNotBooted, m.name)
	}
	m.Log("sending monitor command: " + cmd)
	return m.monitor.command(ctx, cmd)
}

// SendKey presses key through the monitor. See KeyName.
func (m *Machine) SendKey(ctx context.Context, key string) error {
	_, err := m.SendMonitorCommand(ctx, "sendkey "+KeyName(key))
	return err
}

// SendChars types chars one key at a time.
func (m *Machine) SendChars(ctx context.Context, chars string) error {
	return m.nested(fmt.Sprintf("sending keys ‘%s‘", chars), func() error {
		for _, r := range chars {
			if err := m.SendKey(ctx, string(r)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Block takes the machine's first network link down.
func (m *Machine) Block(ctx context.Context) error {
	_, err := m.SendMonitorCommand(ctx, "set_link virtio-net-pci.1 off")
	return err
}

// Unblock brings the link taken down by Block back up.
func (m *Machine) Unblock(ctx context.Context) error {
	_, err := m.SendMonitorCommand(ctx, "set_link virtio-net-pci.1 on")
	return err
}
