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
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned when the guest closes a control channel
	// before the expected reply arrived.
	ErrChannelClosed = errors.New("control channel closed by guest")

	ErrStartCommandRequired = errors.New("start command is required")
	ErrTestLogRequired      = errors.New("test log is required")
	ErrNotBooted            = errors.New("machine is not booted")
	ErrUnitInfo             = errors.New("failed to query unit info")
)

// CommandError reports a guest command whose exit status contradicted the
// caller's expectation.
type CommandError struct {
	Machine string
	Command string
	Status  int
	Output  string
	// WantSuccess is true for Succeed, false for Fail.
	WantSuccess bool
}

func (e *CommandError) Error() string {
	if e.WantSuccess {
		return fmt.Sprintf("%s: command `%s' did not succeed (exit code %d)", e.Machine, e.Command, e.Status)
	}
	return fmt.Sprintf("%s: command `%s' unexpectedly succeeded", e.Machine, e.Command)
}

// UnitFailedError reports a systemd unit that reached the failed state.
type UnitFailedError struct {
	Machine string
	Unit    string
}

func (e *UnitFailedError) Error() string {
	return fmt.Sprintf("%s: unit %q reached state \"failed\"", e.Machine, e.Unit)
}

// UnitInactiveError reports a unit that is inactive with no pending jobs,
// so it will not become active on its own.
type UnitInactiveError struct {
	Machine string
	Unit    string
}

func (e *UnitInactiveError) Error() string {
	return fmt.Sprintf("%s: unit %q is inactive and there are no pending jobs", e.Machine, e.Unit)
}
