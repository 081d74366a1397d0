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

// Package errdefs holds the error kinds shared by the network and machine
// packages.
package errdefs

import (
	"errors"
	"fmt"
)

// SetupError reports an environment misconfiguration: a switch that never
// became ready, or a VM process that never connected its control channels.
// It is fatal for the whole run and is never retried.
type SetupError struct {
	// Component names what failed to come up, e.g. "switch 1" or "machine server".
	Component string
	// Reason is a short human-readable description.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("setup of %s failed: %s", e.Component, e.Reason)
	}
	return fmt.Sprintf("setup of %s failed: %s: %v", e.Component, e.Reason, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NewSetupError returns a *SetupError.
func NewSetupError(component, reason string, err error) error {
	return &SetupError{Component: component, Reason: reason, Err: err}
}

// IsSetup reports whether any error in err's chain is a *SetupError.
func IsSetup(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}
