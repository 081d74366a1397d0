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
	"strings"
)

// UnitInfo holds the properties printed by `systemctl show`.
type UnitInfo map[string]string

// ActiveState returns the unit's ActiveState property.
func (u UnitInfo) ActiveState() string {
	return u["ActiveState"]
}

var unitProperty = regexp.MustCompile(`^([^=]+)=(.*)$`)

// ParseUnitInfo parses KEY=VALUE lines. Other lines are ignored.
func ParseUnitInfo(text string) UnitInfo {
	info := UnitInfo{}
	for _, line := range strings.Split(text, "\n") {
		if m := unitProperty.FindStringSubmatch(line); m != nil {
			info[m[1]] = m[2]
		}
	}
	return info
}

// Systemctl runs `systemctl <query>` in the guest, as the user's manager
// when user is not empty.
func (m *Machine) Systemctl(ctx context.Context, query, user string) (int, string, error) {
	if user != "" {
		query = strings.ReplaceAll(query, "'", `\'`)
		return m.Execute(ctx, fmt.Sprintf(
			"su -l %s -c $'XDG_RUNTIME_DIR=/run/user/`id -u` systemctl --user %s'", user, query))
	}
	return m.Execute(ctx, "systemctl "+query)
}

// GetUnitInfo returns the properties of unit.
func (m *Machine) GetUnitInfo(ctx context.Context, unit, user string) (UnitInfo, error) {
	status, out, err := m.Systemctl(ctx, fmt.Sprintf("--no-pager show %q", unit), user)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("%w: %s: systemctl exited with %d", ErrUnitInfo, unit, status)
	}
	return ParseUnitInfo(out), nil
}

// StopJob stops the unit or job name. Its exit status is ignored.
func (m *Machine) StopJob(ctx context.Context, name, user string) error {
	_, _, err := m.Systemctl(ctx, "stop "+name, user)
	return err
}

// WaitForUnit waits until unit is active. It fails with *UnitFailedError if
// the unit fails, and with *UnitInactiveError if it is inactive while the
// job queue is empty.
func (m *Machine) WaitForUnit(ctx context.Context, unit, user string) error {
	return m.nested("waiting for unit "+unit, func() error {
		return m.waitUntil(ctx, pollUnit, m.unitActiveProbe(ctx, unit, user))
	})
}

// unitActiveProbe is the systemd-specific policy plugged into waitUntil.
// An inactive unit only counts as stuck when no jobs are queued and it is
// still inactive after the queue was checked, because a start job may have
// finished in between.
func (m *Machine) unitActiveProbe(ctx context.Context, unit, user string) probe {
	return func() (bool, error) {
		info, err := m.GetUnitInfo(ctx, unit, user)
		if err != nil {
			return false, err
		}

		switch info.ActiveState() {
		case "active":
			return true, nil
		case "failed":
			return false, &UnitFailedError{Machine: m.name, Unit: unit}
		case "inactive":
			_, jobs, err := m.Systemctl(ctx, "list-jobs --full 2>&1", user)
			if err != nil {
				return false, err
			}
			if !strings.Contains(jobs, "No jobs") {
				return false, nil
			}
			info, err = m.GetUnitInfo(ctx, unit, user)
			if err != nil {
				return false, err
			}
			if info.ActiveState() == "inactive" {
				return false, &UnitInactiveError{Machine: m.name, Unit: unit}
			}
		}

		return false, nil
	}
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
