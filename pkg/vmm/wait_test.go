//go:build unit

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
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmtest/internal/util/fakes/guestfake"
	"github.com/alexandremahdhaoui/vmtest/internal/util/testutil"
	"github.com/alexandremahdhaoui/vmtest/pkg/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeGuest is an in-process guest answering shell commands from a script
// and recording monitor commands.
type pipeGuest struct {
	mu       sync.Mutex
	commands []string
	monitor  []string
}

func (g *pipeGuest) Commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.commands...)
}

func (g *pipeGuest) Monitor() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.monitor...)
}

// newPipeMachine returns a booted and connected machine wired to in-memory
// channels. answer receives every unwrapped shell command.
func newPipeMachine(t *testing.T, answer guestfake.Handler) (*Machine, *pipeGuest, *bytes.Buffer) {
	t.Helper()

	var doc bytes.Buffer
	tlog, err := testlog.New(&doc)
	require.NoError(t, err)

	m, err := NewMachine(Config{
		StartCommand: "run-server-vm",
		TmpDir:       testutil.ShortTempDir(t),
		TestLog:      tlog,
	})
	require.NoError(t, err)

	g := &pipeGuest{}
	shellHost, shellGuest := net.Pipe()
	monitorHost, monitorGuest := net.Pipe()
	t.Cleanup(func() {
		_ = shellHost.Close()
		_ = monitorHost.Close()
	})

	go func() {
		_ = guestfake.ServeShell(shellGuest, "", func(cmd string) (string, int) {
			g.mu.Lock()
			g.commands = append(g.commands, cmd)
			g.mu.Unlock()
			return answer(cmd)
		})
		_ = shellGuest.Close()
	}()
	go func() {
		_ = guestfake.ServeMonitor(monitorGuest, func(cmd string) string {
			g.mu.Lock()
			g.monitor = append(g.monitor, cmd)
			g.mu.Unlock()
			return ""
		})
		_ = monitorGuest.Close()
	}()

	m.shell = &shellChannel{conn: shellHost}
	m.monitor = &monitorChannel{conn: monitorHost}
	_, err = m.monitor.waitForPrompt(context.Background())
	require.NoError(t, err)
	m.booted = true
	m.connected = true

	return m, g, &doc
}

// sequence answers successive calls of the same command with successive
// results, repeating the last one.
func sequence(results ...func() (string, int)) func() (string, int) {
	var mu sync.Mutex
	i := 0
	return func() (string, int) {
		mu.Lock()
		defer mu.Unlock()
		r := results[min(i, len(results)-1)]
		i++
		return r()
	}
}

func reply(out string, status int) func() (string, int) {
	return func() (string, int) { return out, status }
}

func unitShow(state string) func() (string, int) {
	return reply("Id=app.service\nActiveState="+state+"\n", 0)
}

func TestMachine_SucceedAndFail(t *testing.T) {
	ctx := context.Background()
	m, g, _ := newPipeMachine(t, func(cmd string) (string, int) {
		if cmd == "false" {
			return "nope\n", 1
		}
		return cmd + "\n", 0
	})

	out, err := m.Succeed(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "echo\n", out)

	_, err = m.Succeed(ctx, "false")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.True(t, cmdErr.WantSuccess)
	assert.Equal(t, 1, cmdErr.Status)
	assert.Equal(t, "nope\n", cmdErr.Output)
	assert.Equal(t, "server: command `false' did not succeed (exit code 1)", err.Error())

	out, err = m.Fail(ctx, "false")
	require.NoError(t, err)
	assert.Equal(t, "nope\n", out)

	_, err = m.Fail(ctx, "true")
	require.ErrorAs(t, err, &cmdErr)
	assert.False(t, cmdErr.WantSuccess)

	assert.Equal(t, []string{"echo", "false", "false", "true"}, g.Commands())
}

func TestMachine_WaitUntil(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds", func(t *testing.T) {
		next := sequence(reply("", 1), reply("", 1), reply("ready\n", 0))
		m, g, _ := newPipeMachine(t, func(string) (string, int) { return next() })

		out, err := m.WaitUntilSucceeds(ctx, "check")
		require.NoError(t, err)
		assert.Equal(t, "ready\n", out)
		assert.Len(t, g.Commands(), 3)
	})

	t.Run("fails", func(t *testing.T) {
		next := sequence(reply("", 0), reply("gone\n", 4))
		m, g, _ := newPipeMachine(t, func(string) (string, int) { return next() })

		out, err := m.WaitUntilFails(ctx, "pgrep thing")
		require.NoError(t, err)
		assert.Equal(t, "gone\n", out)
		assert.Len(t, g.Commands(), 2)
	})

	t.Run("file and port", func(t *testing.T) {
		next := sequence(reply("", 1), reply("", 0))
		m, g, _ := newPipeMachine(t, func(string) (string, int) { return next() })

		require.NoError(t, m.WaitForFile(ctx, "/tmp/it's here"))
		require.NoError(t, m.WaitForOpenPort(ctx, 22))
		assert.Equal(t, []string{`test -e '/tmp/it'\''s here'`, `test -e '/tmp/it'\''s here'`, "nc -z localhost 22"}, g.Commands())
	})

	t.Run("tty", func(t *testing.T) {
		next := sequence(reply("booting\n", 0), reply("nixos login: \n", 0))
		m, g, _ := newPipeMachine(t, func(string) (string, int) { return next() })

		require.NoError(t, m.WaitUntilTTYMatches(ctx, 1, `login:\s*$`))
		require.Len(t, g.Commands(), 2)
		assert.Contains(t, g.Commands()[0], "/dev/vcs1")

		assert.Error(t, m.WaitUntilTTYMatches(ctx, 1, "("))
	})

	t.Run("cancelled", func(t *testing.T) {
		m, _, _ := newPipeMachine(t, func(string) (string, int) { return "", 1 })

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := m.WaitUntilSucceeds(cctx, "false")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("transport error stops the loop", func(t *testing.T) {
		m, g, _ := newPipeMachine(t, func(string) (string, int) { return "", 1 })
		_ = m.shell.conn.Close()

		_, err := m.WaitUntilSucceeds(ctx, "false")
		require.Error(t, err)
		assert.Empty(t, g.Commands())
	})
}

func TestMachine_WaitForUnit(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		show      []func() (string, int)
		jobs      string
		showCalls int
		jobCalls  int
		expectErr func(t *testing.T, err error)
	}{
		{
			name:      "becomes active",
			show:      []func() (string, int){unitShow("activating"), unitShow("activating"), unitShow("active")},
			showCalls: 3,
			jobCalls:  0,
			expectErr: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
		{
			name:      "fails",
			show:      []func() (string, int){unitShow("activating"), unitShow("failed")},
			showCalls: 2,
			jobCalls:  0,
			expectErr: func(t *testing.T, err error) {
				var failed *UnitFailedError
				require.ErrorAs(t, err, &failed)
				assert.Equal(t, "app.service", failed.Unit)
			},
		},
		{
			name:      "inactive with no jobs",
			show:      []func() (string, int){unitShow("inactive")},
			jobs:      "No jobs running.\n",
			showCalls: 2,
			jobCalls:  1,
			expectErr: func(t *testing.T, err error) {
				var inactive *UnitInactiveError
				require.ErrorAs(t, err, &inactive)
			},
		},
		{
			name:      "inactive while a start job is queued",
			show:      []func() (string, int){unitShow("inactive"), unitShow("inactive"), unitShow("active")},
			jobs:      "JOB UNIT TYPE STATE\n1 app.service start waiting\n",
			showCalls: 3,
			jobCalls:  2,
			expectErr: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
		{
			name:      "inactive, no jobs, but started meanwhile",
			show:      []func() (string, int){unitShow("inactive"), unitShow("active")},
			jobs:      "No jobs running.\n",
			showCalls: 3,
			jobCalls:  1,
			expectErr: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
		{
			name:      "show fails",
			show:      []func() (string, int){reply("", 1)},
			showCalls: 1,
			jobCalls:  0,
			expectErr: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrUnitInfo)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			show := sequence(tt.show...)
			m, g, doc := newPipeMachine(t, func(cmd string) (string, int) {
				if strings.HasPrefix(cmd, "systemctl list-jobs") {
					return tt.jobs, 0
				}
				return show()
			})

			tt.expectErr(t, m.WaitForUnit(ctx, "app.service", ""))

			showCalls, jobCalls := 0, 0
			for _, cmd := range g.Commands() {
				switch {
				case strings.HasPrefix(cmd, "systemctl --no-pager show"):
					showCalls++
				case strings.HasPrefix(cmd, "systemctl list-jobs"):
					jobCalls++
				}
			}
			assert.Equal(t, tt.showCalls, showCalls, "systemctl show calls")
			assert.Equal(t, tt.jobCalls, jobCalls, "systemctl list-jobs calls")

			require.NoError(t, m.tlog.Close())
			assert.Contains(t, doc.String(), "waiting for unit app.service")
		})
	}
}

func TestMachine_Systemctl(t *testing.T) {
	ctx := context.Background()
	m, g, _ := newPipeMachine(t, func(string) (string, int) { return "", 0 })

	_, _, err := m.Systemctl(ctx, "start app", "")
	require.NoError(t, err)
	_, _, err = m.Systemctl(ctx, "show 'x'", "alice")
	require.NoError(t, err)
	require.NoError(t, m.StopJob(ctx, "app", ""))

	assert.Equal(t, []string{
		"systemctl start app",
		"su -l alice -c $'XDG_RUNTIME_DIR=/run/user/`id -u` systemctl --user show \\'x\\''",
		"systemctl stop app",
	}, g.Commands())
}

func TestMachine_MonitorCommands(t *testing.T) {
	ctx := context.Background()
	m, g, doc := newPipeMachine(t, func(string) (string, int) { return "", 0 })

	require.NoError(t, m.SendChars(ctx, "Hi !\n"))
	require.NoError(t, m.SendKey(ctx, "ctrl-alt-delete"))
	require.NoError(t, m.Block(ctx))
	require.NoError(t, m.Unblock(ctx))

	reply, err := m.SendMonitorCommand(ctx, "info status")
	require.NoError(t, err)
	assert.Equal(t, "(qemu) ", reply)

	assert.Equal(t, []string{
		"sendkey shift-h", "sendkey i", "sendkey spc", "sendkey shift-0x02", "sendkey ret",
		"sendkey ctrl-alt-delete",
		"set_link virtio-net-pci.1 off",
		"set_link virtio-net-pci.1 on",
		"info status",
	}, g.Monitor())

	require.NoError(t, m.tlog.Close())
	assert.Contains(t, doc.String(), "sending keys ‘Hi !")
	assert.Contains(t, doc.String(), "sending monitor command: info status")
}

func TestMachine_MonitorRequiresBoot(t *testing.T) {
	tlog, err := testlog.New(&bytes.Buffer{})
	require.NoError(t, err)
	m, err := NewMachine(Config{StartCommand: "run-x-vm", TmpDir: testutil.ShortTempDir(t), TestLog: tlog})
	require.NoError(t, err)

	_, err = m.SendMonitorCommand(context.Background(), "info status")
	assert.True(t, errors.Is(err, ErrNotBooted))
	assert.NoError(t, m.Shutdown(context.Background()))
	assert.NoError(t, m.Crash(context.Background()))
	assert.NoError(t, m.WaitForShutdown(context.Background()))
	assert.NoError(t, m.Kill())
	assert.False(t, m.IsUp())
}
