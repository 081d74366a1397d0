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

// Package guestfake stands in for a VM in tests. It speaks the monitor and
// root shell protocols over the sockets named in QEMU_OPTS and runs shell
// commands on the host with a few guest tools faked on PATH.
//
// Test binaries re-execute themselves as the fake guest:
//
//	func TestMain(m *testing.M) {
//		if os.Getenv(guestfake.EnvKey) == "1" {
//			os.Exit(guestfake.Main())
//		}
//		os.Exit(m.Run())
//	}
package guestfake

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
)

const (
	// EnvKey switches a test binary into fake guest mode.
	EnvKey = "VMTEST_FAKE_GUEST"
	// PIDEnvKey holds the fake guest pid inside guest commands.
	PIDEnvKey = "VMTEST_FAKE_GUEST_PID"

	// MonitorLog is written in the working directory; it records every
	// monitor command received, one per line.
	MonitorLog = "monitor.log"
	// UnitsDir, relative to the working directory, overrides unit states:
	// a file UnitsDir/<unit> holds the ActiveState reported for <unit>.
	UnitsDir = "units"

	Banner   = "Spawning backdoor root shell...\n"
	greeting = "QEMU 8.2.0 monitor - type 'help' for more information\n"
	prompt   = "(qemu) "
	sentinel = "|!EOF"
)

var ErrQuit = errors.New("monitor received quit")

var wrapped = regexp.MustCompile(`^\( (.*) \); echo '` + regexp.QuoteMeta(sentinel) + `' \$\?$`)

// Handler answers one shell command.
type Handler func(command string) (output string, status int)

// ServeShell writes banner, then answers commands read from rw until EOF.
// Wrapped commands get their output followed by the sentinel and exit
// status; bare lines are run and their reply dropped.
func ServeShell(rw io.ReadWriter, banner string, h Handler) error {
	if banner != "" {
		if _, err := io.WriteString(rw, banner); err != nil {
			return err
		}
	}

	r := bufio.NewReader(rw)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSuffix(line, "\n")

		m := wrapped.FindStringSubmatch(line)
		if m == nil {
			h(line)
			continue
		}

		out, status := h(m[1])
		if _, err := fmt.Fprintf(rw, "%s%s %d\n", out, sentinel, status); err != nil {
			return err
		}
	}
}

// ServeMonitor greets, then answers each command with h's reply followed by
// the prompt. It returns ErrQuit on "quit".
func ServeMonitor(rw io.ReadWriter, h func(cmd string) string) error {
	if _, err := io.WriteString(rw, greeting+prompt); err != nil {
		return err
	}

	r := bufio.NewReader(rw)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		cmd := strings.TrimSpace(line)
		if cmd == "quit" {
			return ErrQuit
		}
		if _, err := io.WriteString(rw, h(cmd)+prompt); err != nil {
			return err
		}
	}
}

// SystemShell runs commands with sh -c in dir.
func SystemShell(dir string, env []string) Handler {
	return func(command string) (string, int) {
		cmd := exec.Command("sh", "-c", command)
		cmd.Dir = dir
		cmd.Env = env
		out, err := cmd.CombinedOutput()

		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			return string(out), exitErr.ExitCode()
		case err != nil:
			return err.Error(), 127
		}
		return string(out), 0
	}
}

// ParseOptions extracts the monitor and shell socket paths from QEMU_OPTS.
func ParseOptions(opts string) (monitorPath, shellPath string, err error) {
	fields := strings.Fields(opts)
	for i := 0; i+1 < len(fields); i++ {
		switch fields[i] {
		case "-monitor":
			if p, ok := strings.CutPrefix(fields[i+1], "unix:"); ok {
				monitorPath = p
			}
		case "-chardev":
			chardev := strings.Split(fields[i+1], ",")
			if !slices.Contains(chardev, "id=shell") {
				continue
			}
			for _, kv := range chardev {
				if p, ok := strings.CutPrefix(kv, "path="); ok {
					shellPath = p
				}
			}
		}
	}

	if monitorPath == "" || shellPath == "" {
		return "", "", fmt.Errorf("QEMU_OPTS lacks monitor or shell socket: %q", opts)
	}
	return monitorPath, shellPath, nil
}

const systemctlScript = `#!/bin/sh
if [ "$1" = "list-jobs" ]; then
	echo "No jobs running."
	exit 0
fi
if [ "$1" = "--no-pager" ] && [ "$2" = "show" ]; then
	state=active
	if [ -f "` + UnitsDir + `/$3" ]; then
		state=$(cat "` + UnitsDir + `/$3")
	fi
	printf 'Id=%s\nActiveState=%s\nDescription=fake unit\n' "$3" "$state"
	exit 0
fi
if [ "$1" = "stop" ]; then
	mkdir -p ` + UnitsDir + `
	echo inactive > "` + UnitsDir + `/$2"
fi
exit 0
`

const poweroffScript = `#!/bin/sh
(sleep 0.2; kill "$` + PIDEnvKey + `") >/dev/null 2>&1 &
exit 0
`

func writeTools(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, body := range map[string]string{
		"systemctl": systemctlScript,
		"poweroff":  poweroffScript,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil { //nolint:gosec
			return err
		}
	}
	return nil
}

// Main runs the fake guest and returns the process exit code. The working
// directory is the machine state directory.
func Main() int {
	monitorPath, shellPath, err := ParseOptions(os.Getenv("QEMU_OPTS"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	fmt.Print("fake guest: booting\r\n")

	monitor, err := net.Dial("unix", monitorPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	shell, err := net.Dial("unix", shellPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	binDir := filepath.Join(dir, "fake-bin")
	if err := writeTools(binDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	env := append(os.Environ(),
		"PATH="+binDir+":"+os.Getenv("PATH"),
		fmt.Sprintf("%s=%d", PIDEnvKey, os.Getpid()),
	)

	var mu sync.Mutex
	record := func(cmd string) string {
		mu.Lock()
		defer mu.Unlock()
		f, err := os.OpenFile(filepath.Join(dir, MonitorLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintln(f, cmd)
			_ = f.Close()
		}
		return ""
	}

	quit := make(chan struct{})
	go func() {
		if errors.Is(ServeMonitor(monitor, record), ErrQuit) {
			close(quit)
		}
	}()

	shellDone := make(chan struct{})
	go func() {
		defer close(shellDone)
		_ = ServeShell(shell, Banner, SystemShell(dir, env))
	}()

	fmt.Println("fake guest: reached target multi-user.target")

	select {
	case <-quit:
	case <-shellDone:
	}
	return 0
}
