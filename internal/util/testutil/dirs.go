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

package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// ShortTempDir creates a directory directly under the system temp dir and
// removes it when the test ends.
//
// t.TempDir() nests the test name in the path. Unix socket paths are limited
// to about 108 bytes, so anything that binds sockets below the returned
// directory (VM state dirs, switch control dirs) needs a short parent.
func ShortTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "vmt")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	return dir
}

// WriteScript writes an executable shell script named name in dir and
// returns its path. body is written after the shebang line.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	content := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil { //nolint:gosec
		t.Fatalf("failed to write script %q: %v", path, err)
	}

	return path
}

// FakeSwitchScript writes a stand-in for vde_switch. It is invoked as
// `<script> -s <dir> --dirmode 0700`, answers the first console line it reads
// on stdin and then idles until terminated. When ready is false it answers
// but never creates the control socket.
func FakeSwitchScript(t *testing.T, dir string, ready bool) string {
	t.Helper()

	touch := `: > "$2/ctl"`
	if !ready {
		touch = ":"
	}

	body := fmt.Sprintf(`%s
read -r line
echo "fake vde switch: $line"
trap 'exit 0' TERM
while :; do sleep 1; done
`, touch)

	return WriteScript(t, dir, "fake-vde-switch", body)
}

// FakeVMScript writes a VM start script named run-<name>-vm that re-executes
// the running test binary with envKey=1, so TestMain can hand control to a
// fake guest.
func FakeVMScript(t *testing.T, dir, name, envKey string) string {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("failed to resolve test binary: %v", err)
	}

	return WriteScript(t, dir, fmt.Sprintf("run-%s-vm", name), fmt.Sprintf("%s=1 exec %q\n", envKey, exe))
}
