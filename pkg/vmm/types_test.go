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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameFromStartCommand(t *testing.T) {
	tests := []struct {
		command  string
		expected string
	}{
		{command: "/nix/store/abc-nixos-vm/bin/run-server-vm", expected: "server"},
		{command: "run-client-1-vm", expected: "client-1"},
		{command: "./run-vm", expected: DefaultName},
		{command: "/usr/bin/qemu-system-x86_64", expected: DefaultName},
		{command: "run-server-vm.sh", expected: DefaultName},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.expected, NameFromStartCommand(tt.command))
		})
	}
}

func TestQemuOptions(t *testing.T) {
	tests := []struct {
		name        string
		allowReboot bool
		display     bool
		inherited   string
		expected    string
	}{
		{
			name: "headless",
			expected: "-no-reboot -monitor unix:/s/monitor -chardev socket,id=shell,path=/s/shell " +
				"-device virtio-serial -device virtconsole,chardev=shell -device virtio-rng-pci -nographic",
		},
		{
			name:        "display, reboot allowed and inherited options",
			allowReboot: true,
			display:     true,
			inherited:   " -m 1024 ",
			expected: "-monitor unix:/s/monitor -chardev socket,id=shell,path=/s/shell " +
				"-device virtio-serial -device virtconsole,chardev=shell -device virtio-rng-pci -serial stdio -m 1024",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := qemuOptions("/s/monitor", "/s/shell", tt.allowReboot, tt.display, tt.inherited)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestKeyName(t *testing.T) {
	tests := map[string]string{
		"a":               "a",
		"7":               "7",
		"A":               "shift-a",
		"Z":               "shift-z",
		" ":               "spc",
		"\n":              "ret",
		"-":               "0x0C",
		"_":               "shift-0x0C",
		"\\":              "0x2B",
		"|":               "shift-0x2B",
		"!":               "shift-0x02",
		")":               "shift-0x0B",
		"?":               "shift-0x35",
		"ctrl-alt-delete": "ctrl-alt-delete",
		"é":               "é",
	}

	for in, want := range tests {
		assert.Equal(t, want, KeyName(in), "%q", in)
	}
}

func TestParseUnitInfo(t *testing.T) {
	info := ParseUnitInfo("Id=sshd.service\nActiveState=activating\nExecStart={ path=/bin/sshd ; argv[]=a=b }\n\nnot a property\n")

	assert.Equal(t, "sshd.service", info["Id"])
	assert.Equal(t, "activating", info.ActiveState())
	assert.Equal(t, "{ path=/bin/sshd ; argv[]=a=b }", info["ExecStart"])
	assert.Len(t, info, 3)
}

func TestShellQuoteAndWrap(t *testing.T) {
	assert.Equal(t, `'/tmp/a b'`, ShellQuote("/tmp/a b"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
	assert.Equal(t, `( ls / ); echo '|!EOF' $?`, WrapCommand("ls /"))
}
