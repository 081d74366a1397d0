//go:build unit

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

package execcontext_test

import (
	"os/exec"
	"testing"

	"github.com/alexandremahdhaoui/vmtest/pkg/execcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithEnvs(t *testing.T) {
	base := execcontext.New(map[string]string{"A": "1", "B": "2"}, []string{"sudo"})
	ctx := execcontext.WithEnvs(base, map[string]string{"B": "3", "C": "4"})

	assert.Equal(t, map[string]string{"A": "1", "B": "3", "C": "4"}, ctx.Envs())
	assert.Equal(t, []string{"sudo"}, ctx.PrependCmd())
	// base is untouched
	assert.Equal(t, "2", base.Envs()["B"])

	fromNil := execcontext.WithEnvs(nil, map[string]string{"X": "y"})
	assert.Equal(t, map[string]string{"X": "y"}, fromNil.Envs())
}

func TestLookup(t *testing.T) {
	t.Setenv("VMTEST_LOOKUP_FALLBACK", "from-process")
	ctx := execcontext.New(map[string]string{"VMTEST_LOOKUP": "from-ctx"}, nil)

	assert.Equal(t, "from-ctx", execcontext.Lookup(ctx, "VMTEST_LOOKUP"))
	assert.Equal(t, "from-process", execcontext.Lookup(ctx, "VMTEST_LOOKUP_FALLBACK"))
	assert.Equal(t, "from-process", execcontext.Lookup(nil, "VMTEST_LOOKUP_FALLBACK"))
}

func TestApplyToCmd(t *testing.T) {
	t.Run("env overlays inherited environment", func(t *testing.T) {
		t.Setenv("VMTEST_OVERLAY", "old")
		cmd := exec.Command("true")
		execcontext.ApplyToCmd(execcontext.New(map[string]string{"VMTEST_OVERLAY": "new"}, nil), cmd)

		require.NotEmpty(t, cmd.Env)
		assert.Contains(t, cmd.Env, "VMTEST_OVERLAY=old")
		assert.Equal(t, "VMTEST_OVERLAY=new", cmd.Env[len(cmd.Env)-1])
	})

	t.Run("prepend command", func(t *testing.T) {
		cmd := exec.Command("vde_switch", "-s", "/tmp/x")
		execcontext.ApplyToCmd(execcontext.New(nil, []string{"env", "-i"}), cmd)

		assert.Equal(t, []string{"env", "-i", "vde_switch", "-s", "/tmp/x"}, cmd.Args)
		assert.Nil(t, cmd.Env)
	})

	t.Run("nil context is a no-op", func(t *testing.T) {
		cmd := exec.Command("true")
		execcontext.ApplyToCmd(nil, cmd)
		assert.Equal(t, []string{"true"}, cmd.Args)
	})
}

func TestFormatCmd(t *testing.T) {
	tests := []struct {
		name     string
		ctx      execcontext.Context
		cmd      []string
		expected string
	}{
		{
			name:     "plain",
			ctx:      execcontext.New(nil, nil),
			cmd:      []string{"run-server-vm"},
			expected: `"run-server-vm"`,
		},
		{
			name:     "sorted envs and prepend",
			ctx:      execcontext.New(map[string]string{"USE_TMPDIR": "1", "QEMU_OPTS": "-nographic"}, []string{"sudo"}),
			cmd:      []string{"run-server-vm"},
			expected: `QEMU_OPTS="-nographic" USE_TMPDIR="1" "sudo" "run-server-vm"`,
		},
		{
			name:     "unquotable operators",
			ctx:      nil,
			cmd:      []string{"a", "&&", "b"},
			expected: `"a" && "b"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, execcontext.FormatCmd(tt.ctx, tt.cmd...))
		})
	}
}
