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

// Package execcontext carries the environment and command prefix applied to
// every process the harness spawns: switches, VM start scripts, and the
// processes they in turn start.
package execcontext

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// WithEnvs returns a copy of ctx whose environment is overlaid with envs.
// Keys present in envs win.
func WithEnvs(ctx Context, envs map[string]string) Context {
	if ctx == nil {
		return New(envs, nil)
	}
	merged := ctx.Envs()
	if merged == nil {
		merged = make(map[string]string, len(envs))
	}
	maps.Copy(merged, envs)
	return New(merged, ctx.PrependCmd())
}

// Lookup returns the value of key in ctx, falling back to the process
// environment.
func Lookup(ctx Context, key string) string {
	if ctx != nil {
		if v, ok := ctx.Envs()[key]; ok {
			return v
		}
	}
	return os.Getenv(key)
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// ApplyToCmd layers ctx's environment on top of the inherited one and
// rewrites cmd to run behind the prepended command, if any.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	if ctx == nil {
		return
	}

	envs := ctx.Envs()
	if len(envs) > 0 && cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	// os/exec keeps the last value of a duplicated key.
	for _, k := range sortedKeys(envs) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, envs[k]))
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
	if tmpCmd.Err != nil {
		cmd.Err = tmpCmd.Err
	}
}

func FormatCmd(ctx Context, cmd ...string) string {
	var b strings.Builder

	if ctx != nil {
		envs := ctx.Envs()
		for _, k := range sortedKeys(envs) {
			fmt.Fprintf(&b, "%s=%q ", k, envs[k])
		}
		for _, s := range ctx.PrependCmd() {
			safelyAppendToCmd(&b, s)
		}
	}

	for _, s := range cmd {
		safelyAppendToCmd(&b, s)
	}

	return strings.TrimSpace(b.String())
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
}

func safelyAppendToCmd(b *strings.Builder, s string) {
	if _, ok := unquottable[s]; ok {
		fmt.Fprintf(b, "%s ", s)
		return
	}
	fmt.Fprintf(b, "%q ", s)
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
