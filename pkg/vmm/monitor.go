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
	"fmt"
	"io"
	"net"
)

// monitorChannel speaks the line-oriented monitor protocol. Every reply ends
// with MonitorPrompt.
type monitorChannel struct {
	conn net.Conn
}

func (c *monitorChannel) waitForPrompt(ctx context.Context) (string, error) {
	b, err := readUntil(ctx, c.conn, func(acc []byte) bool {
		return bytes.HasSuffix(acc, []byte(MonitorPrompt))
	})
	return string(b), err
}

// send writes cmd without waiting for the prompt.
func (c *monitorChannel) send(cmd string) error {
	if _, err := io.WriteString(c.conn, cmd+"\n"); err != nil {
		return fmt.Errorf("writing to monitor: %w", err)
	}
	return nil
}

// command sends cmd and returns everything up to and including the next
// prompt.
func (c *monitorChannel) command(ctx context.Context, cmd string) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", err
	}
	return c.waitForPrompt(ctx)
}
