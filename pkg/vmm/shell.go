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
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"
)

// statusLine matches the accumulated shell output once the sentinel and the
// full exit status have arrived. The status must be followed by a line end,
// so a status split across two reads is never taken for a shorter one.
var statusLine = regexp.MustCompile(`(?s)^(.*?)` + regexp.QuoteMeta(Sentinel) + `\s+(\d+)[ \t]*\r?\n`)

var aLongTimeAgo = time.Unix(1, 0)

// shellChannel speaks the root shell protocol: every command is wrapped so
// that its output is followed by the sentinel and its exit status.
type shellChannel struct {
	conn net.Conn
}

// banner consumes whatever the guest prints when the shell connects.
func (s *shellChannel) banner(ctx context.Context) (string, error) {
	b, err := readUntil(ctx, s.conn, func([]byte) bool { return true })
	return string(b), err
}

// send writes line without waiting for a reply.
func (s *shellChannel) send(line string) error {
	if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
		return fmt.Errorf("writing to shell: %w", err)
	}
	return nil
}

// run executes command and returns its exit status and output. Reads that
// split the sentinel or the status are accumulated until the reply is
// complete. Output containing the sentinel itself is not supported.
func (s *shellChannel) run(ctx context.Context, command string) (int, string, error) {
	if err := s.send(WrapCommand(command)); err != nil {
		return 0, "", err
	}

	var match [][]byte
	_, err := readUntil(ctx, s.conn, func(acc []byte) bool {
		if !bytes.Contains(acc, []byte(Sentinel)) {
			return false
		}
		match = statusLine.FindSubmatch(acc)
		return match != nil
	})
	if err != nil {
		return 0, "", err
	}

	status, err := strconv.Atoi(string(match[2]))
	if err != nil {
		return 0, "", fmt.Errorf("parsing exit status %q: %w", match[2], err)
	}

	return status, string(match[1]), nil
}

// WrapCommand returns the line sent to the guest shell for command.
func WrapCommand(command string) string {
	return fmt.Sprintf("( %s ); echo '%s' $?", command, Sentinel)
}

// readUntil reads from conn until done reports that the accumulated bytes
// form a complete reply. There is no deadline: only ctx cancellation or the
// peer closing the connection stops it. After a cancellation the channel
// may hold the rest of an unread reply.
func readUntil(ctx context.Context, conn net.Conn, done func([]byte) bool) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(aLongTimeAgo) })
	defer stop()

	var acc []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		acc = append(acc, chunk[:n]...)
		if n > 0 && done(acc) {
			return acc, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return acc, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return acc, ErrChannelClosed
			}
			return acc, err
		}
	}
}
