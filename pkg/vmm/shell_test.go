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
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGuest reads one command line and writes each chunk with a
// separate Write call.
func scriptedGuest(t *testing.T, conn net.Conn, chunks ...string) <-chan string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			close(got)
			return
		}
		got <- line
		for _, c := range chunks {
			if _, err := conn.Write([]byte(c)); err != nil {
				return
			}
		}
	}()
	return got
}

func TestShellChannel_Run(t *testing.T) {
	tests := []struct {
		name           string
		chunks         []string
		expectedStatus int
		expectedOutput string
	}{
		{
			name:           "single read",
			chunks:         []string{"hello\n|!EOF 0\n"},
			expectedOutput: "hello\n",
		},
		{
			name:           "sentinel split across reads",
			chunks:         []string{"line1\nline2\n|!E", "OF", " 1", "2\n"},
			expectedStatus: 12,
			expectedOutput: "line1\nline2\n",
		},
		{
			name:           "byte by byte with carriage return",
			chunks:         splitBytes("out\r\n|!EOF 3\r\n"),
			expectedStatus: 3,
			expectedOutput: "out\r\n",
		},
		{
			name:           "empty output",
			chunks:         []string{"|!EOF 1\n"},
			expectedStatus: 1,
			expectedOutput: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, guest := net.Pipe()
			defer host.Close()
			defer guest.Close()

			got := scriptedGuest(t, guest, tt.chunks...)
			ch := &shellChannel{conn: host}

			status, output, err := ch.run(context.Background(), "some command")
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, status)
			assert.Equal(t, tt.expectedOutput, output)
			assert.Equal(t, "( some command ); echo '|!EOF' $?\n", <-got)
		})
	}
}

func TestShellChannel_RunErrors(t *testing.T) {
	t.Run("guest closes the channel", func(t *testing.T) {
		host, guest := net.Pipe()
		defer host.Close()

		go func() {
			_, _ = bufio.NewReader(guest).ReadString('\n')
			_, _ = guest.Write([]byte("partial output"))
			_ = guest.Close()
		}()

		_, _, err := (&shellChannel{conn: host}).run(context.Background(), "true")
		assert.ErrorIs(t, err, ErrChannelClosed)
	})

	t.Run("cancelled while waiting for the reply", func(t *testing.T) {
		host, guest := net.Pipe()
		defer host.Close()
		defer guest.Close()

		scriptedGuest(t, guest)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, _, err := (&shellChannel{conn: host}).run(ctx, "sleep infinity")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestMonitorChannel_WaitForPrompt(t *testing.T) {
	host, guest := net.Pipe()
	defer host.Close()
	defer guest.Close()

	got := scriptedGuest(t, guest, "info status\r\nVM status: ", "running\r\n(qe", "mu) ")
	ch := &monitorChannel{conn: host}

	reply, err := ch.command(context.Background(), "info status")
	require.NoError(t, err)
	assert.Equal(t, "info status\r\nVM status: running\r\n(qemu) ", reply)
	assert.Equal(t, "info status\n", <-got)
}

func splitBytes(s string) []string {
	out := make([]string, 0, len(s))
	for i := range len(s) {
		out = append(out, s[i:i+1])
	}
	return out
}
