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

package httputil_test

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmtest/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/vmtest/internal/util/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

func TestServe(t *testing.T) {
	exitCh := make(chan int, 1)
	gs := gracefulshutdown.NewWithExit("test", func(code int) { exitCh <- code })

	addr := freeAddr(t)
	server := &http.Server{ //nolint:exhaustruct
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, httputil.ServerName(r.Context()))
		}),
		ReadHeaderTimeout: time.Second,
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		httputil.Serve(map[string]*http.Server{"metrics": server}, gs)
	}()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(b)
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "metrics", body)

	gs.CancelFunc()()

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	select {
	case code := <-exitCh:
		assert.Equal(t, gracefulshutdown.InterruptedExitCode, code)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestServe_ListenError(t *testing.T) {
	exitCh := make(chan int, 1)
	gs := gracefulshutdown.NewWithExit("test", func(code int) { exitCh <- code })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	server := &http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: time.Second} //nolint:exhaustruct
	go httputil.Serve(map[string]*http.Server{"busy": server}, gs)

	select {
	case code := <-exitCh:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("listen error did not trigger a shutdown")
	}
}
