package qemu

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

// fakeMonitor speaks just enough QMP to answer query-status and
// system_powerdown.
type fakeMonitor struct {
	runState string

	mu       sync.Mutex
	commands []string
}

func (f *fakeMonitor) serve(t *testing.T, socket string) {
	t.Helper()
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err, "listening on fake monitor")
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.handle(conn)
		}
	}()
}

func (f *fakeMonitor) handle(conn net.Conn) {
	defer conn.Close()
	fmt.Fprintln(conn, `{"QMP": {"version": {"qemu": {"micro": 0, "minor": 2, "major": 8}, "package": ""}, "capabilities": []}}`)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd struct {
			Execute string `json:"execute"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			return
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd.Execute)
		f.mu.Unlock()

		switch cmd.Execute {
		case "query-status":
			fmt.Fprintf(conn, `{"return": {"running": %t, "singlestep": false, "status": %q}}`+"\n", f.runState == "running", f.runState)
		default:
			fmt.Fprintln(conn, `{"return": {}}`)
		}
	}
}

func (f *fakeMonitor) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func socketPath(t *testing.T) string {
	t.Helper()
	// unix socket paths are short; t.TempDir can be too deep on some hosts
	dir, err := os.MkdirTemp("", "qmp")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "qmp.sock")
}

func TestProbeStatus(t *testing.T) {
	tests := []struct {
		runState string
		want     Status
	}{
		{runState: "running", want: StatusRunning},
		{runState: "paused", want: StatusPaused},
		{runState: "shutdown", want: StatusShutdown},
	}
	for _, tt := range tests {
		t.Run(tt.runState, func(t *testing.T) {
			socket := socketPath(t)
			mon := &fakeMonitor{runState: tt.runState}
			mon.serve(t, socket)

			got, err := ProbeStatus(t.Context(), socket)
			require.NoError(t, err, "probing status")
			assert.Equal(t, tt.want, got)
			assert.Contains(t, mon.seen(), "query-status")
		})
	}
}

func TestProbeStatusNotRunning(t *testing.T) {
	got, err := ProbeStatus(t.Context(), socketPath(t))
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got)

	got, err = ProbeStatus(t.Context(), "")
	assert.True(t, errors.Is(err, ErrNoMonitor))
	assert.Equal(t, StatusUnknown, got)
}

func TestPowerdown(t *testing.T) {
	socket := socketPath(t)
	mon := &fakeMonitor{runState: "running"}
	mon.serve(t, socket)

	require.NoError(t, Powerdown(t.Context(), socket), "sending powerdown")
	assert.Contains(t, mon.seen(), "system_powerdown")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "unknown", Status(42).String())

	out, err := json.Marshal(map[string]Status{"status": StatusPaused})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status": "paused"}`, string(out))
}
