package ctl

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"camgate/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type fakeController struct {
	mu        sync.Mutex
	status    domain.SupervisorStatus
	reloadErr error
	reloads   int
	stops     int
}

func (c *fakeController) Status() domain.SupervisorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeController) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloads++
	return c.reloadErr
}

func (c *fakeController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *fakeController) counts() (reloads, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloads, c.stops
}

func startServer(t *testing.T, ctrl Controller) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(path, 0o660, ctrl, nopLogger{})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })
	return path
}

func TestStatusRoundTrip(t *testing.T) {
	ctrl := &fakeController{status: domain.SupervisorStatus{
		State:     domain.SupervisorRunning,
		PID:       4242,
		StartedAt: time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		Pool: domain.PoolStatus{
			Size:  2,
			Ready: 2,
			Slots: []domain.SlotStatus{
				{Slot: 0, State: domain.StateReady, PID: 100},
				{Slot: 1, State: domain.StateReady, PID: 101},
			},
		},
	}}
	path := startServer(t, ctrl)

	st, err := Status(path)
	require.NoError(t, err)
	require.Equal(t, ctrl.status.State, st.State)
	require.Equal(t, ctrl.status.PID, st.PID)
	require.True(t, ctrl.status.StartedAt.Equal(st.StartedAt))
	require.Equal(t, ctrl.status.Pool.Size, st.Pool.Size)
	require.Len(t, st.Pool.Slots, 2)
	require.Equal(t, domain.StateReady, st.Pool.Slots[1].State)
}

func TestReload(t *testing.T) {
	ctrl := &fakeController{}
	path := startServer(t, ctrl)

	require.NoError(t, Reload(path))
	reloads, _ := ctrl.counts()
	require.Equal(t, 1, reloads)
}

func TestReload_Error(t *testing.T) {
	ctrl := &fakeController{reloadErr: errors.New("cannot reload while stopping")}
	path := startServer(t, ctrl)

	err := Reload(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot reload while stopping")
}

func TestStop(t *testing.T) {
	ctrl := &fakeController{}
	path := startServer(t, ctrl)

	require.NoError(t, Stop(path))

	// Stop replies before dispatching; allow the handler a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, stops := ctrl.counts(); stops == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("controller Stop was not invoked")
}

func TestUnknownCommand(t *testing.T) {
	ctrl := &fakeController{}
	path := startServer(t, ctrl)

	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprint(conn, "CG1 DANCE\n")
	require.NoError(t, err)

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ERR unknown command\n", string(buf[:n]))
}

func TestClient_NoServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")

	_, err := Status(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "is camgate running?")
}

func TestServerClose_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(path, 0o660, &fakeController{}, nopLogger{})
	require.NoError(t, srv.Start())

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	_, err := Status(path)
	require.Error(t, err)
}

func TestServerStart_RemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	srv := NewServer(path, 0o660, &fakeController{}, nopLogger{})
	require.NoError(t, srv.Start())
	defer srv.Close()

	require.NoError(t, Reload(path))
}

func TestServerStart_AppliesSocketMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(path, 0o600, &fakeController{}, nopLogger{})
	require.NoError(t, srv.Start())
	defer srv.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSocket)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}
