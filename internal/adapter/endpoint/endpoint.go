package endpoint

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"camgate/internal/domain"
)

// probeTimeout bounds the liveness dial used for stale-socket detection.
const probeTimeout = 500 * time.Millisecond

// Endpoint is the Unix stream socket workers accept on and the gateway
// connects to. Created once by the supervisor, destroyed on shutdown.
type Endpoint struct {
	path     string
	mode     os.FileMode
	listener *net.UnixListener

	mu        sync.Mutex
	destroyed bool
}

// Create binds the endpoint socket at path with the given permission mode.
// A stale socket file left by a crashed run is removed, but only after a
// connect probe confirms no live process is accepting on it.
func Create(path string, mode os.FileMode, logger domain.Logger) (*Endpoint, error) {
	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, &domain.EndpointError{Path: path, Cause: fmt.Errorf("path exists and is not a socket")}
		}
		if Alive(path) {
			return nil, &domain.EndpointError{Path: path, Cause: fmt.Errorf("address in use by a live process")}
		}
		logger.Info("removing stale socket", "path", path)
		if err := os.Remove(path); err != nil {
			return nil, &domain.EndpointError{Path: path, Cause: fmt.Errorf("remove stale socket: %w", err)}
		}
	} else if !os.IsNotExist(err) {
		return nil, &domain.EndpointError{Path: path, Cause: err}
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, &domain.EndpointError{Path: path, Cause: err}
	}

	// Scope the umask so the socket never exists on disk with looser bits
	// than configured, even for an instant before the chmod below.
	old := unix.Umask(int(^mode & 0777))
	listener, err := net.ListenUnix("unix", addr)
	unix.Umask(old)
	if err != nil {
		return nil, &domain.EndpointError{Path: path, Cause: err}
	}

	if err := os.Chmod(path, mode); err != nil {
		_ = listener.Close()
		return nil, &domain.EndpointError{Path: path, Cause: fmt.Errorf("chmod: %w", err)}
	}

	// Workers inherit the listener fd; this process never unlinks the path
	// implicitly, only through Destroy.
	listener.SetUnlinkOnClose(false)

	logger.Info("endpoint created", "path", path, "mode", fmt.Sprintf("%04o", mode))
	return &Endpoint{path: path, mode: mode, listener: listener}, nil
}

// Path returns the socket filesystem path.
func (e *Endpoint) Path() string { return e.path }

// File duplicates the listener fd for passing to a worker process.
func (e *Endpoint) File() (*os.File, error) {
	f, err := e.listener.File()
	if err != nil {
		return nil, &domain.EndpointError{Path: e.path, Cause: fmt.Errorf("dup listener fd: %w", err)}
	}
	return f, nil
}

// Destroy closes the listener and unlinks the socket path. Idempotent.
func (e *Endpoint) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	e.destroyed = true

	_ = e.listener.Close()
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return &domain.EndpointError{Path: e.path, Cause: fmt.Errorf("unlink: %w", err)}
	}
	return nil
}

// Alive reports whether a live process accepts connections at path.
func Alive(path string) bool {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitReady polls the endpoint until a connection is accepted or the
// timeout elapses. Used as the worker readiness probe.
func WaitReady(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("unix", path, probeTimeout)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("endpoint %s not accepting after %s: %w", path, timeout, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
