// Package ctl implements the CG1 control protocol on a companion Unix
// socket: one command line in, one reply out. It backs the status, reload,
// and stop subcommands and mirrors what the service-manager signals do.
package ctl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"camgate/internal/domain"
)

const (
	cmdStatus = "CG1 STATUS"
	cmdReload = "CG1 RELOAD"
	cmdStop   = "CG1 STOP"

	connDeadline = 5 * time.Second
)

// Controller is the supervisor surface the control server drives.
type Controller interface {
	Status() domain.SupervisorStatus
	Reload() error
	Stop()
}

// Server answers CG1 commands on a Unix socket next to the endpoint.
type Server struct {
	path     string
	mode     os.FileMode
	ctrl     Controller
	logger   domain.Logger
	listener net.Listener
	closed   atomic.Bool
}

// NewServer creates a control server; Start binds it. The socket carries the
// given permission mode, the same discipline as the endpoint socket: anyone
// who can write the file can stop the instance.
func NewServer(path string, mode os.FileMode, ctrl Controller, logger domain.Logger) *Server {
	return &Server{path: path, mode: mode, ctrl: ctrl, logger: logger}
}

// Start binds the control socket and serves commands in the background.
// A stale socket file from a previous run is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}
	old := unix.Umask(int(^s.mode & 0777))
	ln, err := net.Listen("unix", s.path)
	unix.Umask(old)
	if err != nil {
		return fmt.Errorf("listen control socket: %w", err)
	}
	if err := os.Chmod(s.path, s.mode); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.listener = ln
	s.logger.Info("control socket listening", "path", s.path)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	return nil
}

// Close stops the control server and unlinks its socket.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case cmdStatus:
		data, err := json.Marshal(s.ctrl.Status())
		if err != nil {
			_, _ = fmt.Fprintf(conn, "ERR %v\n", err)
			return
		}
		_, _ = conn.Write(append(data, '\n'))
	case cmdReload:
		if err := s.ctrl.Reload(); err != nil {
			_, _ = fmt.Fprintf(conn, "ERR %v\n", err)
			return
		}
		_, _ = fmt.Fprint(conn, "OK\n")
	case cmdStop:
		_, _ = fmt.Fprint(conn, "OK\n")
		s.ctrl.Stop()
	default:
		_, _ = fmt.Fprint(conn, "ERR unknown command\n")
	}
}

// Status queries a running supervisor over its control socket.
func Status(path string) (domain.SupervisorStatus, error) {
	line, err := roundTrip(path, cmdStatus)
	if err != nil {
		return domain.SupervisorStatus{}, err
	}
	var st domain.SupervisorStatus
	if err := json.Unmarshal([]byte(line), &st); err != nil {
		return domain.SupervisorStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Reload asks a running supervisor to perform a rolling reload.
func Reload(path string) error {
	return expectOK(roundTrip(path, cmdReload))
}

// Stop asks a running supervisor to shut down.
func Stop(path string) error {
	return expectOK(roundTrip(path, cmdStop))
}

func roundTrip(path, cmd string) (string, error) {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return "", fmt.Errorf("connect control socket %s (is camgate running?): %w", path, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read control reply: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func expectOK(line string, err error) error {
	if err != nil {
		return err
	}
	if line != "OK" {
		return fmt.Errorf("control request failed: %s", line)
	}
	return nil
}
