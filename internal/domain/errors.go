package domain

import (
	"fmt"
	"time"
)

// LaunchError reports a worker process that failed to start. Siblings that
// did launch keep running; the caller decides whether to roll back.
type LaunchError struct {
	Slot  int
	Cause error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch worker slot %d: %v", e.Slot, e.Cause)
}

func (e *LaunchError) Unwrap() error { return e.Cause }

// CrashError reports a worker that exited unexpectedly while ready.
type CrashError struct {
	Slot     int
	ExitCode int
	Cause    error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker slot %d crashed with exit code %d", e.Slot, e.ExitCode)
}

func (e *CrashError) Unwrap() error { return e.Cause }

// PoolDegradedError reports a slot whose restart budget is exhausted. The
// pool stops restarting it; recovery requires operator action (reload).
type PoolDegradedError struct {
	Slot    int
	Crashes int
	Window  time.Duration
}

func (e *PoolDegradedError) Error() string {
	return fmt.Sprintf("worker slot %d degraded: %d crashes within %s", e.Slot, e.Crashes, e.Window)
}

// UpstreamUnavailableError reports a proxied connection that could not
// reach a worker. Local to one client connection, never retried.
type UpstreamUnavailableError struct {
	Cause error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable: %v", e.Cause)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Cause }

// EndpointError reports a socket endpoint creation or permission failure.
// Always fatal at startup.
type EndpointError struct {
	Path  string
	Cause error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint %s: %v", e.Path, e.Cause)
}

func (e *EndpointError) Unwrap() error { return e.Cause }
