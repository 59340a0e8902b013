package domain

// WorkerProcess is a handle to a launched worker process.
type WorkerProcess interface {
	PID() int
	// Wait blocks until the process exits. It must be called exactly once.
	Wait() error
	// Stop asks the process group to terminate gracefully.
	Stop()
	// Kill forcibly terminates the process group.
	Kill()
}

// WorkerRunner launches worker processes bound to the shared endpoint.
type WorkerRunner interface {
	Start(spec WorkerSpec) (WorkerProcess, error)
}

// Logger provides structured logging.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
