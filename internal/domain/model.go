package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkerState is the lifecycle state of a pool slot.
type WorkerState string

const (
	StateStarting WorkerState = "starting"
	StateReady    WorkerState = "ready"
	StateCrashed  WorkerState = "crashed"
	StateStopping WorkerState = "stopping"
	StateStopped  WorkerState = "stopped"
)

// WorkerSpec describes how to launch one worker process. Immutable after
// pool creation; a reload swaps in a fresh set of specs.
type WorkerSpec struct {
	Slot    int
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// WorkerEvent is emitted on every slot state transition. Launch identifies
// the individual process instance, so subscribers can tell a restart from
// the same process changing state.
type WorkerEvent struct {
	Slot     int
	Launch   uuid.UUID
	From     WorkerState
	To       WorkerState
	ExitCode *int
	Err      error
	Time     time.Time
}

// RestartMode selects which worker exits trigger a relaunch.
type RestartMode string

const (
	RestartAlways    RestartMode = "always"
	RestartOnFailure RestartMode = "on-failure"
	RestartNever     RestartMode = "never"
)

// RestartPolicy governs crash recovery for pool slots. Read-only at runtime.
type RestartPolicy struct {
	Mode RestartMode

	// Backoff is indexed by the slot's restart count; the last entry repeats.
	Backoff []time.Duration

	// MaxPerWindow caps crashes counted within Window before the slot is
	// marked degraded and no longer restarted. Zero disables the cap.
	MaxPerWindow int
	Window       time.Duration

	// StabilityWindow is how long a worker must stay ready before its
	// restart count resets to zero.
	StabilityWindow time.Duration
}

// Delay returns the backoff delay for the given restart count.
func (p RestartPolicy) Delay(restartCount int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if restartCount >= len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[restartCount]
}

// SlotStatus is a point-in-time view of one pool slot.
type SlotStatus struct {
	Slot         int         `json:"slot"`
	State        WorkerState `json:"state"`
	Launch       uuid.UUID   `json:"launch"`
	PID          int         `json:"pid"`
	RestartCount int         `json:"restart_count"`
	LastStart    time.Time   `json:"last_start"`
	Degraded     bool        `json:"degraded"`
}

// PoolStatus is a point-in-time view of the whole pool.
type PoolStatus struct {
	Size     int          `json:"size"`
	Ready    int          `json:"ready"`
	Crashed  int          `json:"crashed"`
	Degraded int          `json:"degraded"`
	Slots    []SlotStatus `json:"slots"`
}

// SupervisorState is the top-level lifecycle state.
type SupervisorState string

const (
	SupervisorInitializing SupervisorState = "initializing"
	SupervisorRunning      SupervisorState = "running"
	SupervisorReloading    SupervisorState = "reloading"
	SupervisorStopping     SupervisorState = "stopping"
	SupervisorStopped      SupervisorState = "stopped"
)

// SupervisorStatus is the payload served on the control socket.
type SupervisorStatus struct {
	State     SupervisorState `json:"state"`
	PID       int             `json:"pid"`
	StartedAt time.Time       `json:"started_at"`
	Pool      PoolStatus      `json:"pool"`
}
