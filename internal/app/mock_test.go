package app

import (
	"errors"
	"sync"
	"time"

	"camgate/internal/domain"
)

// mockLogger discards log output.
type mockLogger struct{}

func (mockLogger) Info(string, ...any)  {}
func (mockLogger) Warn(string, ...any)  {}
func (mockLogger) Error(string, ...any) {}

// mockProcess is a controllable in-memory worker process.
type mockProcess struct {
	pid    int
	exitCh chan error
	once   sync.Once

	mu         sync.Mutex
	stopCalls  int
	killCalls  int
	ignoreStop bool
}

func newMockProcess(pid int) *mockProcess {
	return &mockProcess{pid: pid, exitCh: make(chan error, 1)}
}

func (p *mockProcess) PID() int { return p.pid }

func (p *mockProcess) Wait() error { return <-p.exitCh }

func (p *mockProcess) Stop() {
	p.mu.Lock()
	p.stopCalls++
	ignore := p.ignoreStop
	p.mu.Unlock()
	if !ignore {
		p.exit(nil)
	}
}

func (p *mockProcess) Kill() {
	p.mu.Lock()
	p.killCalls++
	p.mu.Unlock()
	p.exit(errors.New("killed"))
}

// exit makes Wait return err. Safe to call more than once.
func (p *mockProcess) exit(err error) {
	p.once.Do(func() { p.exitCh <- err })
}

func (p *mockProcess) stopped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCalls
}

func (p *mockProcess) killed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCalls
}

// mockRunner records launches and hands out mock processes.
type mockRunner struct {
	mu         sync.Mutex
	nextPID    int
	procs      []*mockProcess
	specs      []domain.WorkerSpec
	startTimes []time.Time
	failSlot   map[int]error // slot -> permanent launch error
	configure  func(p *mockProcess)
}

func newMockRunner() *mockRunner {
	return &mockRunner{nextPID: 1000, failSlot: map[int]error{}}
}

func (r *mockRunner) Start(spec domain.WorkerSpec) (domain.WorkerProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failSlot[spec.Slot]; err != nil {
		return nil, err
	}
	r.nextPID++
	p := newMockProcess(r.nextPID)
	if r.configure != nil {
		r.configure(p)
	}
	r.procs = append(r.procs, p)
	r.specs = append(r.specs, spec)
	r.startTimes = append(r.startTimes, time.Now())
	return p, nil
}

func (r *mockRunner) started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *mockRunner) proc(i int) *mockProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

func (r *mockRunner) startTime(i int) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startTimes[i]
}

// instantProbe reports the endpoint ready immediately.
func instantProbe(time.Duration) error { return nil }

// testPolicy is a fast restart policy for tests.
func testPolicy() domain.RestartPolicy {
	return domain.RestartPolicy{
		Mode:            domain.RestartAlways,
		Backoff:         []time.Duration{10 * time.Millisecond, 50 * time.Millisecond},
		Window:          time.Minute,
		StabilityWindow: time.Minute,
	}
}

func testSpecs(n int) []domain.WorkerSpec {
	specs := make([]domain.WorkerSpec, n)
	for i := range specs {
		specs[i] = domain.WorkerSpec{Slot: i, Command: "/usr/bin/worker"}
	}
	return specs
}

// awaitEvent reads events until match succeeds or the timeout elapses.
func awaitEvent(ch <-chan domain.WorkerEvent, timeout time.Duration, match func(domain.WorkerEvent) bool) (domain.WorkerEvent, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return domain.WorkerEvent{}, false
			}
			if match(ev) {
				return ev, true
			}
		case <-deadline:
			return domain.WorkerEvent{}, false
		}
	}
}
