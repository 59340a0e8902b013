package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"camgate/internal/adapter/worker"
	"camgate/internal/domain"
)

// eventBuffer is the per-subscriber event channel capacity. A subscriber
// that stops draining loses events rather than stalling the pool.
const eventBuffer = 128

// ReadinessProbe reports when the shared endpoint starts accepting within
// the timeout. With a shared listener this proves some worker accepts, not
// a specific one; the per-slot process liveness check covers the rest.
type ReadinessProbe func(timeout time.Duration) error

// Pool owns a fixed-size set of worker slots. It is the sole mutator of
// slot state; all external observation goes through Watch and Status.
type Pool struct {
	runner         domain.WorkerRunner
	policy         domain.RestartPolicy
	probe          ReadinessProbe
	startupTimeout time.Duration
	logger         domain.Logger

	mu      sync.Mutex
	slots   []*slot
	subs    []chan domain.WorkerEvent
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// slot tracks one worker position in the pool.
type slot struct {
	spec         domain.WorkerSpec
	state        domain.WorkerState
	proc         domain.WorkerProcess
	launch       uuid.UUID
	pid          int
	restartCount int
	crashTimes   []time.Time
	lastStart    time.Time
	degraded     bool
	stopping     bool
	done         chan struct{} // closed once the current process exit is handled
}

// NewPool creates a pool manager. Workers are launched by Start.
func NewPool(runner domain.WorkerRunner, policy domain.RestartPolicy, probe ReadinessProbe, startupTimeout time.Duration, logger domain.Logger) *Pool {
	if startupTimeout <= 0 {
		startupTimeout = 10 * time.Second
	}
	return &Pool{
		runner:         runner,
		policy:         policy,
		probe:          probe,
		startupTimeout: startupTimeout,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

// Start launches one worker per spec. A failed launch is reported as a
// LaunchError but does not abort siblings that already started; the joined
// error carries one entry per failed slot.
func (p *Pool) Start(specs []domain.WorkerSpec) error {
	p.mu.Lock()
	if p.slots != nil {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.slots = make([]*slot, len(specs))
	for i, spec := range specs {
		p.slots[i] = &slot{spec: spec, state: domain.StateStopped, done: closedChan()}
	}
	slots := p.slots
	p.mu.Unlock()

	var errs []error
	for _, s := range slots {
		if err := p.launch(s); err != nil {
			errs = append(errs, &domain.LaunchError{Slot: s.spec.Slot, Cause: err})
		}
	}
	return errors.Join(errs...)
}

// launch starts the slot's process and hands it to a supervise goroutine.
func (p *Pool) launch(s *slot) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return errors.New("pool stopped")
	}
	id := uuid.New()
	prev := s.state
	s.launch = id
	s.state = domain.StateStarting
	s.stopping = false
	s.lastStart = time.Now()
	s.done = make(chan struct{})
	p.mu.Unlock()
	p.emit(s.spec.Slot, id, prev, domain.StateStarting, nil, nil)

	proc, err := p.runner.Start(s.spec)
	if err != nil {
		p.mu.Lock()
		s.state = domain.StateStopped
		done := s.done
		p.mu.Unlock()
		p.emit(s.spec.Slot, id, domain.StateStarting, domain.StateStopped, nil, err)
		close(done)
		return err
	}

	p.mu.Lock()
	s.proc = proc
	s.pid = proc.PID()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.supervise(s, id, proc, false)
	return nil
}

// supervise follows one worker process from launch to exit.
func (p *Pool) supervise(s *slot, id uuid.UUID, proc domain.WorkerProcess, alreadyReady bool) {
	defer p.wg.Done()

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	if !alreadyReady {
		readyc := make(chan error, 1)
		go func() { readyc <- p.probe(p.startupTimeout) }()

		select {
		case waitErr := <-exited:
			p.handleExit(s, id, waitErr)
			return
		case probeErr := <-readyc:
			if probeErr != nil {
				p.logger.Error("worker failed readiness probe", "slot", s.spec.Slot, "err", probeErr)
				proc.Kill()
				<-exited
				p.handleExit(s, id, fmt.Errorf("readiness probe: %w", probeErr))
				return
			}
			p.setReady(s, id)
		}
	}

	// Reset the restart counter once the worker survives the stability
	// window, so backoff does not grow forever after a transient blip.
	if p.policy.StabilityWindow > 0 {
		select {
		case waitErr := <-exited:
			p.handleExit(s, id, waitErr)
			return
		case <-time.After(p.policy.StabilityWindow):
			p.mu.Lock()
			if s.launch == id && s.restartCount > 0 {
				p.logger.Info("worker stable, resetting restart count", "slot", s.spec.Slot, "pid", s.pid)
				s.restartCount = 0
				s.crashTimes = nil
			}
			p.mu.Unlock()
		}
	}

	p.handleExit(s, id, <-exited)
}

func (p *Pool) setReady(s *slot, id uuid.UUID) {
	p.mu.Lock()
	if s.launch != id || s.stopping {
		p.mu.Unlock()
		return
	}
	prev := s.state
	s.state = domain.StateReady
	p.mu.Unlock()
	p.emit(s.spec.Slot, id, prev, domain.StateReady, nil, nil)
	p.logger.Info("worker ready", "slot", s.spec.Slot, "pid", s.pid)
}

// handleExit records the exit of the slot's current process and applies the
// restart policy when the exit was not deliberate.
func (p *Pool) handleExit(s *slot, id uuid.UUID, waitErr error) {
	code := worker.ExitCode(waitErr)

	p.mu.Lock()
	if s.launch != id {
		p.mu.Unlock()
		return
	}
	deliberate := s.stopping || p.stopped
	prev := s.state
	s.proc = nil
	done := s.done

	if deliberate {
		s.state = domain.StateStopped
		p.mu.Unlock()
		p.emit(s.spec.Slot, id, prev, domain.StateStopped, &code, nil)
		p.logger.Info("worker stopped", "slot", s.spec.Slot, "exit_code", code)
		close(done)
		return
	}

	s.state = domain.StateCrashed
	p.mu.Unlock()

	crashErr := &domain.CrashError{Slot: s.spec.Slot, ExitCode: code, Cause: waitErr}
	p.emit(s.spec.Slot, id, prev, domain.StateCrashed, &code, crashErr)
	p.logger.Error("worker crashed", "slot", s.spec.Slot, "pid", s.pid, "exit_code", code)

	if p.policy.Mode == domain.RestartNever || (p.policy.Mode == domain.RestartOnFailure && code == 0) {
		p.mu.Lock()
		s.state = domain.StateStopped
		p.mu.Unlock()
		p.emit(s.spec.Slot, id, domain.StateCrashed, domain.StateStopped, nil, nil)
		close(done)
		return
	}

	close(done)
	p.scheduleRestart(s, id)
}

// scheduleRestart applies the crash budget and queues a delayed relaunch.
func (p *Pool) scheduleRestart(s *slot, id uuid.UUID) {
	p.mu.Lock()
	now := time.Now()
	s.crashTimes = append(s.crashTimes, now)
	if p.policy.Window > 0 {
		cut := now.Add(-p.policy.Window)
		kept := s.crashTimes[:0]
		for _, t := range s.crashTimes {
			if !t.Before(cut) {
				kept = append(kept, t)
			}
		}
		s.crashTimes = kept
	}

	if p.policy.MaxPerWindow > 0 && len(s.crashTimes) > p.policy.MaxPerWindow {
		s.degraded = true
		crashes := len(s.crashTimes)
		p.mu.Unlock()
		degErr := &domain.PoolDegradedError{Slot: s.spec.Slot, Crashes: crashes, Window: p.policy.Window}
		// Same-state event: the slot stays Crashed, but the budget
		// exhaustion must be observable upstream.
		p.emit(s.spec.Slot, id, domain.StateCrashed, domain.StateCrashed, nil, degErr)
		p.logger.Error("pool degraded, not restarting worker", "slot", s.spec.Slot, "crashes", crashes, "window", p.policy.Window)
		return
	}

	delay := p.policy.Delay(s.restartCount)
	s.restartCount++
	count := s.restartCount
	p.mu.Unlock()

	p.logger.Info("scheduling worker restart", "slot", s.spec.Slot, "delay", delay, "restart_count", count)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-p.stopCh:
			return
		}
		p.mu.Lock()
		// A stale generation must not launch over a replacement installed
		// by Reload while the timer was pending.
		skip := p.stopped || s.stopping || s.degraded || s.launch != id
		p.mu.Unlock()
		if skip {
			return
		}
		if err := p.launch(s); err != nil {
			p.logger.Error("worker relaunch failed", "slot", s.spec.Slot, "err", err)
			p.mu.Lock()
			next := s.launch
			p.mu.Unlock()
			p.scheduleRestart(s, next)
		}
	}()
}

// Reload replaces workers one slot at a time. The replacement is started
// and probed ready before the old worker is stopped, so the ready count
// never drops below pool size minus one.
func (p *Pool) Reload(newSpecs []domain.WorkerSpec, grace time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return errors.New("pool stopped")
	}
	if len(newSpecs) != len(p.slots) {
		n := len(p.slots)
		p.mu.Unlock()
		return fmt.Errorf("reload requires %d specs, got %d", n, len(newSpecs))
	}
	slots := p.slots
	p.mu.Unlock()

	for i, spec := range newSpecs {
		if err := p.replaceSlot(slots[i], spec, grace); err != nil {
			return fmt.Errorf("reload slot %d: %w", spec.Slot, err)
		}
	}
	return nil
}

// replaceSlot performs one rolling replacement: new worker up, old worker
// stopped, slot repointed at the new process.
func (p *Pool) replaceSlot(s *slot, spec domain.WorkerSpec, grace time.Duration) error {
	proc, err := p.runner.Start(spec)
	if err != nil {
		return &domain.LaunchError{Slot: spec.Slot, Cause: err}
	}
	if err := p.probe(p.startupTimeout); err != nil {
		proc.Kill()
		go func() { _ = proc.Wait() }()
		return fmt.Errorf("replacement not ready: %w", err)
	}

	p.stopSlot(s, grace)

	p.mu.Lock()
	id := uuid.New()
	s.spec = spec
	s.proc = proc
	s.pid = proc.PID()
	s.launch = id
	s.restartCount = 0
	s.crashTimes = nil
	s.degraded = false
	s.stopping = false
	s.lastStart = time.Now()
	s.done = make(chan struct{})
	s.state = domain.StateStarting
	p.mu.Unlock()
	p.emit(spec.Slot, id, domain.StateStopped, domain.StateStarting, nil, nil)
	p.setReady(s, id)

	p.wg.Add(1)
	go p.supervise(s, id, proc, true)
	return nil
}

// stopSlot gracefully stops the slot's current process, escalating to a
// forced kill after the grace period. Safe on slots with no live process.
func (p *Pool) stopSlot(s *slot, grace time.Duration) {
	p.mu.Lock()
	proc := s.proc
	if proc == nil {
		if s.state != domain.StateStopped {
			prev := s.state
			id := s.launch
			s.state = domain.StateStopped
			p.mu.Unlock()
			p.emit(s.spec.Slot, id, prev, domain.StateStopped, nil, nil)
			return
		}
		p.mu.Unlock()
		return
	}
	s.stopping = true
	prev := s.state
	id := s.launch
	done := s.done
	s.state = domain.StateStopping
	p.mu.Unlock()
	p.emit(s.spec.Slot, id, prev, domain.StateStopping, nil, nil)

	proc.Stop()
	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("worker ignored stop signal, killing", "slot", s.spec.Slot, "pid", s.pid)
		proc.Kill()
		<-done
	}
}

// Stop terminates the whole pool. It always returns: stragglers are killed
// after the grace period. Subscriber channels are closed on return.
func (p *Pool) Stop(grace time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	slots := p.slots
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			p.stopSlot(s, grace)
		}(s)
	}
	wg.Wait()
	p.wg.Wait()

	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// Watch subscribes to slot state transitions. Each subscriber gets its own
// buffered channel; events are dropped, not blocked on, when it lags.
func (p *Pool) Watch() <-chan domain.WorkerEvent {
	ch := make(chan domain.WorkerEvent, eventBuffer)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// Unwatch removes and closes a subscription obtained from Watch.
func (p *Pool) Unwatch(ch <-chan domain.WorkerEvent) {
	p.mu.Lock()
	for i, sub := range p.subs {
		if sub == ch {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			p.mu.Unlock()
			close(sub)
			return
		}
	}
	p.mu.Unlock()
}

func (p *Pool) emit(slotID int, id uuid.UUID, from, to domain.WorkerState, exitCode *int, err error) {
	ev := domain.WorkerEvent{
		Slot:     slotID,
		Launch:   id,
		From:     from,
		To:       to,
		ExitCode: exitCode,
		Err:      err,
		Time:     time.Now(),
	}
	p.mu.Lock()
	subs := append([]chan domain.WorkerEvent(nil), p.subs...)
	p.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			p.logger.Warn("event subscriber lagging, dropping event", "slot", slotID)
		}
	}
}

// ReadyCount returns the number of slots currently in the ready state.
func (p *Pool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.state == domain.StateReady {
			n++
		}
	}
	return n
}

// HasReady reports whether at least one worker is ready to serve.
func (p *Pool) HasReady() bool { return p.ReadyCount() > 0 }

// Status returns a point-in-time snapshot of all slots.
func (p *Pool) Status() domain.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := domain.PoolStatus{Size: len(p.slots)}
	for _, s := range p.slots {
		switch s.state {
		case domain.StateReady:
			st.Ready++
		case domain.StateCrashed:
			st.Crashed++
		}
		if s.degraded {
			st.Degraded++
		}
		st.Slots = append(st.Slots, domain.SlotStatus{
			Slot:         s.spec.Slot,
			State:        s.state,
			Launch:       s.launch,
			PID:          s.pid,
			RestartCount: s.restartCount,
			LastStart:    s.lastStart,
			Degraded:     s.degraded,
		})
	}
	return st
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
