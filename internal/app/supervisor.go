package app

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"camgate/internal/domain"
)

// GatewayServer is the externally reachable proxy owned by the supervisor.
type GatewayServer interface {
	Start() error
	Close() error
}

// EndpointOwner is the endpoint lifecycle handle owned by the supervisor.
type EndpointOwner interface {
	Destroy() error
}

// SupervisorConfig carries the runtime knobs the supervisor needs.
type SupervisorConfig struct {
	ReloadGracePeriod   time.Duration
	ShutdownGracePeriod time.Duration
}

// Supervisor is the top-level lifecycle owner: it starts the pool and the
// gateway, applies reload and stop controls, and tears everything down in
// order (gateway first, pool next, endpoint last).
type Supervisor struct {
	pool     *Pool
	gateway  GatewayServer
	endpoint EndpointOwner
	specs    func() ([]domain.WorkerSpec, error)
	cfg      SupervisorConfig
	logger   domain.Logger

	mu        sync.Mutex
	state     domain.SupervisorState
	startedAt time.Time
	quit      chan struct{}
	quitOnce  sync.Once
}

// NewSupervisor wires the supervisor. specs is called on every reload so a
// changed configuration takes effect without a restart.
func NewSupervisor(pool *Pool, gw GatewayServer, ep EndpointOwner, specs func() ([]domain.WorkerSpec, error), cfg SupervisorConfig, logger domain.Logger) *Supervisor {
	return &Supervisor{
		pool:     pool,
		gateway:  gw,
		endpoint: ep,
		specs:    specs,
		cfg:      cfg,
		logger:   logger,
		state:    domain.SupervisorInitializing,
		quit:     make(chan struct{}),
	}
}

// Run starts the pool and gateway, then blocks handling signals and control
// requests until stopped. Startup failure is fatal and returned as-is; this
// layer never retries a failed first launch.
func (s *Supervisor) Run() error {
	specs, err := s.specs()
	if err != nil {
		return fmt.Errorf("resolve worker specs: %w", err)
	}

	// Subscribe before the first launch so the initial Starting transitions
	// are observed too.
	go s.observeEvents(s.pool.Watch())

	startErr := s.pool.Start(specs)
	if startErr != nil {
		var launchErr *domain.LaunchError
		if !errors.As(startErr, &launchErr) {
			return startErr
		}
		if allLaunchesFailed(startErr, len(specs)) {
			s.pool.Stop(s.cfg.ShutdownGracePeriod)
			return fmt.Errorf("no worker could be launched: %w", startErr)
		}
		// Partial start: run degraded, report, keep going.
		s.logger.Error("pool started with launch failures", "err", startErr)
	}

	if err := s.gateway.Start(); err != nil {
		s.pool.Stop(s.cfg.ShutdownGracePeriod)
		return fmt.Errorf("start gateway: %w", err)
	}

	s.setState(domain.SupervisorRunning)
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(reload)
	defer signal.Stop(stop)

	for {
		select {
		case <-reload:
			s.logger.Info("reload signal received")
			if err := s.Reload(); err != nil {
				s.logger.Error("reload failed", "err", err)
			}
		case sig := <-stop:
			s.logger.Info("stop signal received", "signal", sig.String())
			s.shutdown()
			return nil
		case <-s.quit:
			s.shutdown()
			return nil
		}
	}
}

// Reload performs a rolling worker replacement with freshly resolved specs.
func (s *Supervisor) Reload() error {
	s.mu.Lock()
	if s.state != domain.SupervisorRunning {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot reload while %s", state)
	}
	s.state = domain.SupervisorReloading
	s.mu.Unlock()
	s.logger.Info("supervisor state", "state", domain.SupervisorReloading)

	defer s.setState(domain.SupervisorRunning)

	specs, err := s.specs()
	if err != nil {
		return fmt.Errorf("resolve worker specs: %w", err)
	}
	if err := s.pool.Reload(specs, s.cfg.ReloadGracePeriod); err != nil {
		return err
	}
	s.logger.Info("reload complete")
	return nil
}

// Stop requests shutdown. Safe to call from any goroutine, idempotent.
func (s *Supervisor) Stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Status reports the supervisor and pool state for the control surface.
func (s *Supervisor) Status() domain.SupervisorStatus {
	s.mu.Lock()
	state := s.state
	startedAt := s.startedAt
	s.mu.Unlock()
	return domain.SupervisorStatus{
		State:     state,
		PID:       os.Getpid(),
		StartedAt: startedAt,
		Pool:      s.pool.Status(),
	}
}

// observeEvents turns every worker transition into a structured log line and
// escalates restart-budget exhaustion. Returns when the pool stops and
// closes the subscription.
func (s *Supervisor) observeEvents(events <-chan domain.WorkerEvent) {
	for ev := range events {
		fields := []any{
			"slot", ev.Slot,
			"launch", ev.Launch.String(),
			"from", ev.From,
			"to", ev.To,
		}
		if ev.ExitCode != nil {
			fields = append(fields, "exit_code", *ev.ExitCode)
		}

		var deg *domain.PoolDegradedError
		if errors.As(ev.Err, &deg) {
			s.logger.Error("worker restart budget exhausted",
				append(fields, "crashes", deg.Crashes, "window", deg.Window)...)
			continue
		}
		if ev.Err != nil {
			fields = append(fields, "err", ev.Err)
		}
		s.logger.Info("worker state changed", fields...)
	}
}

func (s *Supervisor) shutdown() {
	s.setState(domain.SupervisorStopping)
	if err := s.gateway.Close(); err != nil {
		s.logger.Error("gateway close failed", "err", err)
	}
	s.pool.Stop(s.cfg.ShutdownGracePeriod)
	if err := s.endpoint.Destroy(); err != nil {
		s.logger.Error("endpoint destroy failed", "err", err)
	}
	s.setState(domain.SupervisorStopped)
}

func (s *Supervisor) setState(state domain.SupervisorState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Info("supervisor state", "state", state)
}

// allLaunchesFailed reports whether every slot produced a launch error.
func allLaunchesFailed(joined error, total int) bool {
	type unwrapper interface{ Unwrap() []error }
	if u, ok := joined.(unwrapper); ok {
		return len(u.Unwrap()) == total
	}
	return total == 1
}
