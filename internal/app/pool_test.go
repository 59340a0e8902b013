package app

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"camgate/internal/domain"
)

const eventWait = 2 * time.Second

func newTestPool(r *mockRunner, policy domain.RestartPolicy) *Pool {
	return NewPool(r, policy, instantProbe, time.Second, mockLogger{})
}

func waitStarted(t *testing.T, r *mockRunner, want int) {
	t.Helper()
	deadline := time.Now().Add(eventWait)
	for time.Now().Before(deadline) {
		if r.started() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("launch count never reached %d, have %d", want, r.started())
}

func waitReadyCount(t *testing.T, p *Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(eventWait)
	for time.Now().Before(deadline) {
		if p.ReadyCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ready count never reached %d, have %d", want, p.ReadyCount())
}

func TestPoolStart_AllReachReady(t *testing.T) {
	for _, n := range []int{1, 3} {
		r := newMockRunner()
		p := newTestPool(r, testPolicy())

		require.NoError(t, p.Start(testSpecs(n)))
		waitReadyCount(t, p, n)

		st := p.Status()
		require.Equal(t, n, st.Size)
		require.Equal(t, n, st.Ready)
		for _, s := range st.Slots {
			require.Equal(t, domain.StateReady, s.State)
			require.NotZero(t, s.PID)
			require.False(t, s.LastStart.IsZero())
		}
		p.Stop(time.Second)
	}
}

func TestPoolStart_PartialLaunchFailure(t *testing.T) {
	r := newMockRunner()
	r.failSlot[1] = errors.New("no such binary")
	p := newTestPool(r, testPolicy())

	err := p.Start(testSpecs(3))
	require.Error(t, err)

	var launchErr *domain.LaunchError
	require.ErrorAs(t, err, &launchErr)
	require.Equal(t, 1, launchErr.Slot)

	// Siblings keep running.
	waitReadyCount(t, p, 2)
	require.Equal(t, domain.StateStopped, p.Status().Slots[1].State)
	p.Stop(time.Second)
}

func TestPoolRestart_UsesBackoffSchedule(t *testing.T) {
	r := newMockRunner()
	p := newTestPool(r, testPolicy())
	events := p.Watch()

	require.NoError(t, p.Start(testSpecs(1)))
	waitReadyCount(t, p, 1)

	// First crash restarts after backoff[0].
	firstCrash := time.Now()
	r.proc(0).exit(errors.New("segfault"))

	_, ok := awaitEvent(events, eventWait, func(ev domain.WorkerEvent) bool {
		return ev.To == domain.StateCrashed
	})
	require.True(t, ok, "crash event not observed")
	waitStarted(t, r, 2)
	waitReadyCount(t, p, 1)
	require.GreaterOrEqual(t, r.startTime(1).Sub(firstCrash), 10*time.Millisecond)

	// Second crash before the stability window elapses uses backoff[1].
	secondCrash := time.Now()
	r.proc(1).exit(errors.New("segfault"))
	waitStarted(t, r, 3)
	waitReadyCount(t, p, 1)
	require.GreaterOrEqual(t, r.startTime(2).Sub(secondCrash), 50*time.Millisecond)

	require.Equal(t, 2, p.Status().Slots[0].RestartCount)
	p.Stop(time.Second)
}

func TestPoolRestart_DegradesWhenBudgetExhausted(t *testing.T) {
	policy := testPolicy()
	policy.Backoff = []time.Duration{time.Millisecond}
	policy.MaxPerWindow = 2
	r := newMockRunner()
	p := newTestPool(r, policy)
	events := p.Watch()

	require.NoError(t, p.Start(testSpecs(1)))
	waitReadyCount(t, p, 1)

	// Two crashes restart; the third exhausts the budget.
	for i := 0; i < 2; i++ {
		r.proc(i).exit(errors.New("boom"))
		waitStarted(t, r, i+2)
		waitReadyCount(t, p, 1)
	}
	r.proc(2).exit(errors.New("boom"))

	ev, ok := awaitEvent(events, eventWait, func(ev domain.WorkerEvent) bool {
		var deg *domain.PoolDegradedError
		return errors.As(ev.Err, &deg)
	})
	require.True(t, ok, "degraded event not observed")
	require.Equal(t, 0, ev.Slot)

	// No further restart attempt is made.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, r.started())

	st := p.Status()
	require.Equal(t, 1, st.Degraded)
	require.Equal(t, domain.StateCrashed, st.Slots[0].State)
	p.Stop(time.Second)
}

func TestPoolRestart_NeverMode(t *testing.T) {
	policy := testPolicy()
	policy.Mode = domain.RestartNever
	r := newMockRunner()
	p := newTestPool(r, policy)

	require.NoError(t, p.Start(testSpecs(1)))
	waitReadyCount(t, p, 1)

	r.proc(0).exit(errors.New("boom"))
	waitReadyCount(t, p, 0)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, r.started())
	require.Equal(t, domain.StateStopped, p.Status().Slots[0].State)
	p.Stop(time.Second)
}

func TestPoolRestart_OnFailureIgnoresCleanExit(t *testing.T) {
	policy := testPolicy()
	policy.Mode = domain.RestartOnFailure
	r := newMockRunner()
	p := newTestPool(r, policy)

	require.NoError(t, p.Start(testSpecs(1)))
	waitReadyCount(t, p, 1)

	r.proc(0).exit(nil) // clean exit
	waitReadyCount(t, p, 0)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, r.started())
	p.Stop(time.Second)
}

func TestPoolReload_RollingKeepsCapacity(t *testing.T) {
	r := newMockRunner()
	p := newTestPool(r, testPolicy())

	require.NoError(t, p.Start(testSpecs(3)))
	waitReadyCount(t, p, 3)

	events := p.Watch()
	collected := make(chan []domain.WorkerEvent, 1)
	stop := make(chan struct{})
	go func() {
		var evs []domain.WorkerEvent
		for {
			select {
			case ev := <-events:
				evs = append(evs, ev)
			case <-stop:
				collected <- evs
				return
			}
		}
	}()

	require.NoError(t, p.Reload(testSpecs(3), time.Second))
	waitReadyCount(t, p, 3)
	time.Sleep(20 * time.Millisecond)
	close(stop)
	evs := <-collected

	// Replay the transitions: the observable ready count never drops
	// below pool size minus one.
	states := map[int]domain.WorkerState{0: domain.StateReady, 1: domain.StateReady, 2: domain.StateReady}
	ready := func() int {
		n := 0
		for _, s := range states {
			if s == domain.StateReady {
				n++
			}
		}
		return n
	}
	minReady := 3
	for _, ev := range evs {
		states[ev.Slot] = ev.To
		if n := ready(); n < minReady {
			minReady = n
		}
	}
	require.GreaterOrEqual(t, minReady, 2)

	// Three replacements launched, three old workers stopped.
	require.Equal(t, 6, r.started())
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, r.proc(i).stopped())
	}
	p.Stop(time.Second)
}

func TestPoolReload_SpecCountMismatch(t *testing.T) {
	r := newMockRunner()
	p := newTestPool(r, testPolicy())
	require.NoError(t, p.Start(testSpecs(2)))
	waitReadyCount(t, p, 2)

	require.Error(t, p.Reload(testSpecs(3), time.Second))
	p.Stop(time.Second)
}

func TestPoolReload_CancelsPendingRestart(t *testing.T) {
	policy := testPolicy()
	policy.Backoff = []time.Duration{200 * time.Millisecond}
	r := newMockRunner()
	p := newTestPool(r, policy)
	events := p.Watch()

	require.NoError(t, p.Start(testSpecs(1)))
	waitReadyCount(t, p, 1)

	r.proc(0).exit(errors.New("boom"))
	_, ok := awaitEvent(events, eventWait, func(ev domain.WorkerEvent) bool {
		return ev.To == domain.StateCrashed
	})
	require.True(t, ok, "crash event not observed")

	// Reload lands inside the backoff window of the pending restart.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Reload(testSpecs(1), time.Second))
	waitReadyCount(t, p, 1)

	// The stale restart timer must not launch an extra worker over the
	// replacement: the slot holds exactly the reloaded process.
	time.Sleep(400 * time.Millisecond)
	require.Equal(t, 2, r.started())
	require.Equal(t, 1, p.ReadyCount())

	p.Stop(time.Second)
	require.Equal(t, 1, r.proc(1).stopped())
}

func TestPoolStop_KillsStragglers(t *testing.T) {
	r := newMockRunner()
	r.configure = func(p *mockProcess) { p.ignoreStop = true }
	p := newTestPool(r, testPolicy())

	require.NoError(t, p.Start(testSpecs(2)))
	waitReadyCount(t, p, 2)

	done := make(chan struct{})
	go func() {
		p.Stop(30 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(eventWait):
		t.Fatal("Stop did not return")
	}

	for i := 0; i < 2; i++ {
		require.Equal(t, 1, r.proc(i).stopped())
		require.Equal(t, 1, r.proc(i).killed())
	}
	require.Equal(t, 0, p.ReadyCount())
}

func TestPoolWatch_OrderedTransitions(t *testing.T) {
	r := newMockRunner()
	p := newTestPool(r, testPolicy())
	events := p.Watch()

	require.NoError(t, p.Start(testSpecs(1)))

	first, ok := awaitEvent(events, eventWait, func(domain.WorkerEvent) bool { return true })
	require.True(t, ok)
	require.Equal(t, domain.StateStarting, first.To)

	second, ok := awaitEvent(events, eventWait, func(domain.WorkerEvent) bool { return true })
	require.True(t, ok)
	require.Equal(t, domain.StateReady, second.To)
	require.Equal(t, first.Launch, second.Launch)

	p.Stop(time.Second)

	// Subscriber channel closes once the pool stops.
	_, open := awaitEvent(events, eventWait, func(domain.WorkerEvent) bool { return false })
	require.False(t, open)
}

func TestPoolStop_Idempotent(t *testing.T) {
	r := newMockRunner()
	p := newTestPool(r, testPolicy())
	require.NoError(t, p.Start(testSpecs(1)))
	waitReadyCount(t, p, 1)

	p.Stop(time.Second)
	p.Stop(time.Second) // second call is a no-op
}
