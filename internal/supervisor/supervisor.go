// Package supervisor keeps the long-running transport, pipeline and bridge
// workers alive. Each worker is a named Run function plus an optional
// health probe; the supervisor polls liveness at a fixed interval and
// relaunches crashed workers immediately and unconditionally. Recovery is
// uniform: anything that breaks a worker crashes it, and the dumping
// queues absorb the restart gap by shedding stale data.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/openrover/fieldlink/internal/events"
)

// ErrUnknownWorker is returned for operations on an unregistered name.
var ErrUnknownWorker = errors.New("unknown worker")

// Worker is one supervised unit of concurrent execution.
type Worker struct {
	// Name identifies the worker in the registry, logs and events.
	Name string

	// Run executes the worker until ctx is cancelled or a fatal error
	// occurs. A non-nil return (or any return before cancellation) is a
	// crash; the worker must be idempotent to restart.
	Run func(ctx context.Context) error

	// Health optionally probes liveness beyond "Run has not returned".
	// Returning false crashes the worker on the next poll. Nil means the
	// goroutine's own lifetime is the liveness signal.
	Health func() bool
}

// Options configures a Supervisor.
type Options struct {
	// PollInterval is the liveness polling cadence. Low single-digit
	// seconds: a trade-off between CPU overhead and recovery latency.
	PollInterval time.Duration

	// GracePeriod bounds the wait for a worker to stop cooperatively
	// before it is abandoned.
	GracePeriod time.Duration

	// Logger for supervisor operations. If nil, uses slog.Default().
	Logger *slog.Logger

	// Bus receives WorkerStateChangedEvents when set.
	Bus *events.Bus

	// NotifyWatchdog pings the systemd watchdog from the poll loop.
	NotifyWatchdog bool
}

// managed tracks one registered worker and its live instance.
type managed struct {
	worker    Worker
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	restarts  int
	lastErr   error
}

// Supervisor owns the worker registry. All registry mutation goes through
// its synchronized API; there are no ambient globals.
type Supervisor struct {
	opts    Options
	mu      sync.Mutex
	workers map[string]*managed
	order   []string
	logger  *slog.Logger
}

// New creates a supervisor. Zero options get defaults: 2s poll, 5s grace.
func New(opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		opts:    opts,
		workers: make(map[string]*managed),
		logger:  logger,
	}
}

// Register adds a worker to the registry in the stopped state. Returns an
// error if the name is already taken.
func (s *Supervisor) Register(w Worker) error {
	if w.Name == "" || w.Run == nil {
		return fmt.Errorf("worker needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[w.Name]; exists {
		return fmt.Errorf("worker %s already registered", w.Name)
	}
	s.workers[w.Name] = &managed{worker: w, state: StateStopped}
	s.order = append(s.order, w.Name)
	return nil
}

// Run starts every registered worker, then polls liveness until ctx is
// cancelled. On cancellation all workers are stopped cooperatively within
// the grace period and Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	s.mu.Unlock()

	for _, name := range names {
		s.start(ctx, name)
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Supervisor shutting down")
			s.stopAll()
			return nil
		case <-ticker.C:
			s.poll(ctx)
			if s.opts.NotifyWatchdog {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}

// start launches one worker instance. No-op unless the worker is stopped
// or crashed, so at most one live instance exists per name.
func (s *Supervisor) start(ctx context.Context, name string) {
	s.mu.Lock()
	m, exists := s.workers[name]
	if !exists || (m.state != StateStopped && m.state != StateCrashed) {
		s.mu.Unlock()
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	oldState := m.state
	m.state = StateStarting
	m.cancel = cancel
	m.done = done
	m.startedAt = time.Now()
	run := m.worker.Run
	s.mu.Unlock()

	s.notify(name, oldState, StateStarting, nil)

	go func() {
		defer close(done)

		s.transition(name, StateRunning, nil)
		err := run(workerCtx)

		s.mu.Lock()
		m := s.workers[name]
		if m.done != done {
			// A replacement instance was launched after this one was
			// abandoned past the grace period. Its state is not ours to
			// touch.
			s.mu.Unlock()
			return
		}
		oldState := m.state
		var newState State
		switch {
		case oldState == StateCrashed:
			// A health-probe crash was already recorded for this instance.
			newState = StateCrashed
		case workerCtx.Err() != nil:
			newState = StateStopped
		default:
			// Returned while still wanted: that is a crash, whatever the
			// error value.
			newState = StateCrashed
			if err == nil {
				err = errors.New("worker returned unexpectedly")
			}
			m.lastErr = err
		}
		m.state = newState
		s.mu.Unlock()

		if oldState == StateCrashed && newState == StateCrashed {
			return
		}
		if newState == StateCrashed {
			s.logger.Error("Worker crashed", "worker", name, "error", err)
		}
		s.notify(name, oldState, newState, err)
	}()
}

// poll performs one liveness pass: health-probe running workers, then
// relaunch everything crashed. Crashed -> Starting is immediate and
// unconditional; there is no backoff and no retry limit.
func (s *Supervisor) poll(ctx context.Context) {
	s.mu.Lock()
	var unhealthy, crashed []string
	for name, m := range s.workers {
		switch m.state {
		case StateRunning:
			if m.worker.Health != nil && !m.worker.Health() {
				unhealthy = append(unhealthy, name)
			}
		case StateCrashed:
			crashed = append(crashed, name)
		}
	}
	s.mu.Unlock()

	for _, name := range unhealthy {
		s.logger.Warn("Worker health probe failed", "worker", name)
		s.crash(name)
		crashed = append(crashed, name)
	}

	for _, name := range crashed {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		m := s.workers[name]
		if m.state != StateCrashed {
			s.mu.Unlock()
			continue
		}
		m.restarts++
		restarts := m.restarts
		s.mu.Unlock()

		s.logger.Info("Restarting worker", "worker", name, "restarts", restarts)
		s.start(ctx, name)
	}
}

// crash cancels a running worker and waits for it to exit, leaving it in
// the crashed state ready for relaunch.
func (s *Supervisor) crash(name string) {
	s.mu.Lock()
	m, exists := s.workers[name]
	if !exists || m.state != StateRunning {
		s.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(s.opts.GracePeriod):
		s.logger.Warn("Worker did not stop within grace period", "worker", name)
	}

	probeErr := errors.New("health probe failed")
	s.mu.Lock()
	oldState := m.state
	m.state = StateCrashed
	m.lastErr = probeErr
	s.mu.Unlock()
	s.notify(name, oldState, StateCrashed, probeErr)
}

// Restart crashes and relaunches a worker on demand (config reload,
// remote control message).
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	s.mu.Lock()
	m, exists := s.workers[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	state := m.state
	cancel := m.cancel
	done := m.done
	s.mu.Unlock()

	if state == StateRunning || state == StateStarting {
		cancel()
		select {
		case <-done:
		case <-time.After(s.opts.GracePeriod):
			s.logger.Warn("Worker did not stop within grace period", "worker", name)
		}
		s.mu.Lock()
		m.state = StateCrashed
		m.restarts++
		s.mu.Unlock()
	}

	s.start(ctx, name)
	return nil
}

// stopAll signals every worker to terminate and waits a bounded grace
// period per the shutdown contract. Workers that ignore cancellation are
// abandoned, not blocked on.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	type stopping struct {
		name string
		done chan struct{}
	}
	var toStop []stopping
	for name, m := range s.workers {
		if m.state == StateRunning || m.state == StateStarting {
			oldState := m.state
			m.state = StateStopping
			m.cancel()
			toStop = append(toStop, stopping{name, m.done})
			go s.notify(name, oldState, StateStopping, nil)
		}
	}
	s.mu.Unlock()

	deadline := time.After(s.opts.GracePeriod)
	for _, w := range toStop {
		select {
		case <-w.done:
		case <-deadline:
			s.logger.Warn("Worker abandoned at shutdown", "worker", w.name)
		}
	}

	s.mu.Lock()
	for _, m := range s.workers {
		m.state = StateStopped
	}
	s.mu.Unlock()
	s.logger.Info("All workers stopped")
}

// Status returns worker info. Unknown names report a stopped worker.
func (s *Supervisor) Status(name string) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.workers[name]
	if !exists {
		return Info{Name: name, State: StateStopped}
	}
	return Info{
		Name:      name,
		State:     m.state,
		StartedAt: m.startedAt,
		Restarts:  m.restarts,
		LastError: m.lastErr,
	}
}

// Workers lists the registered worker names in registration order.
func (s *Supervisor) Workers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// transition updates a worker's state and publishes the change.
func (s *Supervisor) transition(name string, newState State, err error) {
	s.mu.Lock()
	m, exists := s.workers[name]
	if !exists {
		s.mu.Unlock()
		return
	}
	oldState := m.state
	m.state = newState
	s.mu.Unlock()

	s.notify(name, oldState, newState, err)
}

// notify publishes a state change on the event bus and logs it.
func (s *Supervisor) notify(name string, oldState, newState State, err error) {
	s.logger.Debug("Worker state change", "worker", name, "from", oldState, "to", newState)

	if s.opts.Bus == nil {
		return
	}
	ev := events.WorkerStateChangedEvent{
		Worker:    name,
		OldState:  string(oldState),
		NewState:  string(newState),
		Restarts:  s.Status(name).Restarts,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.opts.Bus.Publish(ev)
}
