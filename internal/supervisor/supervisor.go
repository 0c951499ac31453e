// Package supervisor owns the lifecycle state machine for every
// exposed service's tunnel process. It enforces at most one running
// provider process per service and handles crash-restart with capped
// exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/localrunapp/localrun/internal/database"
	"github.com/localrunapp/localrun/internal/provider"
)

// State is the lifecycle state of one service's tunnel.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

var (
	ErrAlreadyRunning = errors.New("service already running")
	ErrNotRunning     = errors.New("service not running")
)

// SpawnError wraps a failed process launch. It is surfaced to the
// operator and never retried automatically.
type SpawnError struct {
	ServiceID uint
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn tunnel process for service %d: %v", e.ServiceID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TunnelProcess is what the supervisor needs from a provider driver.
// *provider.Driver satisfies it; tests substitute fakes.
type TunnelProcess interface {
	Start() (<-chan provider.Event, error)
	Stop(killTimeout time.Duration)
	DiscoversURL() bool
}

// DriverFactory builds a fresh TunnelProcess for each (re)start.
type DriverFactory func(svc database.Service) (TunnelProcess, error)

// Config carries the supervision tunables. All have working defaults
// via DefaultConfig; production values come from the settings env.
type Config struct {
	GracePeriod       time.Duration
	KillTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	CrashCeiling      int
	CrashWindow       time.Duration
	HealthyResetAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:       3 * time.Second,
		KillTimeout:       5 * time.Second,
		BackoffMin:        1 * time.Second,
		BackoffMax:        60 * time.Second,
		CrashCeiling:      5,
		CrashWindow:       2 * time.Minute,
		HealthyResetAfter: 60 * time.Second,
	}
}

// Status is the queryable view of one supervised service. This is the
// single source of truth dashboards read.
type Status struct {
	State     State  `json:"state"`
	PublicURL string `json:"public_url,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Crashes   int    `json:"crashes"`
}

// procRecord is the ephemeral in-memory record for one live tunnel.
// Exactly one may exist per service id; the procs map under mu is the
// enforcement point.
type procRecord struct {
	svc       database.Service
	driver    TunnelProcess
	state     State
	publicURL string
	lastError string
	startedAt time.Time
	crashes   []time.Time
	backoff   time.Duration
	stopping  bool
	cancel    context.CancelFunc
	stopped   chan struct{} // closed when the run loop exits
}

// Supervisor manages all tunnel process records.
type Supervisor struct {
	mu      sync.Mutex
	procs   map[uint]*procRecord
	factory DriverFactory
	cfg     Config

	// OnTransition, when set, receives every externally visible state
	// change; main wires it to the storage write-back.
	OnTransition func(serviceID uint, state State, publicURL, errMsg string)
}

// New builds a Supervisor using the given driver factory.
func New(factory DriverFactory, cfg Config) *Supervisor {
	return &Supervisor{
		procs:   make(map[uint]*procRecord),
		factory: factory,
		cfg:     cfg,
	}
}

// Start launches the tunnel for a service. It returns ErrAlreadyRunning
// when a live process record exists, and a *SpawnError when the first
// launch fails (spawn failures are not retried).
func (s *Supervisor) Start(ctx context.Context, svc database.Service) error {
	s.mu.Lock()
	if existing, ok := s.procs[svc.ID]; ok && existing.state != StateFailed {
		s.mu.Unlock()
		return fmt.Errorf("service %d: %w", svc.ID, ErrAlreadyRunning)
	}

	driver, err := s.factory(svc)
	if err != nil {
		s.mu.Unlock()
		return &SpawnError{ServiceID: svc.ID, Err: err}
	}

	events, err := driver.Start()
	if err != nil {
		// Keep a failed record so Status agrees with the persisted
		// state; Stop or a fresh Start clears it.
		done := make(chan struct{})
		close(done)
		s.procs[svc.ID] = &procRecord{
			svc:       svc,
			state:     StateFailed,
			lastError: err.Error(),
			cancel:    func() {},
			stopped:   done,
		}
		s.mu.Unlock()
		s.notify(svc.ID, StateFailed, "", err.Error())
		return &SpawnError{ServiceID: svc.ID, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := &procRecord{
		svc:       svc,
		driver:    driver,
		state:     StateStarting,
		startedAt: time.Now(),
		backoff:   s.cfg.BackoffMin,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	s.procs[svc.ID] = rec
	s.mu.Unlock()

	s.notify(svc.ID, StateStarting, "", "")
	go s.run(runCtx, rec, events)
	return nil
}

// Stop terminates a service's tunnel. Stopping an already stopped
// service is a no-op. A stop that races a crash-triggered restart
// deterministically leaves the service stopped.
func (s *Supervisor) Stop(serviceID uint) error {
	s.mu.Lock()
	rec, ok := s.procs[serviceID]
	if !ok || rec.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	if rec.state == StateFailed {
		// Failed records linger only so Status can report them.
		delete(s.procs, serviceID)
		s.mu.Unlock()
		return nil
	}
	rec.stopping = true
	rec.state = StateStopping
	driver := rec.driver
	cancel := rec.cancel
	s.mu.Unlock()

	s.notify(serviceID, StateStopping, "", "")
	driver.Stop(s.cfg.KillTimeout)
	// Abort any pending backoff sleep so the run loop observes the
	// stop promptly.
	cancel()
	return nil
}

// StopAll terminates every live tunnel; used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]uint, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			s.Stop(id)
			s.waitStopped(id, 2*s.cfg.KillTimeout)
		}(id)
	}
	wg.Wait()
}

// Status reports the current lifecycle state and public URL for a
// service. Services with no record are stopped.
func (s *Supervisor) Status(serviceID uint) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.procs[serviceID]
	if !ok {
		return Status{State: StateStopped}
	}
	return Status{
		State:     rec.state,
		PublicURL: rec.publicURL,
		LastError: rec.lastError,
		Crashes:   len(rec.crashes),
	}
}

// Running returns the ids of all services with a live process record.
func (s *Supervisor) Running() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uint
	for id, rec := range s.procs {
		if rec.state == StateRunning || rec.state == StateStarting {
			ids = append(ids, id)
		}
	}
	return ids
}

// run is the per-service pump: it consumes driver events, applies the
// state machine, and restarts crashed processes with backoff until the
// crash ceiling or a manual stop.
func (s *Supervisor) run(ctx context.Context, rec *procRecord, events <-chan provider.Event) {
	defer close(rec.stopped)

	for {
		exitCode, sawExit := s.pump(ctx, rec, events)
		if !sawExit {
			// Context cancelled mid-pump; drain and treat as stopped.
			go drain(events)
		}

		s.mu.Lock()
		if rec.stopping || !sawExit {
			rec.state = StateStopped
			delete(s.procs, rec.svc.ID)
			s.mu.Unlock()
			s.notify(rec.svc.ID, StateStopped, "", "")
			return
		}

		// Unexpected exit: crash accounting.
		now := time.Now()
		if now.Sub(rec.startedAt) >= s.cfg.HealthyResetAfter {
			// A sustained healthy run forgives earlier crashes.
			rec.crashes = rec.crashes[:0]
			rec.backoff = s.cfg.BackoffMin
		}
		rec.crashes = append(rec.crashes, now)
		rec.crashes = pruneOld(rec.crashes, now.Add(-s.cfg.CrashWindow))

		if len(rec.crashes) >= s.cfg.CrashCeiling {
			rec.state = StateFailed
			errMsg := fmt.Sprintf("crashed %d times within %s (last exit code %d)",
				len(rec.crashes), s.cfg.CrashWindow, exitCode)
			rec.lastError = errMsg
			s.mu.Unlock()
			log.Printf("[supervisor] service %d: %s, giving up", rec.svc.ID, errMsg)
			s.notify(rec.svc.ID, StateFailed, "", errMsg)
			return
		}

		rec.state = StateCrashed
		backoff := rec.backoff
		rec.backoff *= 2
		if rec.backoff > s.cfg.BackoffMax {
			rec.backoff = s.cfg.BackoffMax
		}
		crashes := len(rec.crashes)
		s.mu.Unlock()

		log.Printf("[supervisor] service %d: process exited (code %d, crash %d), restarting in %s",
			rec.svc.ID, exitCode, crashes, backoff)
		s.notify(rec.svc.ID, StateCrashed, "", fmt.Sprintf("exit code %d", exitCode))

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}

		s.mu.Lock()
		if rec.stopping || ctx.Err() != nil {
			rec.state = StateStopped
			delete(s.procs, rec.svc.ID)
			s.mu.Unlock()
			s.notify(rec.svc.ID, StateStopped, "", "")
			return
		}

		driver, err := s.factory(rec.svc)
		if err == nil {
			events, err = driver.Start()
		}
		if err != nil {
			rec.state = StateFailed
			rec.lastError = err.Error()
			s.mu.Unlock()
			log.Printf("[supervisor] service %d: restart spawn failed: %v", rec.svc.ID, err)
			s.notify(rec.svc.ID, StateFailed, "", err.Error())
			return
		}
		rec.driver = driver
		rec.state = StateStarting
		rec.startedAt = time.Now()
		s.mu.Unlock()
		s.notify(rec.svc.ID, StateStarting, "", "")
	}
}

// pump consumes one process generation's events until exit. It returns
// the exit code and whether an exit was observed (false means the
// context was cancelled first).
func (s *Supervisor) pump(ctx context.Context, rec *procRecord, events <-chan provider.Event) (int, bool) {
	var grace <-chan time.Time
	if !rec.driver.DiscoversURL() {
		// No URL will ever appear; consider the tunnel up once the
		// process survives the grace period.
		grace = time.After(s.cfg.GracePeriod)
	}

	for {
		select {
		case <-ctx.Done():
			return 0, false

		case <-grace:
			grace = nil
			s.mu.Lock()
			if rec.state == StateStarting && !rec.stopping {
				rec.state = StateRunning
				s.mu.Unlock()
				s.notify(rec.svc.ID, StateRunning, "", "")
			} else {
				s.mu.Unlock()
			}

		case ev, ok := <-events:
			if !ok {
				// Closed without EventExit should not happen; treat
				// as a crash with unknown code.
				return -1, true
			}
			switch ev.Kind {
			case provider.EventURL:
				s.mu.Lock()
				rec.publicURL = ev.URL
				transition := rec.state == StateStarting && !rec.stopping
				if transition {
					rec.state = StateRunning
				}
				s.mu.Unlock()
				if transition {
					log.Printf("[supervisor] service %d: tunnel up at %s", rec.svc.ID, ev.URL)
					s.notify(rec.svc.ID, StateRunning, ev.URL, "")
				}
			case provider.EventError:
				s.mu.Lock()
				rec.lastError = ev.Err
				s.mu.Unlock()
				log.Printf("[supervisor] service %d: provider error: %s", rec.svc.ID, ev.Err)
			case provider.EventExit:
				return ev.Code, true
			}
		}
	}
}

// waitStopped blocks until the service's run loop exits or the timeout
// elapses.
func (s *Supervisor) waitStopped(serviceID uint, timeout time.Duration) {
	s.mu.Lock()
	rec, ok := s.procs[serviceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-rec.stopped:
	case <-time.After(timeout):
	}
}

func (s *Supervisor) notify(serviceID uint, state State, url, errMsg string) {
	if s.OnTransition != nil {
		s.OnTransition(serviceID, state, url, errMsg)
	}
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	keep := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	return keep
}

func drain(events <-chan provider.Event) {
	for range events {
	}
}
