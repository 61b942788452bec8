package lsp

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// SupervisorState represents the state of a supervised server.
type SupervisorState int

const (
	// SupervisorStateIdle means supervision has not started.
	SupervisorStateIdle SupervisorState = iota
	// SupervisorStateRunning means the server is up and serving requests.
	SupervisorStateRunning
	// SupervisorStateDegraded means the server crashed and a restart is in
	// progress; callers may wait for recovery.
	SupervisorStateDegraded
	// SupervisorStateTerminated means the restart budget is exhausted. All
	// current and future callers get ErrServerUnavailable.
	SupervisorStateTerminated
	// SupervisorStateStopped means the supervisor was explicitly stopped.
	SupervisorStateStopped
)

// String returns a human-readable state name.
func (s SupervisorState) String() string {
	switch s {
	case SupervisorStateIdle:
		return "idle"
	case SupervisorStateRunning:
		return "running"
	case SupervisorStateDegraded:
		return "degraded"
	case SupervisorStateTerminated:
		return "terminated"
	case SupervisorStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SupervisorConfig configures crash recovery.
type SupervisorConfig struct {
	// MaxRestarts is the restart budget before giving up. Default: 5
	MaxRestarts int

	// InitialBackoff is the delay before the first restart. Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff growth. Default: 60s
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each failure. Default: 2.0
	BackoffMultiplier float64

	// ResetWindow is how long the server must run before the restart count
	// resets. Default: 5 minutes
	ResetWindow time.Duration
}

// DefaultSupervisorConfig returns the default recovery policy.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestarts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		ResetWindow:       5 * time.Minute,
	}
}

// SupervisorEventType identifies the type of supervisor event.
type SupervisorEventType int

const (
	// SupervisorEventCrash indicates the server exited unexpectedly.
	SupervisorEventCrash SupervisorEventType = iota
	// SupervisorEventRestarting indicates a restart attempt is scheduled.
	SupervisorEventRestarting
	// SupervisorEventRecovered indicates the server is serving again.
	SupervisorEventRecovered
	// SupervisorEventTerminated indicates the restart budget is exhausted.
	SupervisorEventTerminated
)

// String returns a human-readable event type name.
func (t SupervisorEventType) String() string {
	switch t {
	case SupervisorEventCrash:
		return "crash"
	case SupervisorEventRestarting:
		return "restarting"
	case SupervisorEventRecovered:
		return "recovered"
	case SupervisorEventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SupervisorEvent reports a lifecycle transition to observers.
type SupervisorEvent struct {
	Type       SupervisorEventType
	LanguageID string
	Error      error
	Attempt    int
	NextRetry  time.Duration
}

// ResyncFunc re-establishes client state on a freshly restarted server,
// typically by re-opening tracked documents.
type ResyncFunc func(ctx context.Context, srv *Server)

// Supervisor monitors one language server and restarts it after crashes with
// exponential backoff. Open documents are resynced onto the new instance via
// the registered ResyncFunc. When the restart budget runs out the supervisor
// terminates and every current and future caller gets ErrServerUnavailable.
//
// Thread safety: state reads are lock-free (atomic); server management is
// guarded by mu.
type Supervisor struct {
	mu sync.Mutex

	config       SupervisorConfig
	serverConfig ServerConfig
	languageID   string
	logger       *slog.Logger

	server  *Server
	folders []WorkspaceFolder
	resync  ResyncFunc

	state        atomic.Int32
	restartCount int
	lastStart    time.Time

	// readyCh is closed while Running and replaced when the server goes
	// down, so Await can block across a restart.
	readyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// eventMu serializes event emission against the close of eventCh.
	eventMu   sync.Mutex
	eventCh   chan SupervisorEvent
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSupervisor creates a supervisor for the given server configuration.
func NewSupervisor(serverConfig ServerConfig, languageID string, config SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		config:       config,
		serverConfig: serverConfig,
		languageID:   languageID,
		logger:       logger.With("lang", languageID),
		readyCh:      make(chan struct{}),
		eventCh:      make(chan SupervisorEvent, 16),
	}
	s.state.Store(int32(SupervisorStateIdle))
	return s
}

// SetResync registers the document resync hook. Must be called before Start.
func (s *Supervisor) SetResync(fn ResyncFunc) {
	s.mu.Lock()
	s.resync = fn
	s.mu.Unlock()
}

// Start starts the server and begins supervision. A spawn failure is
// returned immediately and is not retried.
func (s *Supervisor) Start(ctx context.Context, folders []WorkspaceFolder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if SupervisorState(s.state.Load()) != SupervisorStateIdle {
		return ErrAlreadyStarted
	}

	s.folders = folders
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.startServerLocked(); err != nil {
		s.state.Store(int32(SupervisorStateTerminated))
		return err
	}

	s.becomeRunningLocked()
	go s.monitor()
	return nil
}

// startServerLocked starts a fresh server instance. Must hold mu.
func (s *Supervisor) startServerLocked() error {
	server := NewServer(s.serverConfig, s.languageID, s.logger)
	if err := server.Start(s.ctx, s.folders); err != nil {
		return err
	}
	s.server = server
	s.lastStart = time.Now()
	return nil
}

// becomeRunningLocked flips to Running and releases Await waiters.
func (s *Supervisor) becomeRunningLocked() {
	s.state.Store(int32(SupervisorStateRunning))
	close(s.readyCh)
}

// becomeDegradedLocked flips to Degraded and arms a fresh readiness gate.
func (s *Supervisor) becomeDegradedLocked() {
	s.state.Store(int32(SupervisorStateDegraded))
	s.readyCh = make(chan struct{})
}

// monitor is the supervision loop: wait for exit, then recover or terminate.
func (s *Supervisor) monitor() {
	for {
		s.mu.Lock()
		server := s.server
		s.mu.Unlock()
		if server == nil {
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case exitErr := <-server.Exit():
			if !s.handleCrashWithRetry(exitErr) {
				return
			}
		}
	}
}

// handleCrashWithRetry restarts the server with backoff. Returns true on
// recovery, false when terminated or stopped.
func (s *Supervisor) handleCrashWithRetry(initialErr error) bool {
	exitErr := initialErr

	for {
		s.mu.Lock()

		if SupervisorState(s.state.Load()) == SupervisorStateStopped {
			s.mu.Unlock()
			return false
		}

		if time.Since(s.lastStart) > s.config.ResetWindow {
			s.restartCount = 0
		}
		s.restartCount++

		s.logger.Warn("language server crashed",
			"error", exitErr, "attempt", s.restartCount)
		s.emitEvent(SupervisorEvent{
			Type:       SupervisorEventCrash,
			LanguageID: s.languageID,
			Error:      exitErr,
			Attempt:    s.restartCount,
		})

		// A missing binary will not heal; retrying spawn failures only
		// burns the budget.
		var spawnErr *SpawnError
		if s.restartCount > s.config.MaxRestarts || errors.As(exitErr, &spawnErr) {
			s.terminateLocked(exitErr)
			s.mu.Unlock()
			return false
		}

		delay := CalculateBackoff(
			s.restartCount,
			s.config.InitialBackoff,
			s.config.MaxBackoff,
			s.config.BackoffMultiplier,
		)

		s.becomeDegradedLocked()
		s.emitEvent(SupervisorEvent{
			Type:       SupervisorEventRestarting,
			LanguageID: s.languageID,
			Attempt:    s.restartCount,
			NextRetry:  delay,
		})
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}

		s.mu.Lock()
		if SupervisorState(s.state.Load()) == SupervisorStateStopped {
			s.mu.Unlock()
			return false
		}

		if err := s.startServerLocked(); err != nil {
			exitErr = err
			s.mu.Unlock()
			continue
		}

		resync := s.resync
		server := s.server
		s.mu.Unlock()

		// Resync outside mu: it issues requests on the new server.
		if resync != nil {
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			resync(ctx, server)
			cancel()
		}

		s.mu.Lock()
		// Stop may have raced the resync window; it already took ownership
		// of the new server and shut it down, so stay Stopped.
		if SupervisorState(s.state.Load()) == SupervisorStateStopped {
			s.mu.Unlock()
			return false
		}
		s.becomeRunningLocked()
		s.emitEvent(SupervisorEvent{
			Type:       SupervisorEventRecovered,
			LanguageID: s.languageID,
			Attempt:    s.restartCount,
		})
		s.mu.Unlock()

		s.logger.Info("language server recovered", "attempt", s.restartCount)
		return true
	}
}

// terminateLocked enters the terminal failure state. Must hold mu.
func (s *Supervisor) terminateLocked(err error) {
	s.state.Store(int32(SupervisorStateTerminated))
	s.logger.Error("language server terminated, restart budget exhausted",
		"error", err, "attempts", s.restartCount)
	s.emitEvent(SupervisorEvent{
		Type:       SupervisorEventTerminated,
		LanguageID: s.languageID,
		Error:      err,
		Attempt:    s.restartCount,
	})
}

// emitEvent sends an event without blocking; full channels drop events.
// eventMu keeps the closed check and the send atomic with respect to Stop
// closing the channel.
func (s *Supervisor) emitEvent(event SupervisorEvent) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.eventCh <- event:
	default:
	}
}

// Stop stops the supervisor and shuts the server down.
func (s *Supervisor) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	state := SupervisorState(s.state.Load())
	if state == SupervisorStateStopped || state == SupervisorStateIdle {
		s.mu.Unlock()
		return nil
	}

	s.state.Store(int32(SupervisorStateStopped))
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.closeOnce.Do(func() {
		s.eventMu.Lock()
		s.closed.Store(true)
		close(s.eventCh)
		s.eventMu.Unlock()
	})

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// State returns the current supervisor state.
func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

// Available reports whether requests can currently be served, without
// waiting. The batch scheduler uses this to fail unscheduled work fast.
func (s *Supervisor) Available() bool {
	if s.State() != SupervisorStateRunning {
		return false
	}
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	return server != nil && server.Status() == ServerStatusReady
}

// Await blocks until the server is Running, ctx is cancelled, or the
// supervisor reaches a terminal state. Direct callers use this to ride out a
// restart instead of failing.
func (s *Supervisor) Await(ctx context.Context) (*Server, error) {
	for {
		s.mu.Lock()
		state := SupervisorState(s.state.Load())
		server := s.server
		ready := s.readyCh
		s.mu.Unlock()

		switch state {
		case SupervisorStateRunning:
			if server != nil {
				return server, nil
			}
		case SupervisorStateTerminated:
			return nil, ErrServerUnavailable
		case SupervisorStateStopped:
			return nil, ErrShutdown
		case SupervisorStateIdle:
			return nil, ErrNotStarted
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ctx.Done():
			return nil, ErrShutdown
		case <-ready:
		}
	}
}

// Server returns the current server instance (nil while degraded).
func (s *Supervisor) Server() *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// RestartCount returns the restart attempts since the last reset.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// Events returns the supervisor's event stream. The channel is closed when
// the supervisor stops.
func (s *Supervisor) Events() <-chan SupervisorEvent {
	return s.eventCh
}

// LanguageID returns the language this supervisor handles.
func (s *Supervisor) LanguageID() string {
	return s.languageID
}

// SupervisorStats is a snapshot of supervision counters.
type SupervisorStats struct {
	State          SupervisorState
	RestartCount   int
	LastStartTime  time.Time
	CurrentBackoff time.Duration
}

// Stats returns current supervision statistics.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.Lock()
	restartCount := s.restartCount
	lastStart := s.lastStart
	s.mu.Unlock()

	return SupervisorStats{
		State:         SupervisorState(s.state.Load()),
		RestartCount:  restartCount,
		LastStartTime: lastStart,
		CurrentBackoff: CalculateBackoff(
			restartCount,
			s.config.InitialBackoff,
			s.config.MaxBackoff,
			s.config.BackoffMultiplier,
		),
	}
}

// CalculateBackoff computes the delay before a given restart attempt.
// Attempts 0 and 1 use the initial delay; later attempts grow exponentially
// up to max.
func CalculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
