package lsp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestarts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
		ResetWindow:       time.Hour,
	}
}

func waitForEvent(t *testing.T, events <-chan SupervisorEvent, want SupervisorEventType) SupervisorEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", want)
		}
	}
}

func TestSupervisorStartStop(t *testing.T) {
	sup := NewSupervisor(fakeServerCommand("serve", nil), "go", fastSupervisorConfig(), testLogger())

	require.NoError(t, sup.Start(context.Background(), nil))
	assert.Equal(t, SupervisorStateRunning, sup.State())
	assert.True(t, sup.Available())

	srv, err := sup.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ServerStatusReady, srv.Status())

	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, SupervisorStateStopped, sup.State())
	assert.False(t, sup.Available())

	_, err = sup.Await(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
}

// Spawn failures are permanent: no retries, straight to Terminated.
func TestSupervisorSpawnFailureNotRetried(t *testing.T) {
	config := ServerConfig{Command: "codescope-no-such-binary"}
	sup := NewSupervisor(config, "go", fastSupervisorConfig(), testLogger())

	err := sup.Start(context.Background(), nil)
	require.Error(t, err)

	var spawnErr *SpawnError
	assert.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, SupervisorStateTerminated, sup.State())

	_, err = sup.Await(context.Background())
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestSupervisorRecoversFromCrash(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed-once")
	sup := NewSupervisor(
		fakeServerCommand("crash-once", map[string]string{"LSP_FAKE_MARKER": marker}),
		"go", fastSupervisorConfig(), testLogger())

	tracker, err := NewDocumentTracker(8, testLogger())
	require.NoError(t, err)
	sup.SetResync(func(ctx context.Context, srv *Server) {
		tracker.Resync(ctx, srv)
	})

	require.NoError(t, sup.Start(context.Background(), nil))
	defer sup.Stop(context.Background())

	srv, err := sup.Await(context.Background())
	require.NoError(t, err)

	path := writeTempFile(t, "main.go", "package main")
	require.NoError(t, tracker.Sync(srv, path, "package main"))

	// First request kills this incarnation.
	_, err = srv.References(context.Background(), FilePathToURI(path), Position{}, false)
	require.Error(t, err)

	events := sup.Events()
	waitForEvent(t, events, SupervisorEventCrash)
	waitForEvent(t, events, SupervisorEventRecovered)
	assert.Equal(t, SupervisorStateRunning, sup.State())

	// The replacement server has the document resynced, so the query works
	// without reopening.
	srv, err = sup.Await(context.Background())
	require.NoError(t, err)
	locs, err := srv.References(context.Background(), FilePathToURI(path), Position{}, false)
	require.NoError(t, err)
	assert.Len(t, locs, 1)
}

// Exhausting the restart budget terminates supervision; every later caller
// gets ErrServerUnavailable.
func TestSupervisorRestartBudgetExhaustion(t *testing.T) {
	config := fastSupervisorConfig()
	config.MaxRestarts = 1

	sup := NewSupervisor(fakeServerCommand("crash-on-request", nil), "go", config, testLogger())
	require.NoError(t, sup.Start(context.Background(), nil))
	defer sup.Stop(context.Background())

	deadline := time.Now().Add(10 * time.Second)
	for sup.State() != SupervisorStateTerminated {
		require.True(t, time.Now().Before(deadline), "supervisor never terminated")
		if srv := sup.Server(); srv != nil && srv.Status() == ServerStatusReady {
			// Each poke kills the current incarnation.
			srv.References(context.Background(), "file:///tmp/x.go", Position{}, false)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err := sup.Await(context.Background())
	assert.ErrorIs(t, err, ErrServerUnavailable)
	assert.False(t, sup.Available())
}

// A Stop that lands while a crash recovery is mid-resync wins: the
// supervisor stays Stopped instead of flipping back to Running.
func TestSupervisorStopDuringRecoveryStaysStopped(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed-once")
	sup := NewSupervisor(
		fakeServerCommand("crash-once", map[string]string{"LSP_FAKE_MARKER": marker}),
		"go", fastSupervisorConfig(), testLogger())

	resyncStarted := make(chan struct{})
	stopDone := make(chan struct{})
	sup.SetResync(func(ctx context.Context, srv *Server) {
		close(resyncStarted)
		select {
		case <-stopDone:
		case <-ctx.Done():
		}
	})

	require.NoError(t, sup.Start(context.Background(), nil))

	srv, err := sup.Await(context.Background())
	require.NoError(t, err)
	srv.References(context.Background(), "file:///tmp/x.go", Position{}, false)

	select {
	case <-resyncStarted:
	case <-time.After(10 * time.Second):
		t.Fatal("recovery never reached resync")
	}

	require.NoError(t, sup.Stop(context.Background()))
	close(stopDone)

	// The recovery goroutine finishes its tail in this window; the state
	// must hold at Stopped throughout.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.Equal(t, SupervisorStateStopped, sup.State())
		time.Sleep(10 * time.Millisecond)
	}

	_, err = sup.Await(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
	assert.False(t, sup.Available())
}

// Await parks callers during a restart and releases them on recovery.
func TestSupervisorAwaitRidesOutRestart(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed-once")
	sup := NewSupervisor(
		fakeServerCommand("crash-once", map[string]string{"LSP_FAKE_MARKER": marker}),
		"go", fastSupervisorConfig(), testLogger())

	require.NoError(t, sup.Start(context.Background(), nil))
	defer sup.Stop(context.Background())

	srv, err := sup.Await(context.Background())
	require.NoError(t, err)

	// Trigger the crash, then immediately wait for readiness.
	srv.References(context.Background(), "file:///tmp/x.go", Position{}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fresh, err := sup.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, ServerStatusReady, fresh.Status())
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"zeroth attempt", 0, time.Second},
		{"first attempt", 1, time.Second},
		{"second attempt", 2, 2 * time.Second},
		{"third attempt", 3, 4 * time.Second},
		{"capped", 10, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateBackoff(tt.attempt, time.Second, 60*time.Second, 2.0)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSupervisorStateStrings(t *testing.T) {
	assert.Equal(t, "idle", SupervisorStateIdle.String())
	assert.Equal(t, "running", SupervisorStateRunning.String())
	assert.Equal(t, "degraded", SupervisorStateDegraded.String())
	assert.Equal(t, "terminated", SupervisorStateTerminated.String())
	assert.Equal(t, "stopped", SupervisorStateStopped.String())
	assert.Equal(t, "unknown", SupervisorState(99).String())
}

func TestDefaultSupervisorConfig(t *testing.T) {
	cfg := DefaultSupervisorConfig()
	assert.Equal(t, 5, cfg.MaxRestarts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 60*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 5*time.Minute, cfg.ResetWindow)
}
