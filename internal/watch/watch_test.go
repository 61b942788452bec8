package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codescope/internal/lsp"
)

type fakeSyncer struct {
	mu     sync.Mutex
	synced map[string]string
	syncs  int
	closed []string
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{synced: map[string]string{}}
}

func (s *fakeSyncer) SyncFile(_ context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced[path] = content
	s.syncs++
	return nil
}

func (s *fakeSyncer) CloseFile(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, path)
	return lsp.ErrDocumentNotOpen
}

func (s *fakeSyncer) content(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.synced[path]
	return c, ok
}

func (s *fakeSyncer) syncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

func (s *fakeSyncer) closedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

func startWatcher(t *testing.T, root string, syncer Syncer, ignore ...string) *Watcher {
	t.Helper()

	w, err := New(root, syncer, Options{
		Ignore:   ignore,
		Debounce: 50 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case event := <-w.Events():
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return Event{}
	}
}

func TestWatcherSyncsNewFile(t *testing.T) {
	root := t.TempDir()
	syncer := newFakeSyncer()
	w := startWatcher(t, root, syncer)

	path := filepath.Join(root, "hello.go")
	require.NoError(t, os.WriteFile(path, []byte("package hello\n"), 0o644))

	event := waitEvent(t, w)
	assert.Equal(t, FileModified, event.Kind)
	assert.Equal(t, "hello.go", event.Rel)
	assert.NoError(t, event.Err)

	content, ok := syncer.content(path)
	require.True(t, ok)
	assert.Equal(t, "package hello\n", content)
}

func TestWatcherDebouncesBurst(t *testing.T) {
	root := t.TempDir()
	syncer := newFakeSyncer()
	w := startWatcher(t, root, syncer)

	path := filepath.Join(root, "burst.py")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("x = 1\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	event := waitEvent(t, w)
	assert.Equal(t, FileModified, event.Kind)
	assert.Equal(t, 1, syncer.syncCount(), "burst of writes settles into one sync")
}

func TestWatcherClosesRemovedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.go")
	require.NoError(t, os.WriteFile(path, []byte("package gone\n"), 0o644))

	syncer := newFakeSyncer()
	w := startWatcher(t, root, syncer)

	require.NoError(t, os.Remove(path))

	event := waitEvent(t, w)
	assert.Equal(t, FileRemoved, event.Kind)
	assert.NoError(t, event.Err, "closing an untracked document is not a failure")
	assert.Equal(t, []string{path}, syncer.closedPaths())
}

func TestWatcherIgnoresPatternsAndNonSource(t *testing.T) {
	root := t.TempDir()
	syncer := newFakeSyncer()
	w := startWatcher(t, root, syncer, "**/*_gen.go")

	require.NoError(t, os.WriteFile(filepath.Join(root, "api_gen.go"), []byte("package gen\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hi\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.go"), []byte("package keep\n"), 0o644))

	event := waitEvent(t, w)
	assert.Equal(t, "keep.go", event.Rel)

	_, ok := syncer.content(filepath.Join(root, "api_gen.go"))
	assert.False(t, ok)
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	syncer := newFakeSyncer()
	w := startWatcher(t, root, syncer)

	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the watcher a moment to register the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "sub.go"), []byte("package pkg\n"), 0o644))

	event := waitEvent(t, w)
	assert.Equal(t, "pkg/sub.go", event.Rel)
}

func TestWatcherRejectsInvalidIgnorePattern(t *testing.T) {
	_, err := New(t.TempDir(), newFakeSyncer(), Options{Ignore: []string{"[bad"}})
	assert.Error(t, err)
}
