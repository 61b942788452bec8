package lsp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{WithLogger(testLogger())}, opts...)
	c := NewClient(t.TempDir(), "go", fakeServerCommand("serve", nil), opts...)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

// Querying a file that was never opened opens it on the server first; the
// query then succeeds instead of failing with "document not open".
func TestClientAutoOpensBeforeQuery(t *testing.T) {
	c := startTestClient(t)
	path := writeTempFile(t, "main.go", "package main\n\nfunc main() {}\n")

	require.False(t, c.IsOpen(path))

	locs, err := c.References(context.Background(), path, Position{Line: 2, Character: 5}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, locs)
	assert.True(t, c.IsOpen(path))
}

func TestClientConcurrentQueriesOpenOnce(t *testing.T) {
	c := startTestClient(t)
	path := writeTempFile(t, "main.go", "package main")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.References(context.Background(), path, Position{}, false)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "query %d", i)
	}

	version, ok := c.tracker.Version(path)
	require.True(t, ok)
	assert.Equal(t, 1, version, "concurrent opens collapsed into one didOpen")
}

func TestClientDocumentSymbolsCached(t *testing.T) {
	c := startTestClient(t, WithSymbolCacheTTL(time.Minute))
	path := writeTempFile(t, "main.go", "package main")

	first, err := c.DocumentSymbols(context.Background(), path)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := c.DocumentSymbols(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// An edit bumps the version, which misses the cache.
	require.NoError(t, c.SyncFile(context.Background(), path, "package main // v2"))
	third, err := c.DocumentSymbols(context.Background(), path)
	require.NoError(t, err)
	require.NotEmpty(t, third)
}

func TestClientSymbolReferences(t *testing.T) {
	c := startTestClient(t)
	path := writeTempFile(t, "main.go", "package main")

	locs, err := c.SymbolReferences(context.Background(), path, "helper", true)
	require.NoError(t, err)
	assert.NotEmpty(t, locs)

	// Container-qualified lookup finds the same symbol.
	locs, err = c.SymbolReferences(context.Background(), path, "main.helper", true)
	require.NoError(t, err)
	assert.NotEmpty(t, locs)

	_, err = c.SymbolReferences(context.Background(), path, "nonexistent", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestClientSyncAndCloseFile(t *testing.T) {
	c := startTestClient(t)
	path := writeTempFile(t, "main.go", "package main")

	require.NoError(t, c.SyncFile(context.Background(), path, "package main"))
	assert.True(t, c.IsOpen(path))

	require.NoError(t, c.SyncFile(context.Background(), path, "package main // edited"))
	version, _ := c.tracker.Version(path)
	assert.Equal(t, 2, version)

	require.NoError(t, c.CloseFile(context.Background(), path))
	assert.False(t, c.IsOpen(path))
}

func TestClientBatch(t *testing.T) {
	c := startTestClient(t)
	a := writeTempFile(t, "a.go", "package a")
	b := writeTempFile(t, "b.go", "package b")

	results, err := c.Batch(context.Background(), []BatchItem{
		{Path: a, Kind: QueryReferences},
		{Path: b, Kind: QueryDocumentSymbols},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
}

func TestClientLifecycleErrors(t *testing.T) {
	c := NewClient(t.TempDir(), "go", fakeServerCommand("serve", nil), WithLogger(testLogger()))

	_, err := c.References(context.Background(), "/tmp/x.go", Position{}, false)
	assert.ErrorIs(t, err, ErrNotStarted)

	err = c.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start(context.Background()))
	err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, c.Shutdown(context.Background()))
}

func TestClientForUnknownLanguage(t *testing.T) {
	_, err := NewClientForLanguage(t.TempDir(), "cobol")
	assert.ErrorIs(t, err, ErrNoServer)
}
