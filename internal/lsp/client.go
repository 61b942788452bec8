package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Client is the high-level entry point for semantic queries. It owns one
// supervised language server, the document tracker, and the batch scheduler,
// and opens files on the server lazily as queries touch them.
type Client struct {
	root       string
	languageID string
	config     ServerConfig
	supConfig  SupervisorConfig
	logger     *slog.Logger

	capacity    int
	concurrency int
	symbolTTL   time.Duration

	sup       *Supervisor
	tracker   *DocumentTracker
	scheduler *BatchScheduler

	// openGroup collapses concurrent lazy opens of the same file into one
	// read-and-sync.
	openGroup singleflight.Group

	// symbolCache holds documentSymbol results keyed by (uri, version).
	symbolCache *gocache.Cache

	started atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithSupervisorConfig overrides the crash recovery policy.
func WithSupervisorConfig(cfg SupervisorConfig) Option {
	return func(c *Client) { c.supConfig = cfg }
}

// WithSessionCapacity bounds the number of concurrently open documents.
func WithSessionCapacity(n int) Option {
	return func(c *Client) { c.capacity = n }
}

// WithConcurrency caps in-flight batch queries.
func WithConcurrency(n int) Option {
	return func(c *Client) { c.concurrency = n }
}

// WithSymbolCacheTTL sets how long documentSymbol results are reused for an
// unchanged document version.
func WithSymbolCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.symbolTTL = ttl }
}

// NewClient creates a client for the workspace rooted at root, speaking to
// the server described by config.
func NewClient(root, languageID string, config ServerConfig, opts ...Option) *Client {
	c := &Client{
		root:        root,
		languageID:  languageID,
		config:      config,
		supConfig:   DefaultSupervisorConfig(),
		logger:      slog.Default(),
		capacity:    DefaultSessionCapacity,
		concurrency: DefaultBatchConcurrency,
		symbolTTL:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientForLanguage creates a client using the stock server command for
// the language.
func NewClientForLanguage(root, languageID string, opts ...Option) (*Client, error) {
	cmd, err := ServerCommandFor(languageID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", languageID, err)
	}
	config := ServerConfig{Command: cmd[0], Args: cmd[1:]}
	return NewClient(root, languageID, config, opts...), nil
}

// Start spawns the server and completes the initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	tracker, err := NewDocumentTracker(c.capacity, c.logger)
	if err != nil {
		c.started.Store(false)
		return err
	}
	c.tracker = tracker

	c.sup = NewSupervisor(c.config, c.languageID, c.supConfig, c.logger)
	c.sup.SetResync(func(ctx context.Context, srv *Server) {
		tracker.Resync(ctx, srv)
	})

	// Evicted sessions are closed on the server so its open-file set tracks
	// ours.
	tracker.OnEvict(func(uri DocumentURI) {
		if srv := c.sup.Server(); srv != nil {
			if err := srv.NotifyDidClose(uri); err != nil {
				c.logger.Debug("evict close not delivered", "uri", uri, "error", err)
			}
		}
	})

	c.scheduler = NewBatchScheduler(c.sup, tracker, c.concurrency, c.logger)
	c.symbolCache = gocache.New(c.symbolTTL, 2*c.symbolTTL)

	folders := []WorkspaceFolder{WorkspaceFolderFromPath(c.root)}
	if err := c.sup.Start(ctx, folders); err != nil {
		c.started.Store(false)
		return err
	}
	return nil
}

// Shutdown stops the server and releases all sessions.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	return c.sup.Stop(ctx)
}

// Events exposes the supervisor's lifecycle events.
func (c *Client) Events() <-chan SupervisorEvent {
	return c.sup.Events()
}

// State returns the supervisor state.
func (c *Client) State() SupervisorState {
	if c.sup == nil {
		return SupervisorStateIdle
	}
	return c.sup.State()
}

// ensureOpen waits for a ready server and lazily opens path on it, reading
// the file from disk. Concurrent calls for the same path collapse into one.
func (c *Client) ensureOpen(ctx context.Context, path string) (*Server, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}

	srv, err := c.sup.Await(ctx)
	if err != nil {
		return nil, err
	}

	_, err, _ = c.openGroup.Do(path, func() (any, error) {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return nil, c.tracker.Sync(srv, path, string(content))
	})
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// SyncFile pushes the given content for path to the server, opening the
// document if needed. The watch loop uses this to mirror edits.
func (c *Client) SyncFile(ctx context.Context, path, content string) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	srv, err := c.sup.Await(ctx)
	if err != nil {
		return err
	}
	return c.tracker.Sync(srv, path, content)
}

// CloseFile closes path on the server and drops its session.
func (c *Client) CloseFile(ctx context.Context, path string) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	srv, err := c.sup.Await(ctx)
	if err != nil {
		return err
	}
	return c.tracker.Close(srv, path)
}

// IsOpen reports whether path has an open session.
func (c *Client) IsOpen(path string) bool {
	return c.tracker != nil && c.tracker.IsOpen(path)
}

// References finds all references to the symbol at pos in path. The file is
// opened on the server first if it is not already.
func (c *Client) References(ctx context.Context, path string, pos Position, includeDecl bool) ([]Location, error) {
	srv, err := c.ensureOpen(ctx, path)
	if err != nil {
		return nil, err
	}
	return srv.References(ctx, FilePathToURI(path), pos, includeDecl)
}

// Definition returns the definition location(s) for the symbol at pos.
func (c *Client) Definition(ctx context.Context, path string, pos Position) ([]Location, error) {
	srv, err := c.ensureOpen(ctx, path)
	if err != nil {
		return nil, err
	}
	return srv.Definition(ctx, FilePathToURI(path), pos)
}

// DocumentSymbols returns the symbols in path. Results are cached per
// (uri, version) for a short TTL, since an unchanged version cannot yield
// different symbols.
func (c *Client) DocumentSymbols(ctx context.Context, path string) ([]SymbolInfo, error) {
	srv, err := c.ensureOpen(ctx, path)
	if err != nil {
		return nil, err
	}

	uri := FilePathToURI(path)
	version, _ := c.tracker.Version(path)
	key := fmt.Sprintf("%s#%d", uri, version)

	if cached, ok := c.symbolCache.Get(key); ok {
		return cached.([]SymbolInfo), nil
	}

	syms, err := srv.DocumentSymbols(ctx, uri)
	if err != nil {
		return nil, err
	}
	c.symbolCache.SetDefault(key, syms)
	return syms, nil
}

// SymbolReferences resolves a symbol by name in path and finds all its
// references. Name matching accepts both bare and container-qualified names.
func (c *Client) SymbolReferences(ctx context.Context, path, name string, includeDecl bool) ([]Location, error) {
	syms, err := c.DocumentSymbols(ctx, path)
	if err != nil {
		return nil, err
	}

	var target *SymbolInfo
	for i := range syms {
		if syms[i].Name == name || syms[i].QualifiedName() == name {
			target = &syms[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("symbol %q not found in %s", name, path)
	}

	srv, err := c.sup.Await(ctx)
	if err != nil {
		return nil, err
	}
	return srv.References(ctx, FilePathToURI(path), target.Selection.Start, includeDecl)
}

// Diagnostics returns the latest published diagnostics for path.
func (c *Client) Diagnostics(path string) []Diagnostic {
	srv := c.sup.Server()
	if srv == nil {
		return nil
	}
	return srv.Diagnostics(path2uriDiag(path))
}

// AllDiagnostics returns diagnostics for every document, keyed by path.
func (c *Client) AllDiagnostics() map[string][]Diagnostic {
	srv := c.sup.Server()
	if srv == nil {
		return nil
	}
	return srv.AllDiagnostics()
}

func path2uriDiag(path string) DocumentURI {
	if strings.HasPrefix(path, "file://") {
		return DocumentURI(path)
	}
	return FilePathToURI(path)
}

// Batch runs many queries under the configured concurrency cap. See
// BatchScheduler.Run for ordering and failure semantics.
func (c *Client) Batch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	return c.scheduler.Run(ctx, items)
}
