package lsp

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSessionCapacity bounds open document sessions when the config names
// no capacity.
const DefaultSessionCapacity = 128

// DocumentNotifier puts document lifecycle notifications on the wire.
// *Server implements it.
type DocumentNotifier interface {
	NotifyDidOpen(item TextDocumentItem) error
	NotifyDidChange(uri DocumentURI, version int, text string) error
	NotifyDidClose(uri DocumentURI) error
}

// session is the tracked state of one open document.
type session struct {
	uri        DocumentURI
	languageID string
	version    int
	hash       [32]byte
	content    string
}

// DocumentTracker keeps the client's view of which documents are open on the
// server, at which version, and with which content hash.
//
// Versions only ever increase for a given URI. Syncing unchanged content is a
// no-op; changed content is pushed as a full-document didChange at version+1.
// Sessions live in an LRU; evicting one closes the document server-side via
// the registered evict hook. After a server restart, Resync replays every
// session onto the new instance at its preserved version.
type DocumentTracker struct {
	mu       sync.Mutex
	sessions *lru.Cache[DocumentURI, *session]
	logger   *slog.Logger

	// removing is set (under mu) around deliberate cache removals. The LRU
	// fires its eviction callback on explicit Remove too, not just capacity
	// evictions, and Close and Forget do their own bookkeeping.
	removing bool

	evictMu sync.Mutex
	onEvict func(uri DocumentURI)
}

// NewDocumentTracker creates a tracker bounded to capacity sessions.
func NewDocumentTracker(capacity int, logger *slog.Logger) (*DocumentTracker, error) {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &DocumentTracker{logger: logger}

	cache, err := lru.NewWithEvict[DocumentURI, *session](capacity, func(uri DocumentURI, _ *session) {
		// All cache mutations happen under mu, so removing is stable here.
		if t.removing {
			return
		}
		t.evictMu.Lock()
		hook := t.onEvict
		t.evictMu.Unlock()
		if hook != nil {
			// Off the calling goroutine: eviction happens inside Add under
			// the tracker lock.
			go hook(uri)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	t.sessions = cache
	return t, nil
}

// OnEvict registers the hook that closes an evicted document server-side.
func (t *DocumentTracker) OnEvict(hook func(uri DocumentURI)) {
	t.evictMu.Lock()
	t.onEvict = hook
	t.evictMu.Unlock()
}

// Sync makes the server's view of path match content.
//
// A new document gets didOpen at version 1. An open document with identical
// content is left alone. Changed content gets a full-document didChange at
// version+1. The session is recorded only after the notification is on the
// wire, so a failed send can be retried without a version gap.
func (t *DocumentTracker) Sync(srv DocumentNotifier, path, content string) error {
	uri := FilePathToURI(path)
	hash := sha256.Sum256([]byte(content))

	t.mu.Lock()
	defer t.mu.Unlock()

	if sess, ok := t.sessions.Get(uri); ok {
		if sess.hash == hash {
			return nil
		}

		next := sess.version + 1
		if err := srv.NotifyDidChange(uri, next, content); err != nil {
			return fmt.Errorf("sync %s: %w", path, err)
		}
		sess.version = next
		sess.hash = hash
		sess.content = content
		t.logger.Debug("document changed", "uri", uri, "version", next)
		return nil
	}

	languageID := DetectLanguageID(path)
	item := TextDocumentItem{
		URI:        uri,
		LanguageID: languageID,
		Version:    1,
		Text:       content,
	}
	if err := srv.NotifyDidOpen(item); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	t.sessions.Add(uri, &session{
		uri:        uri,
		languageID: languageID,
		version:    1,
		hash:       hash,
		content:    content,
	})
	t.logger.Debug("document opened", "uri", uri)
	return nil
}

// Close closes the document server-side and drops the session.
func (t *DocumentTracker) Close(srv DocumentNotifier, path string) error {
	uri := FilePathToURI(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions.Peek(uri); !ok {
		return ErrDocumentNotOpen
	}
	// Drop the session first; a failed didClose still leaves it closed
	// client-side.
	t.removing = true
	t.sessions.Remove(uri)
	t.removing = false

	if err := srv.NotifyDidClose(uri); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Forget drops a session without notifying the server. Used when the server
// is already gone.
func (t *DocumentTracker) Forget(path string) {
	uri := FilePathToURI(path)
	t.mu.Lock()
	t.removing = true
	t.sessions.Remove(uri)
	t.removing = false
	t.mu.Unlock()
}

// IsOpen reports whether a session exists for path.
func (t *DocumentTracker) IsOpen(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.Contains(FilePathToURI(path))
}

// Version returns the current version of an open document.
func (t *DocumentTracker) Version(path string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sess, ok := t.sessions.Peek(FilePathToURI(path)); ok {
		return sess.version, true
	}
	return 0, false
}

// Len returns the number of open sessions.
func (t *DocumentTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.Len()
}

// TrackedURIs returns the URIs of all open sessions.
func (t *DocumentTracker) TrackedURIs() []DocumentURI {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.Keys()
}

// Resync replays every session onto a freshly restarted server. Each
// document is re-opened at its preserved version so versions stay
// monotonically increasing across restarts.
func (t *DocumentTracker) Resync(ctx context.Context, srv DocumentNotifier) {
	t.mu.Lock()
	sessions := make([]*session, 0, t.sessions.Len())
	for _, uri := range t.sessions.Keys() {
		if sess, ok := t.sessions.Peek(uri); ok {
			sessions = append(sessions, sess)
		}
	}
	t.mu.Unlock()

	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		item := TextDocumentItem{
			URI:        sess.uri,
			LanguageID: sess.languageID,
			Version:    sess.version,
			Text:       sess.content,
		}
		if err := srv.NotifyDidOpen(item); err != nil {
			t.logger.Warn("resync failed", "uri", sess.uri, "error", err)
			return
		}
	}
	t.logger.Info("documents resynced", "count", len(sessions))
}
