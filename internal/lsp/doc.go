// Package lsp implements the language-server client that backs codescope's
// semantic queries (references, document symbols, diagnostics).
//
// The package spawns an external language server (gopls, pyright-langserver,
// typescript-language-server, clangd, ...), speaks the LSP base protocol over
// the server's stdio, and exposes a high-level Client for the rest of the
// tool.
//
// # Architecture
//
// The package is organized around these components:
//
//   - MessageConn: Content-Length framed JSON-RPC 2.0 over a byte stream
//   - Transport: request/response correlation and notification routing
//   - Server: one server process and its initialize/shutdown lifecycle
//   - Supervisor: crash detection and restart with exponential backoff
//   - DocumentTracker: versioned, hash-deduplicated document synchronization
//   - BatchScheduler: ordered multi-file query batches under a concurrency cap
//   - Client: the high-level entry point tying the above together
//
// # Quick Start
//
//	client := lsp.NewClient(root, "go", lsp.ServerConfig{Command: "gopls"})
//	if err := client.Start(ctx); err != nil {
//	    return err
//	}
//	defer client.Shutdown(ctx)
//
//	locs, err := client.References(ctx, "/path/to/file.go", lsp.Position{Line: 10, Character: 5}, false)
//
// Files are opened on the server lazily: querying an unopened file sends
// textDocument/didOpen first. Reopening a file with unchanged content is a
// no-op; changed content bumps the document version and sends a
// full-document didChange.
//
// # Concurrency
//
// A single reader goroutine owns the server's stdout and dispatches frames
// to waiting callers (by request id) or to notification handlers. Writes to
// the server's stdin are serialized. All exported types are safe for
// concurrent use.
//
// # Crash Recovery
//
// The Supervisor restarts a crashed server with exponential backoff and
// re-opens tracked documents on the new instance. When the restart budget is
// exhausted the client reports ErrServerUnavailable to all current and
// future callers.
package lsp
