package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ServerStatus indicates the current state of a server.
type ServerStatus int

const (
	ServerStatusStopped ServerStatus = iota
	ServerStatusStarting
	ServerStatusInitializing
	ServerStatusReady
	ServerStatusShuttingDown
	ServerStatusError
)

// String returns a human-readable status name.
func (s ServerStatus) String() string {
	switch s {
	case ServerStatusStopped:
		return "stopped"
	case ServerStatusStarting:
		return "starting"
	case ServerStatusInitializing:
		return "initializing"
	case ServerStatusReady:
		return "ready"
	case ServerStatusShuttingDown:
		return "shutting down"
	case ServerStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ServerConfig defines how to start a language server.
type ServerConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the working directory (defaults to the workspace root).
	WorkDir string

	// InitializationOptions are sent during initialize.
	InitializationOptions any

	// Timeout bounds each request (default: 30s).
	Timeout time.Duration

	// ShutdownGrace bounds the shutdown/exit handshake before the process is
	// killed (default: 5s).
	ShutdownGrace time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

// Server is one language server process: the subprocess, its framed stdio
// transport, and the initialize/shutdown lifecycle. Document bookkeeping
// lives in DocumentTracker; crash recovery lives in Supervisor. A Server is
// single-use: once its process exits it is discarded and a fresh Server is
// started in its place.
type Server struct {
	mu sync.Mutex

	config     ServerConfig
	languageID string
	logger     *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	transport *Transport

	status       atomic.Int32
	capabilities ServerCapabilities
	serverInfo   *ServerInfo

	diagnostics   map[DocumentURI][]Diagnostic
	diagnosticsMu sync.RWMutex
	diagHandler   func(uri DocumentURI, diagnostics []Diagnostic)

	workspaceFolders []WorkspaceFolder

	ctx    context.Context
	cancel context.CancelFunc

	// exitCh fires once, when the process is gone. Framing faults are folded
	// in: a poisoned connection kills the process, which then exits.
	exitCh chan error
}

// NewServer creates a server instance (not yet started).
func NewServer(config ServerConfig, languageID string, logger *slog.Logger) *Server {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:      config,
		languageID:  languageID,
		logger:      logger.With("lang", languageID, "cmd", config.Command),
		diagnostics: make(map[DocumentURI][]Diagnostic),
		exitCh:      make(chan error, 1),
	}
	s.status.Store(int32(ServerStatusStopped))
	return s
}

// Start starts the language server process and performs the initialize
// handshake. A process that cannot be spawned yields a *SpawnError; spawn
// failures are permanent and never retried.
func (s *Server) Start(ctx context.Context, folders []WorkspaceFolder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != ServerStatusStopped {
		return ErrAlreadyStarted
	}

	s.status.Store(int32(ServerStatusStarting))
	s.workspaceFolders = folders
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.startProcess(); err != nil {
		s.status.Store(int32(ServerStatusError))
		return &SpawnError{Command: s.config.Command, Err: err}
	}

	conn := NewMessageConn(s.stdout, s.stdin)
	s.transport = NewTransport(conn, s.logger)
	s.registerNotificationHandlers()

	go s.monitorProcess()
	go s.watchTransport()
	go s.drainStderr()

	s.status.Store(int32(ServerStatusInitializing))
	if err := s.initialize(s.ctx); err != nil {
		s.status.Store(int32(ServerStatusError))
		s.stopProcess()
		return fmt.Errorf("initialize: %w", err)
	}

	s.status.Store(int32(ServerStatusReady))
	s.logger.Info("language server ready",
		"server", s.serverName())
	return nil
}

func (s *Server) startProcess() error {
	cmd := exec.CommandContext(s.ctx, s.config.Command, s.config.Args...)

	cmd.Env = os.Environ()
	for k, v := range s.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if s.config.WorkDir != "" {
		cmd.Dir = s.config.WorkDir
	} else if len(s.workspaceFolders) > 0 {
		cmd.Dir = URIToFilePath(s.workspaceFolders[0].URI)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return err
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	return nil
}

// monitorProcess waits for process exit and signals it exactly once.
func (s *Server) monitorProcess() {
	err := s.cmd.Wait()
	select {
	case s.exitCh <- err:
	default:
	}
}

// watchTransport folds transport faults into process exit. After a framing
// fault the connection cannot be resynchronized, so the only safe move is to
// kill the process and let the supervisor start a fresh one.
func (s *Server) watchTransport() {
	err, ok := <-s.transport.Fatal()
	if !ok {
		return
	}

	var fe *FramingError
	if errors.As(err, &fe) {
		s.logger.Error("connection poisoned, killing server", "error", err)
	}
	s.killProcess()
}

// drainStderr forwards the server's stderr line by line to the debug log.
func (s *Server) drainStderr() {
	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("server stderr", "line", scanner.Text())
	}
}

func (s *Server) killProcess() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (s *Server) stopProcess() {
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// initialize performs the LSP initialize handshake and records capabilities.
func (s *Server) initialize(ctx context.Context) error {
	var rootURI DocumentURI
	if len(s.workspaceFolders) > 0 {
		rootURI = s.workspaceFolders[0].URI
	}

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: s.config.InitializationOptions,
		WorkspaceFolders:      s.workspaceFolders,
	}

	var result InitializeResult
	if err := s.transport.Call(ctx, "initialize", params, &result, s.config.Timeout); err != nil {
		return err
	}

	s.capabilities = result.Capabilities
	s.serverInfo = result.ServerInfo

	return s.transport.Notify("initialized", InitializedParams{})
}

func (s *Server) registerNotificationHandlers() {
	s.transport.OnNotification("textDocument/publishDiagnostics", func(params json.RawMessage) {
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}

		s.diagnosticsMu.Lock()
		if len(p.Diagnostics) == 0 {
			delete(s.diagnostics, p.URI)
		} else {
			s.diagnostics[p.URI] = p.Diagnostics
		}
		handler := s.diagHandler
		s.diagnosticsMu.Unlock()

		if handler != nil {
			handler(p.URI, p.Diagnostics)
		}
	})

	s.transport.OnNotification("window/logMessage", func(params json.RawMessage) {
		var p LogMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.logger.Debug("server log", "message", p.Message)
	})

	s.transport.OnNotification("$/progress", func(params json.RawMessage) {
		// Consumed so servers with workDoneProgress keep quiet.
	})
}

// Shutdown gracefully shuts down the server: shutdown request, exit
// notification, then a bounded wait for the process before killing it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.Status()
	if status == ServerStatusStopped || status == ServerStatusShuttingDown {
		return nil
	}
	s.status.Store(int32(ServerStatusShuttingDown))

	if s.transport != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownGrace)
		_ = s.transport.Call(shutdownCtx, "shutdown", nil, nil, s.config.ShutdownGrace)
		_ = s.transport.Notify("exit", nil)
		cancel()

		select {
		case <-s.exitCh:
		case <-time.After(s.config.ShutdownGrace):
			s.logger.Warn("server did not exit, killing")
		case <-ctx.Done():
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.stopProcess()

	s.status.Store(int32(ServerStatusStopped))
	return nil
}

// Status returns the current server status.
func (s *Server) Status() ServerStatus {
	return ServerStatus(s.status.Load())
}

// Capabilities returns the server's negotiated capabilities.
func (s *Server) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// LanguageID returns the language this server handles.
func (s *Server) LanguageID() string {
	return s.languageID
}

// Exit returns a channel that fires when the process exits.
func (s *Server) Exit() <-chan error {
	return s.exitCh
}

// OnDiagnostics registers a handler for diagnostics notifications.
func (s *Server) OnDiagnostics(handler func(uri DocumentURI, diagnostics []Diagnostic)) {
	s.diagnosticsMu.Lock()
	s.diagHandler = handler
	s.diagnosticsMu.Unlock()
}

func (s *Server) serverName() string {
	if s.serverInfo == nil {
		return s.config.Command
	}
	if s.serverInfo.Version != "" {
		return s.serverInfo.Name + " " + s.serverInfo.Version
	}
	return s.serverInfo.Name
}

// --- Document Notifications ---
// Version bookkeeping lives in DocumentTracker; these just put the
// notifications on the wire.

// NotifyDidOpen sends textDocument/didOpen.
func (s *Server) NotifyDidOpen(item TextDocumentItem) error {
	if s.Status() != ServerStatusReady {
		return ErrServerNotReady
	}
	return s.transport.Notify("textDocument/didOpen", DidOpenTextDocumentParams{TextDocument: item})
}

// NotifyDidChange sends a full-document textDocument/didChange.
func (s *Server) NotifyDidChange(uri DocumentURI, version int, text string) error {
	if s.Status() != ServerStatusReady {
		return ErrServerNotReady
	}
	params := DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
	}
	return s.transport.Notify("textDocument/didChange", params)
}

// NotifyDidClose sends textDocument/didClose.
func (s *Server) NotifyDidClose(uri DocumentURI) error {
	if s.Status() != ServerStatusReady {
		return ErrServerNotReady
	}
	return s.transport.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// --- Requests ---

// References finds all references to the symbol at a position.
func (s *Server) References(ctx context.Context, uri DocumentURI, pos Position, includeDecl bool) ([]Location, error) {
	if s.Status() != ServerStatusReady {
		return nil, ErrServerNotReady
	}

	params := ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: ReferenceContext{IncludeDeclaration: includeDecl},
	}

	var result json.RawMessage
	if err := s.transport.Call(ctx, "textDocument/references", params, &result, s.config.Timeout); err != nil {
		return nil, err
	}
	return ParseLocations(result)
}

// Definition returns the definition location(s) for the symbol at a position.
func (s *Server) Definition(ctx context.Context, uri DocumentURI, pos Position) ([]Location, error) {
	if s.Status() != ServerStatusReady {
		return nil, ErrServerNotReady
	}

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}

	var result json.RawMessage
	if err := s.transport.Call(ctx, "textDocument/definition", params, &result, s.config.Timeout); err != nil {
		return nil, err
	}
	return ParseLocations(result)
}

// DocumentSymbols returns the symbols in a document, flattened regardless of
// which wire shape the server chose.
func (s *Server) DocumentSymbols(ctx context.Context, uri DocumentURI) ([]SymbolInfo, error) {
	if s.Status() != ServerStatusReady {
		return nil, ErrServerNotReady
	}

	params := DocumentSymbolParams{TextDocument: TextDocumentIdentifier{URI: uri}}

	var result json.RawMessage
	if err := s.transport.Call(ctx, "textDocument/documentSymbol", params, &result, s.config.Timeout); err != nil {
		return nil, err
	}
	return ParseSymbols(result)
}

// Diagnostics returns the latest published diagnostics for a document.
func (s *Server) Diagnostics(uri DocumentURI) []Diagnostic {
	s.diagnosticsMu.RLock()
	defer s.diagnosticsMu.RUnlock()
	return s.diagnostics[uri]
}

// AllDiagnostics returns diagnostics for all documents, keyed by file path.
func (s *Server) AllDiagnostics() map[string][]Diagnostic {
	s.diagnosticsMu.RLock()
	defer s.diagnosticsMu.RUnlock()

	result := make(map[string][]Diagnostic, len(s.diagnostics))
	for uri, diags := range s.diagnostics {
		result[URIToFilePath(uri)] = diags
	}
	return result
}
