package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// NotificationHandler processes a server notification's raw params.
type NotificationHandler func(params json.RawMessage)

// request is the outgoing JSON-RPC request wire shape.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is the incoming JSON-RPC response wire shape.
type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// serverMessage is the incoming notification or server-to-client request.
type serverMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Transport correlates requests with responses and routes notifications over
// a MessageConn. A single reader goroutine owns the inbound stream; responses
// are matched to waiting callers purely by id, so they may arrive in any
// order relative to submission.
type Transport struct {
	conn   *MessageConn
	logger *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *response

	hmu      sync.RWMutex
	handlers map[string][]NotificationHandler

	done      chan struct{}
	closeOnce sync.Once

	fatal     chan error
	fatalOnce sync.Once
}

// NewTransport creates a Transport over the given conn and starts its reader
// goroutine.
func NewTransport(conn *MessageConn, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		conn:     conn,
		logger:   logger,
		pending:  make(map[int64]chan *response),
		handlers: make(map[string][]NotificationHandler),
		done:     make(chan struct{}),
		fatal:    make(chan error, 1),
	}
	go t.readLoop()
	return t
}

// Call sends a request and blocks until the response arrives, the timeout
// elapses, ctx is cancelled, or the transport dies. Exactly one of those
// outcomes resolves the call.
//
// On timeout the pending entry is dropped, a best-effort $/cancelRequest is
// sent, and ErrRequestTimeout is returned; a response arriving later for the
// abandoned id is discarded. On ctx cancellation the entry is likewise
// dropped and ctx.Err() returned. A non-nil result receives the unmarshalled
// response payload.
func (t *Transport) Call(ctx context.Context, method string, params, result any, timeout time.Duration) error {
	select {
	case <-t.done:
		return ErrShutdown
	default:
	}

	id := t.nextID.Add(1)
	ch := make(chan *response, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	req := request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := t.conn.WriteMessage(req); err != nil {
		t.removePending(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil

	case <-timer.C:
		t.removePending(id)
		t.cancelRequest(id)
		return fmt.Errorf("%s: %w", method, ErrRequestTimeout)

	case <-ctx.Done():
		t.removePending(id)
		t.cancelRequest(id)
		return ctx.Err()

	case <-t.done:
		t.removePending(id)
		return ErrShutdown
	}
}

// Notify sends a notification. Notifications carry no id and get no response.
func (t *Transport) Notify(method string, params any) error {
	select {
	case <-t.done:
		return ErrShutdown
	default:
	}
	return t.conn.WriteMessage(request{JSONRPC: "2.0", Method: method, Params: params})
}

// OnNotification registers a handler for a notification method. Multiple
// handlers per method are allowed and run in registration order.
func (t *Transport) OnNotification(method string, handler NotificationHandler) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.handlers[method] = append(t.handlers[method], handler)
}

// Fatal returns a channel that receives the error that killed the transport:
// a *FramingError for wire corruption or io.EOF when the server closed its
// output. At most one error is ever delivered.
func (t *Transport) Fatal() <-chan error {
	return t.fatal
}

// Close shuts the transport down. All pending calls fail with ErrShutdown.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.failPending(ErrShutdown)
	})
	return t.conn.Close()
}

// cancelRequest sends $/cancelRequest without blocking the caller.
func (t *Transport) cancelRequest(id int64) {
	go func() {
		if err := t.Notify("$/cancelRequest", CancelParams{ID: id}); err != nil {
			t.logger.Debug("cancel request not delivered", "id", id, "error", err)
		}
	}()
}

func (t *Transport) removePending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// failPending resolves every pending call with err.
func (t *Transport) failPending(err error) {
	rpcErr := &RPCError{Code: CodeUnknownErrorCode, Message: err.Error()}

	t.mu.Lock()
	for id, ch := range t.pending {
		ch <- &response{ID: id, Error: rpcErr}
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

// readLoop is the single reader of the inbound stream. It exits on the first
// read error; a clean EOF and a framing fault both terminate the connection,
// the difference only matters to the supervisor deciding how to report it.
func (t *Transport) readLoop() {
	for {
		data, err := t.conn.ReadMessage()
		if err != nil {
			t.dieWith(err)
			return
		}
		t.dispatch(data)
	}
}

// dieWith records the fatal error, fails pending calls, and stops reading.
func (t *Transport) dieWith(err error) {
	t.fatalOnce.Do(func() {
		select {
		case <-t.done:
			// Deliberate shutdown, not a fault.
		default:
			if err != io.EOF {
				t.logger.Error("transport read failed", "error", err)
			}
			t.fatal <- err
		}
		t.failPending(ErrShutdown)
	})
}

// dispatch routes one inbound frame. Frames with an id and a result or error
// are responses; frames with a method are notifications or server requests.
func (t *Transport) dispatch(data json.RawMessage) {
	if !gjson.GetBytes(data, "method").Exists() {
		t.handleResponse(data)
		return
	}

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Warn("undecodable server message discarded", "error", err)
		return
	}

	if msg.ID != nil {
		t.handleServerRequest(msg)
		return
	}
	t.handleNotification(msg)
}

func (t *Transport) handleResponse(data json.RawMessage) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.logger.Warn("undecodable response discarded", "error", err)
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if !ok {
		// Timed out, cancelled, or duplicate id. Either way nobody is waiting.
		t.logger.Debug("response for unknown id discarded", "id", resp.ID)
		return
	}
	ch <- &resp
}

func (t *Transport) handleNotification(msg serverMessage) {
	t.hmu.RLock()
	handlers := t.handlers[msg.Method]
	t.hmu.RUnlock()

	// Handlers run off the reader goroutine so a slow handler cannot stall
	// response dispatch.
	for _, h := range handlers {
		go h(msg.Params)
	}
}

// handleServerRequest answers server-to-client requests. Registration and
// progress-token requests get an empty success so servers that require them
// keep working; everything else gets MethodNotFound.
func (t *Transport) handleServerRequest(msg serverMessage) {
	type reply struct {
		JSONRPC string    `json:"jsonrpc"`
		ID      int64     `json:"id"`
		Result  any       `json:"result"`
		Error   *RPCError `json:"error,omitempty"`
	}

	r := reply{JSONRPC: "2.0", ID: *msg.ID}
	switch msg.Method {
	case "client/registerCapability", "client/unregisterCapability",
		"window/workDoneProgress/create", "workspace/configuration":
	default:
		r.Error = &RPCError{Code: CodeMethodNotFound, Message: "unsupported: " + msg.Method}
	}

	if err := t.conn.WriteMessage(r); err != nil {
		t.logger.Debug("server request reply not delivered", "method", msg.Method, "error", err)
	}
}
