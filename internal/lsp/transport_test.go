package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTransport wires a Transport to an in-memory peer. The returned conn
// is the peer's end: read client requests from it, write responses to it.
func newTestTransport(t *testing.T) (*Transport, *MessageConn) {
	t.Helper()

	clientR, peerW := io.Pipe()
	peerR, clientW := io.Pipe()

	tr := NewTransport(NewMessageConn(clientR, clientW), testLogger())
	peer := NewMessageConn(peerR, peerW)

	t.Cleanup(func() {
		tr.Close()
		peer.Close()
	})
	return tr, peer
}

func TestTransportCallResponse(t *testing.T) {
	tr, peer := newTestTransport(t)

	go func() {
		data, err := peer.ReadMessage()
		if err != nil {
			return
		}
		id := gjson.GetBytes(data, "id").Int()
		peer.WriteMessage(map[string]any{
			"jsonrpc": "2.0", "id": id,
			"result": map[string]string{"name": "gopls"},
		})
	}()

	var result struct {
		Name string `json:"name"`
	}
	err := tr.Call(context.Background(), "test/echo", nil, &result, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "gopls", result.Name)
}

// Responses arriving in reverse order must still resolve the callers that
// issued the matching requests.
func TestTransportOutOfOrderResponses(t *testing.T) {
	tr, peer := newTestTransport(t)

	type req struct {
		id     int64
		method string
	}
	reqs := make(chan req, 2)

	go func() {
		for i := 0; i < 2; i++ {
			data, err := peer.ReadMessage()
			if err != nil {
				return
			}
			reqs <- req{
				id:     gjson.GetBytes(data, "id").Int(),
				method: gjson.GetBytes(data, "method").String(),
			}
		}

		first, second := <-reqs, <-reqs
		// Answer the second request first.
		peer.WriteMessage(map[string]any{
			"jsonrpc": "2.0", "id": second.id, "result": second.method,
		})
		peer.WriteMessage(map[string]any{
			"jsonrpc": "2.0", "id": first.id, "result": first.method,
		})
	}()

	results := make(chan string, 2)
	errs := make(chan error, 2)
	for _, method := range []string{"test/alpha", "test/beta"} {
		method := method
		go func() {
			var got string
			err := tr.Call(context.Background(), method, nil, &got, time.Second)
			errs <- err
			if err == nil {
				results <- got
			}
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
		seen[<-results] = true
	}
	// Each caller got the echo of its own method back.
	assert.True(t, seen["test/alpha"])
	assert.True(t, seen["test/beta"])
}

func TestTransportServerError(t *testing.T) {
	tr, peer := newTestTransport(t)

	go func() {
		data, err := peer.ReadMessage()
		if err != nil {
			return
		}
		peer.WriteMessage(map[string]any{
			"jsonrpc": "2.0",
			"id":      gjson.GetBytes(data, "id").Int(),
			"error":   map[string]any{"code": CodeInvalidParams, "message": "bad position"},
		})
	}()

	err := tr.Call(context.Background(), "test/fail", nil, nil, time.Second)
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	assert.Equal(t, "bad position", rpcErr.Message)
}

// A timed-out call returns ErrRequestTimeout, sends a best-effort
// $/cancelRequest, and discards the late response without disturbing later
// calls: each request resolves exactly once.
func TestTransportTimeoutThenLateResponse(t *testing.T) {
	tr, peer := newTestTransport(t)

	ids := make(chan int64, 2)
	cancelled := make(chan int64, 1)
	go func() {
		for {
			data, err := peer.ReadMessage()
			if err != nil {
				return
			}
			if gjson.GetBytes(data, "method").String() == "$/cancelRequest" {
				cancelled <- gjson.GetBytes(data, "params.id").Int()
				continue
			}
			ids <- gjson.GetBytes(data, "id").Int()
		}
	}()

	err := tr.Call(context.Background(), "test/slow", nil, nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	slowID := <-ids
	select {
	case got := <-cancelled:
		assert.Equal(t, slowID, got)
	case <-time.After(time.Second):
		t.Fatal("no $/cancelRequest observed")
	}

	// Deliver the abandoned response late; it must be discarded.
	require.NoError(t, peer.WriteMessage(map[string]any{
		"jsonrpc": "2.0", "id": slowID, "result": "too late",
	}))

	// The transport still serves fresh calls.
	go func() {
		id := <-ids
		peer.WriteMessage(map[string]any{"jsonrpc": "2.0", "id": id, "result": "ok"})
	}()

	var got string
	require.NoError(t, tr.Call(context.Background(), "test/after", nil, &got, time.Second))
	assert.Equal(t, "ok", got)
}

func TestTransportContextCancellation(t *testing.T) {
	tr, peer := newTestTransport(t)

	go func() {
		// Swallow the request, never answer.
		peer.ReadMessage()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := tr.Call(ctx, "test/hang", nil, nil, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransportUnknownIDDiscarded(t *testing.T) {
	tr, peer := newTestTransport(t)

	// A response nobody asked for.
	require.NoError(t, peer.WriteMessage(map[string]any{
		"jsonrpc": "2.0", "id": 999, "result": "phantom",
	}))

	go func() {
		for {
			data, err := peer.ReadMessage()
			if err != nil {
				return
			}
			peer.WriteMessage(map[string]any{
				"jsonrpc": "2.0",
				"id":      gjson.GetBytes(data, "id").Int(),
				"result":  "real",
			})
		}
	}()

	var got string
	require.NoError(t, tr.Call(context.Background(), "test/real", nil, &got, time.Second))
	assert.Equal(t, "real", got)
}

func TestTransportNotificationRouting(t *testing.T) {
	tr, peer := newTestTransport(t)

	received := make(chan PublishDiagnosticsParams, 2)
	handler := func(params json.RawMessage) {
		var p PublishDiagnosticsParams
		if json.Unmarshal(params, &p) == nil {
			received <- p
		}
	}
	// Two handlers for the same method both fire.
	tr.OnNotification("textDocument/publishDiagnostics", handler)
	tr.OnNotification("textDocument/publishDiagnostics", handler)

	require.NoError(t, peer.WriteMessage(map[string]any{
		"jsonrpc": "2.0",
		"method":  "textDocument/publishDiagnostics",
		"params": map[string]any{
			"uri":         "file:///tmp/main.go",
			"diagnostics": []map[string]any{{"message": "unused variable", "range": map[string]any{}}},
		},
	}))

	for i := 0; i < 2; i++ {
		select {
		case p := <-received:
			assert.Equal(t, DocumentURI("file:///tmp/main.go"), p.URI)
			require.Len(t, p.Diagnostics, 1)
			assert.Equal(t, "unused variable", p.Diagnostics[0].Message)
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}
	}
}

// Notifications with no registered handler are dropped silently.
func TestTransportUnhandledNotification(t *testing.T) {
	tr, peer := newTestTransport(t)

	require.NoError(t, peer.WriteMessage(map[string]any{
		"jsonrpc": "2.0", "method": "window/showMessage",
		"params": map[string]any{"type": 3, "message": "hello"},
	}))

	go func() {
		data, err := peer.ReadMessage()
		if err != nil {
			return
		}
		peer.WriteMessage(map[string]any{
			"jsonrpc": "2.0", "id": gjson.GetBytes(data, "id").Int(), "result": nil,
		})
	}()

	require.NoError(t, tr.Call(context.Background(), "test/ping", nil, nil, time.Second))
}

func TestTransportFatalOnEOF(t *testing.T) {
	clientR, peerW := io.Pipe()
	_, clientW := io.Pipe()

	tr := NewTransport(NewMessageConn(clientR, clientW), testLogger())
	defer tr.Close()

	peerW.Close() // server closed its stdout

	select {
	case err := <-tr.Fatal():
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("no fatal error delivered")
	}
}

func TestTransportFatalOnFramingError(t *testing.T) {
	clientR, peerW := io.Pipe()
	peerR, clientW := io.Pipe()
	go io.Copy(io.Discard, peerR)

	tr := NewTransport(NewMessageConn(clientR, clientW), testLogger())
	defer tr.Close()

	pending := make(chan error, 1)
	go func() {
		pending <- tr.Call(context.Background(), "test/hang", nil, nil, time.Minute)
	}()
	time.Sleep(10 * time.Millisecond)

	go io.WriteString(peerW, "garbage that is not a frame\r\n\r\n")

	select {
	case err := <-tr.Fatal():
		var fe *FramingError
		assert.True(t, errors.As(err, &fe))
	case <-time.After(time.Second):
		t.Fatal("no fatal error delivered")
	}

	// The in-flight call is resolved, not leaked.
	select {
	case err := <-pending:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending call never resolved")
	}
}

func TestTransportCallAfterClose(t *testing.T) {
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.Close())

	err := tr.Call(context.Background(), "test/late", nil, nil, time.Second)
	assert.ErrorIs(t, err, ErrShutdown)
}
