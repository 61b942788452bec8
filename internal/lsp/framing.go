package lsp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// maxFrameSize bounds a single message body. Anything larger is treated as a
// framing fault rather than an allocation request.
const maxFrameSize = 64 << 20

// MessageConn frames JSON-RPC messages with Content-Length headers over a
// byte stream, per the LSP base protocol:
//
//	Content-Length: <n>\r\n
//	\r\n
//	<n bytes of UTF-8 JSON>
//
// Reads are buffered and writes are atomic: a frame is never interleaved with
// another frame. A malformed header or body poisons the stream, because the
// reader can no longer tell where the next frame begins; such faults surface
// as *FramingError and the connection must be discarded.
type MessageConn struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	wmu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewMessageConn creates a MessageConn reading from r and writing to w. If w
// implements io.Closer, Close closes it to signal EOF to the peer.
func NewMessageConn(r io.Reader, w io.Writer) *MessageConn {
	c := &MessageConn{
		reader: bufio.NewReaderSize(r, 32*1024),
		writer: w,
	}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// WriteMessage marshals msg and writes it as a single frame.
func (c *MessageConn) WriteMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.isClosed() {
		return ErrShutdown
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := io.WriteString(c.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadMessage reads the next frame and returns its raw JSON body. It returns
// io.EOF when the stream ends cleanly between frames, and a *FramingError for
// malformed headers, truncated bodies, or bodies that are not valid JSON.
func (c *MessageConn) ReadMessage() (json.RawMessage, error) {
	length := -1

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && length == -1 {
				return nil, io.EOF
			}
			return nil, &FramingError{Detail: "reading header", Err: err}
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of headers
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &FramingError{Detail: fmt.Sprintf("malformed header line %q", line)}
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, &FramingError{Detail: "invalid Content-Length", Err: err}
			}
			length = n
		}
		// Content-Type and unknown headers are ignored.
	}

	if length < 0 {
		return nil, &FramingError{Detail: "missing Content-Length header"}
	}
	if length > maxFrameSize {
		return nil, &FramingError{Detail: fmt.Sprintf("frame of %d bytes exceeds limit", length)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, &FramingError{Detail: "truncated body", Err: err}
	}

	if !json.Valid(body) {
		return nil, &FramingError{Detail: "body is not valid JSON"}
	}
	return body, nil
}

// Close marks the conn closed and closes the write side if it is closable.
func (c *MessageConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *MessageConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
