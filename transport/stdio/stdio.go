// Package stdio implements the newline-delimited standard input/output
// transport. One JSON frame per line; empty lines are ignored; EOF stops the
// transport. Requests are dispatched serially so responses leave in arrival
// order.
package stdio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/localserve/mcpd/transport"
	"github.com/localserve/mcpd/types"
)

// Transport reads frames from stdin and writes frames to stdout.
type Transport struct {
	transport.Base

	reader io.Reader
	writer io.Writer

	writeMu   sync.Mutex
	connected atomic.Bool
	stopped   atomic.Bool
	done      chan struct{}
	once      sync.Once
	logger    types.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger. The logger must not write to
// stdout: stdout carries frames.
func WithLogger(logger types.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithStreams substitutes the reader and writer, for tests and embedding.
func WithStreams(r io.Reader, w io.Writer) Option {
	return func(t *Transport) {
		t.reader = r
		t.writer = w
	}
}

// New creates a stdio transport bound to os.Stdin/os.Stdout.
func New(opts ...Option) *Transport {
	t := &Transport{
		reader: os.Stdin,
		writer: os.Stdout,
		done:   make(chan struct{}),
		logger: types.NopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize implements transport.Transport.
func (t *Transport) Initialize() error {
	if t.reader == nil || t.writer == nil {
		return errors.New("stdio: reader and writer must be set")
	}
	return nil
}

// Start runs the read loop until EOF or Stop. It blocks: the stdio
// transport owns its single connection.
func (t *Transport) Start() error {
	if t.Handler() == nil {
		return errors.New("stdio: no message handler set")
	}
	t.connected.Store(true)
	defer t.connected.Store(false)

	reader := bufio.NewReader(t.reader)
	for {
		select {
		case <-t.done:
			return nil
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.logger.Info("stdio: reached EOF, stopping")
				return nil
			}
			if t.stopped.Load() {
				return nil
			}
			return fmt.Errorf("stdio: read failed: %w", err)
		}
	}
}

func (t *Transport) dispatch(line []byte) {
	frame := bytes.TrimSpace(line)
	if len(frame) == 0 {
		return
	}
	response, err := t.HandleMessage(frame)
	if err != nil {
		t.logger.Error("stdio: handler failed: %v", err)
		return
	}
	if len(response) == 0 {
		return
	}
	if err := t.Send(response); err != nil {
		t.logger.Error("stdio: write failed: %v", err)
	}
}

// Stop terminates the read loop and closes the underlying streams when they
// are closable.
func (t *Transport) Stop() error {
	t.stopped.Store(true)
	t.once.Do(func() { close(t.done) })
	t.connected.Store(false)

	var firstErr error
	if closer, ok := t.reader.(io.Closer); ok && t.reader != os.Stdin {
		if err := closer.Close(); err != nil {
			firstErr = err
		}
	}
	if closer, ok := t.writer.(io.Closer); ok && t.writer != os.Stdout {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Send writes one frame terminated by exactly one newline. Writes are
// serialized: the protocol handler and the notification hub may both write.
func (t *Transport) Send(message []byte) error {
	if t.stopped.Load() {
		return errors.New("stdio: transport is stopped")
	}
	if len(message) == 0 {
		return errors.New("stdio: cannot send empty message")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	frame := bytes.TrimRight(message, "\n")
	frame = append(frame, '\n')
	if _, err := t.writer.Write(frame); err != nil {
		return fmt.Errorf("stdio: failed to write frame: %w", err)
	}
	if flusher, ok := t.writer.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			t.logger.Warn("stdio: flush failed: %v", err)
		}
	}
	return nil
}

// Receive reads the next non-empty frame directly. Start's dispatch loop is
// the normal path; Receive serves hosts that drive the loop themselves.
func (t *Transport) Receive() ([]byte, error) {
	reader := bufio.NewReader(t.reader)
	for {
		line, err := reader.ReadBytes('\n')
		frame := bytes.TrimSpace(line)
		if len(frame) > 0 {
			return frame, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	return t.connected.Load()
}

// ConnectionInfo implements transport.Transport.
func (t *Transport) ConnectionInfo() map[string]interface{} {
	return map[string]interface{}{
		"transport": "stdio",
		"connected": t.IsConnected(),
	}
}

var _ transport.Transport = (*Transport)(nil)
