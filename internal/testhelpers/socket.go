package helpers

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	data []byte
	err  error
}

// FakeSocket is an in-memory stand-in for *websocket.Conn.
type FakeSocket struct {
	incoming chan frame
	closedCh chan struct{}

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool
}

// NewFakeSocket creates a socket with an empty inbound queue.
func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		incoming: make(chan frame, 64),
		closedCh: make(chan struct{}),
	}
}

// Push queues an inbound text frame.
func (f *FakeSocket) Push(data []byte) {
	f.incoming <- frame{data: data}
}

// PushError makes a subsequent read fail with err.
func (f *FakeSocket) PushError(err error) {
	f.incoming <- frame{err: err}
}

// Hangup simulates the peer sending a normal close frame.
func (f *FakeSocket) Hangup() {
	f.PushError(&websocket.CloseError{Code: websocket.CloseNormalClosure})
}

// FailWrites makes every later write return err.
func (f *FakeSocket) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// Written returns a copy of the frames written so far.
func (f *FakeSocket) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// Closed reports whether Close was called.
func (f *FakeSocket) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.incoming:
		if fr.err != nil {
			return 0, nil, fr.err
		}
		return websocket.TextMessage, fr.data, nil
	case <-f.closedCh:
		return 0, nil, net.ErrClosed
	}
}

func (f *FakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	if messageType == websocket.TextMessage {
		f.written = append(f.written, data)
	}
	return nil
}

func (f *FakeSocket) SetReadDeadline(time.Time) error  { return nil }
func (f *FakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (f *FakeSocket) SetReadLimit(int64)               {}

func (f *FakeSocket) SetPongHandler(func(string) error) {}

func (f *FakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}
