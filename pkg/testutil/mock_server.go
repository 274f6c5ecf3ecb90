package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
)

// MockBackend is an in-process WebSocket backend for exercising the
// coordinator end to end. It serves one client connection at a time.
type MockBackend struct {
	T      *testing.T
	Server *httptest.Server
	WsURL  string

	mu       sync.Mutex
	conn     *websocket.Conn
	accepted int
	reject   int
	queries  []url.Values
	headers  []http.Header
	received []envelope.Event
	onEvent  func(b *MockBackend, ev envelope.Event)
}

// NewMockBackend starts a backend and registers its shutdown with t.Cleanup.
func NewMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	mb := &MockBackend{T: t}

	mb.Server = httptest.NewServer(http.HandlerFunc(mb.serve))
	mb.WsURL = "ws" + mb.Server.URL[len("http"):]

	t.Cleanup(mb.Close)
	return mb
}

func (mb *MockBackend) serve(w http.ResponseWriter, r *http.Request) {
	mb.mu.Lock()
	if mb.reject > 0 {
		mb.reject--
		mb.mu.Unlock()
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}
	mb.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		mb.T.Logf("MockBackend: accept error: %v", err)
		return
	}

	mb.mu.Lock()
	mb.conn = conn
	mb.accepted++
	mb.queries = append(mb.queries, r.URL.Query())
	mb.headers = append(mb.headers, r.Header.Clone())
	mb.mu.Unlock()

	defer func() {
		mb.mu.Lock()
		if mb.conn == conn {
			mb.conn = nil
		}
		mb.mu.Unlock()
		conn.CloseNow()
	}()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		ev, err := envelope.Decode(data)
		if err != nil {
			mb.T.Logf("MockBackend: undecodable frame: %v", err)
			continue
		}

		mb.mu.Lock()
		mb.received = append(mb.received, ev)
		onEvent := mb.onEvent
		mb.mu.Unlock()

		if onEvent != nil {
			onEvent(mb, ev)
		}
	}
}

// OnEvent registers a callback for every envelope the client sends. It runs
// on the connection's read goroutine, so it may reply with Send.
func (mb *MockBackend) OnEvent(fn func(b *MockBackend, ev envelope.Event)) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.onEvent = fn
}

// RejectNext makes the next n handshakes fail with 503.
func (mb *MockBackend) RejectNext(n int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.reject = n
}

// Send writes ev to the current client.
func (mb *MockBackend) Send(ev envelope.Event) error {
	data, err := envelope.Encode(ev)
	if err != nil {
		return err
	}
	return mb.SendRaw(data)
}

// SendRaw writes data to the current client verbatim.
func (mb *MockBackend) SendRaw(data []byte) error {
	mb.mu.Lock()
	conn := mb.conn
	mb.mu.Unlock()
	if conn == nil {
		return errors.New("mock backend: no client connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// SendJSON writes v as a JSON text frame, bypassing the envelope codec so
// tests can produce frames the client must reject.
func (mb *MockBackend) SendJSON(v any) error {
	mb.mu.Lock()
	conn := mb.conn
	mb.mu.Unlock()
	if conn == nil {
		return errors.New("mock backend: no client connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// Connected reports whether a client is currently connected.
func (mb *MockBackend) Connected() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.conn != nil
}

// Accepted returns how many handshakes succeeded.
func (mb *MockBackend) Accepted() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.accepted
}

// Queries returns the query parameters of every accepted handshake.
func (mb *MockBackend) Queries() []url.Values {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]url.Values(nil), mb.queries...)
}

// Headers returns the request headers of every accepted handshake.
func (mb *MockBackend) Headers() []http.Header {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]http.Header(nil), mb.headers...)
}

// Received returns every envelope the client sent so far.
func (mb *MockBackend) Received() []envelope.Event {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]envelope.Event(nil), mb.received...)
}

// DropConnection closes the current client connection abruptly, the way a
// network failure would.
func (mb *MockBackend) DropConnection() {
	mb.mu.Lock()
	conn := mb.conn
	mb.conn = nil
	mb.mu.Unlock()
	if conn != nil {
		conn.CloseNow()
	}
}

// CloseCurrentConnection closes the current client connection with a normal
// close frame.
func (mb *MockBackend) CloseCurrentConnection() {
	mb.mu.Lock()
	conn := mb.conn
	mb.conn = nil
	mb.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "backend closing connection")
	}
}

// Close stops the backend.
func (mb *MockBackend) Close() {
	mb.DropConnection()
	if mb.Server != nil {
		mb.Server.Close()
	}
}
