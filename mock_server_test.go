package vtrealtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeSocket is an in-memory Socket. Tests push inbound frames with send and
// observe outbound frames with nextWrite.
type fakeSocket struct {
	in     chan []byte
	peer   chan *CloseError
	writes chan []byte
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	closeCode int
	writeErr  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		peer:   make(chan *CloseError, 1),
		writes: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case ce := <-s.peer:
		return nil, ce
	case <-s.done:
		return nil, &CloseError{Code: s.code()}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	err := s.writeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.writes <- data
	return nil
}

func (s *fakeSocket) Ping(context.Context) error { return nil }

func (s *fakeSocket) Close(code int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeCode = code
	close(s.done)
	return nil
}

func (s *fakeSocket) code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send delivers one inbound frame to the connection.
func (s *fakeSocket) send(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	s.in <- data
}

// closeFromPeer simulates the server closing the socket.
func (s *fakeSocket) closeFromPeer(code int) {
	s.peer <- &CloseError{Code: code}
}

// nextWrite returns the next outbound frame decoded as an object.
func (s *fakeSocket) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-s.writes:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("outbound frame is not JSON: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

// noWrite fails if a frame is written within d.
func (s *fakeSocket) noWrite(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-s.writes:
		t.Fatalf("unexpected outbound frame %s", data)
	case <-time.After(d):
	}
}

// fakeTransport hands out fakeSockets and records dials.
type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	failErr error
	headers []http.Header
	sockets chan *fakeSocket
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sockets: make(chan *fakeSocket, 16)}
}

func (f *fakeTransport) Dial(_ context.Context, _ string, header http.Header) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	f.headers = append(f.headers, header)
	if f.failErr != nil {
		return nil, f.failErr
	}
	s := newFakeSocket()
	f.sockets <- s
	return s, nil
}

func (f *fakeTransport) failDials(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// nextSocket waits for the next dialed socket.
func (f *fakeTransport) nextSocket(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-f.sockets:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errDialRefused = errors.New("connection refused")

// MockServer is a real WebSocket endpoint speaking the client protocol: it
// acknowledges authorize messages and echoes chat messages as chat_response.
type MockServer struct {
	server *httptest.Server
	t      *testing.T

	mu       sync.Mutex
	received []map[string]any
}

// NewMockServer starts a mock server for testing.
func NewMockServer(t *testing.T) *MockServer {
	ms := &MockServer{t: t}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handleWebSocket))
	t.Cleanup(ms.Close)
	return ms
}

// Close shuts down the mock server.
func (ms *MockServer) Close() {
	ms.server.Close()
}

// URL returns the WebSocket URL for the mock server.
func (ms *MockServer) URL() string {
	return "ws" + strings.TrimPrefix(ms.server.URL, "http") + "/client-ws"
}

// Received returns a copy of the messages read so far.
func (ms *MockServer) Received() []map[string]any {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]map[string]any(nil), ms.received...)
}

func (ms *MockServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		ms.t.Errorf("failed to upgrade to websocket: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		ms.mu.Lock()
		ms.received = append(ms.received, msg)
		ms.mu.Unlock()

		var reply map[string]any
		switch msg["type"] {
		case TypeAuthorize:
			if msg["token"] == "bad" {
				reply = map[string]any{"type": "authorize_error", "error": "invalid token"}
			} else {
				reply = map[string]any{"type": "authorize_success", "connection_id": "mock-conn"}
			}
		case TypeChatMessage:
			reply = map[string]any{"type": "chat_response", "content": "echo: " + msg["content"].(string)}
		}
		if reply == nil {
			continue
		}
		out, _ := json.Marshal(reply)
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}
