package vtrealtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// WebSocket close codes used by the connection.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseAbnormal       = 1006
	ClosePolicyViolated = 4001 // sent after authorize_error
)

// Socket is one open bidirectional connection carrying text frames.
// Read is called from a single goroutine; Write is serialized by the caller;
// Ping may run concurrently with both.
type Socket interface {
	// Read blocks for the next text frame. When the peer closes the socket it
	// returns a *CloseError carrying the close code.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// Transport dials sockets.
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// CloseError reports a received close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("vtrealtime: socket closed with code %d: %s", e.Code, e.Reason)
}

// closeCodeOf maps a read error to a close code. Errors without a close frame
// count as abnormal closure.
func closeCodeOf(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	if err != nil {
		return CloseAbnormal, err.Error()
	}
	return CloseAbnormal, ""
}

// wsTransport dials with nhooyr.io/websocket.
type wsTransport struct {
	readLimit int64
}

// NewWebSocketTransport returns the default transport.
func NewWebSocketTransport() Transport {
	// tts_ready_chunk frames carry whole WAV files
	return &wsTransport{readLimit: 32 << 20}
}

func (t *wsTransport) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(t.readLimit)
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
			}
			return nil, err
		}
		// Only text frames carry protocol messages
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsSocket) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}
