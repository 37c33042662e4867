package devserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	vt "github.com/yw0nam/Open-LLM-VTuber-Web-sub000"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

type frame struct {
	data        []byte
	closeCode   int
	closeReason string
}

// client is one WebSocket connection. All writes go through send and are
// performed by writePump.
type client struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	log    *logrus.Entry
	send   chan frame
	done   chan struct{}
	closed sync.Once

	mu         sync.Mutex
	authorized bool
	subject    string
	cancelTurn context.CancelFunc
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Error("websocket upgrade failed")
		return nil
	}

	cl := &client{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
		send: make(chan frame, sendBuffer),
		done: make(chan struct{}),
	}
	cl.log = s.log.WithField("connection_id", cl.id)
	cl.authorized = s.opts.Verifier == nil

	s.addClient(cl)
	cl.log.Info("client connected")

	go cl.writePump()
	cl.readPump()

	s.removeClient(cl.id)
	cl.log.Info("client disconnected")
	return nil
}

func (c *client) shutdown() {
	c.closed.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.cancelTurn != nil {
			c.cancelTurn()
		}
		c.mu.Unlock()
	})
}

// enqueue marshals msg and hands it to writePump. It reports false once the
// client is gone.
func (c *client) enqueue(msg any) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Error("marshal outbound message")
		return false
	}
	select {
	case c.send <- frame{data: b}:
		return true
	case <-c.done:
		return false
	}
}

func (c *client) closeWith(code int, reason string) {
	select {
	case c.send <- frame{closeCode: code, closeReason: reason}:
	case <-c.done:
	}
}

func (c *client) writePump() {
	var ping <-chan time.Time
	if c.srv.opts.PingInterval > 0 {
		t := time.NewTicker(c.srv.opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if f.closeCode != 0 {
				msg := websocket.FormatCloseMessage(f.closeCode, f.closeReason)
				if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
					c.log.WithError(err).Debug("write close frame")
				}
				c.log.WithFields(logrus.Fields{"code": f.closeCode, "reason": f.closeReason}).Info("closing client")
				c.shutdown()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				c.log.WithError(err).Warn("write failed")
				c.shutdown()
				return
			}
		case <-ping:
			b, _ := json.Marshal(map[string]any{"type": "ping", "timestamp": time.Now().UnixMilli()})
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.WithError(err).Warn("ping failed")
				c.shutdown()
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer c.shutdown()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("read failed")
			}
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid JSON", "invalid_json")
			continue
		}
		c.handle(msg)
	}
}

func (c *client) sendError(message, code string) {
	c.enqueue(map[string]any{
		"type":      "error",
		"message":   message,
		"code":      code,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (c *client) isAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

func (c *client) handle(msg map[string]any) {
	typ, _ := msg["type"].(string)
	switch typ {
	case vt.TypeAuthorize:
		c.authorize(msg)
	case vt.TypePong:
		c.log.Debug("pong")
	case vt.TypeChatMessage:
		if !c.isAuthorized() {
			c.sendError("not authorized", "unauthorized")
			return
		}
		content, _ := msg["content"].(string)
		if strings.TrimSpace(content) == "" {
			c.sendError("content must be a non-empty string", "invalid_message")
			return
		}
		stream := true
		if md, ok := msg["metadata"].(map[string]any); ok {
			if v, ok := md["stream"].(bool); ok {
				stream = v
			}
		}
		c.startTurn(content, stream)
	case vt.TypeInterrupt:
		heard, _ := msg["heard_text"].(string)
		c.mu.Lock()
		if c.cancelTurn != nil {
			c.cancelTurn()
			c.cancelTurn = nil
		}
		c.mu.Unlock()
		c.srv.recordInterrupt(heard)
		c.log.WithField("heard_text", heard).Info("turn interrupted")
	case vt.TypePlaybackAck:
		ack := PlaybackAck{ConnectionID: c.id}
		ack.TaskID, _ = msg["task_id"].(string)
		ack.TurnID, _ = msg["turn_id"].(string)
		ack.State, _ = msg["state"].(string)
		c.srv.recordAck(ack)
		c.log.WithFields(logrus.Fields{"task_id": ack.TaskID, "state": ack.State}).Debug("playback ack")
	default:
		c.sendError("unknown message type: "+typ, "unknown_type")
	}
}

func (c *client) authorize(msg map[string]any) {
	token, _ := msg["token"].(string)
	v := c.srv.opts.Verifier
	if v == nil {
		v = AnyToken{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	subject, err := v.Verify(ctx, token)
	if err != nil {
		c.log.WithError(err).Warn("authorize rejected")
		c.enqueue(map[string]any{
			"type":      "authorize_error",
			"error":     "invalid token",
			"timestamp": time.Now().UnixMilli(),
		})
		c.closeWith(4001, "authorization failed")
		return
	}

	c.mu.Lock()
	c.authorized = true
	c.subject = subject
	c.mu.Unlock()

	c.log.WithField("subject", subject).Info("client authorized")
	c.enqueue(map[string]any{
		"type":          "authorize_success",
		"connection_id": c.id,
		"timestamp":     time.Now().UnixMilli(),
	})
}

// startTurn replaces any reply in progress with a new one for content.
func (c *client) startTurn(content string, stream bool) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
	c.cancelTurn = cancel
	c.mu.Unlock()

	go c.reply(ctx, uuid.NewString(), c.srv.opts.Reply(content), stream)
}

func (c *client) reply(ctx context.Context, turnID, answer string, stream bool) {
	now := func() int64 { return time.Now().UnixMilli() }
	send := func(msg map[string]any) bool {
		if ctx.Err() != nil {
			return false
		}
		return c.enqueue(msg)
	}
	pause := func() bool {
		if c.srv.opts.TokenDelay <= 0 {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.srv.opts.TokenDelay):
			return true
		}
	}

	if stream {
		if !send(map[string]any{"type": "stream_start", "turn_id": turnID, "timestamp": now()}) {
			return
		}
		for _, tok := range tokenize(answer) {
			if !pause() || !send(map[string]any{"type": "stream_token", "token": tok, "turn_id": turnID, "timestamp": now()}) {
				return
			}
		}
	} else if !send(map[string]any{"type": "chat_response", "content": answer, "timestamp": now()}) {
		return
	}

	sentences := splitSentences(answer)
	for i, sentence := range sentences {
		wav := vt.ToneWAV(220+float64(i)*40, c.srv.opts.SentenceAudio, c.srv.opts.SampleRate, 0.6)
		if !send(map[string]any{
			"type":         "tts_ready_chunk",
			"audio_chunk":  base64.StdEncoding.EncodeToString(wav),
			"chunk_index":  i,
			"total_chunks": len(sentences),
			"turn_id":      turnID,
			"emotion":      "neutral",
			"display_text": map[string]any{"text": sentence, "name": "devserver"},
			"timestamp":    now(),
		}) {
			return
		}
	}

	if stream {
		send(map[string]any{"type": "stream_end", "turn_id": turnID, "timestamp": now()})
	}
}

// tokenize splits s into words, keeping the separating space on each word
// after the first so the tokens concatenate back to s.
func tokenize(s string) []string {
	words := strings.Fields(s)
	for i := 1; i < len(words); i++ {
		words[i] = " " + words[i]
	}
	return words
}

func splitSentences(s string) []string {
	var out []string
	var b strings.Builder
	for _, r := range s {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if t := strings.TrimSpace(b.String()); t != "" {
				out = append(out, t)
			}
			b.Reset()
		}
	}
	if t := strings.TrimSpace(b.String()); t != "" {
		out = append(out, t)
	}
	return out
}
