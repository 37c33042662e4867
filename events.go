package vtrealtime

import (
	"errors"
	"time"
)

// Event is a typed inbound message produced by the Adapter.
type Event interface {
	EventType() string
}

// AuthorizeSuccess completes the authorize handshake.
type AuthorizeSuccess struct {
	ConnectionID string `json:"connection_id"` // Server-assigned connection identifier
	Timestamp    int64  `json:"timestamp"`     // Milliseconds since epoch, 0 if absent
}

// AuthorizeError rejects the authorize handshake. The connection is closed.
type AuthorizeError struct {
	Reason    string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// ChatResponse is a complete assistant reply.
type ChatResponse struct {
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// StreamToken is one incremental piece of a streamed reply. The wire field may be
// "token" or "chunk"; both are normalized into Token.
type StreamToken struct {
	Token     string `json:"token"`
	TurnID    string `json:"turn_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// StreamStart opens a streamed turn.
type StreamStart struct {
	TurnID    string `json:"turn_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// StreamEnd closes a streamed turn.
type StreamEnd struct {
	TurnID    string `json:"turn_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DisplayText is the caption shown while a task plays.
type DisplayText struct {
	Text   string `json:"text"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// TTSReadyChunk carries one synthesized audio chunk. Audio is a base64 WAV
// ("audio_chunk" or "chunk" on the wire).
type TTSReadyChunk struct {
	Audio       string       `json:"audio_chunk"`
	ChunkIndex  *int         `json:"chunk_index,omitempty"`  // Position within the turn, if the server numbers chunks
	TotalChunks *int         `json:"total_chunks,omitempty"` // Number of chunks in the turn, if known
	Emotion     string       `json:"emotion,omitempty"`      // Expression name to show while playing
	TurnID      string       `json:"turn_id,omitempty"`
	DisplayText *DisplayText `json:"display_text,omitempty"`
	Expressions []string     `json:"expressions,omitempty"`
	Forwarded   bool         `json:"forwarded,omitempty"` // Played elsewhere; no playback ack is sent
	Timestamp   int64        `json:"timestamp"`
}

// Ping is a server heartbeat; the connection answers with a pong.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorEvent is either a server error message or, with Internal set, a local
// validation or decoding failure. Original holds the offending message for diagnostics.
type ErrorEvent struct {
	Message  string   `json:"message"`
	Code     string   `json:"code,omitempty"`
	Details  []string `json:"details,omitempty"`
	Original any      `json:"original,omitempty"`
	Internal bool     `json:"internal"`
}

// UnknownEvent wraps a valid message whose type is not recognized.
type UnknownEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (*AuthorizeSuccess) EventType() string { return string(KindAuthorizeSuccess) }
func (*AuthorizeError) EventType() string   { return string(KindAuthorizeError) }
func (*ChatResponse) EventType() string     { return string(KindChatResponse) }
func (*StreamToken) EventType() string      { return string(KindStreamToken) }
func (*StreamStart) EventType() string      { return string(KindStreamStart) }
func (*StreamEnd) EventType() string        { return string(KindStreamEnd) }
func (*TTSReadyChunk) EventType() string    { return string(KindTTSReadyChunk) }
func (*Ping) EventType() string             { return string(KindPing) }
func (*ErrorEvent) EventType() string       { return string(KindError) }
func (e *UnknownEvent) EventType() string   { return e.Type }

// Outbound message types.
const (
	TypeAuthorize   = "authorize"
	TypePong        = "pong"
	TypeChatMessage = "chat_message"
	TypeInterrupt   = "interrupt"
	TypePlaybackAck = "playback_ack"
)

// Playback acknowledgement states.
const (
	PlaybackStarted     = "started"
	PlaybackFinished    = "finished"
	PlaybackInterrupted = "interrupted"
)

// AuthorizeMessage opens the authorize handshake.
type AuthorizeMessage struct {
	Type      string `json:"type"` // Always "authorize"
	Token     string `json:"token"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage answers a server ping.
type PongMessage struct {
	Type      string `json:"type"` // Always "pong"
	Timestamp int64  `json:"timestamp"`
}

// ChatMessage sends user input to the agent.
type ChatMessage struct {
	Type           string         `json:"type"` // Always "chat_message"
	Content        string         `json:"content"`
	AgentID        string         `json:"agent_id"`
	UserID         string         `json:"user_id"`
	Persona        string         `json:"persona,omitempty"`
	Images         []string       `json:"images,omitempty"` // Base64 or data URLs
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      int64          `json:"timestamp"`
}

// InterruptMessage tells the server the user cut the agent off.
type InterruptMessage struct {
	Type      string `json:"type"` // Always "interrupt"
	HeardText string `json:"heard_text"`
	Timestamp int64  `json:"timestamp"`
}

// PlaybackAckMessage reports local playback progress of one task.
type PlaybackAckMessage struct {
	Type      string `json:"type"` // Always "playback_ack"
	TaskID    string `json:"task_id"`
	TurnID    string `json:"turn_id,omitempty"`
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

func (m *AuthorizeMessage) MessageType() string   { return m.Type }
func (m *PongMessage) MessageType() string        { return m.Type }
func (m *ChatMessage) MessageType() string        { return m.Type }
func (m *InterruptMessage) MessageType() string   { return m.Type }
func (m *PlaybackAckMessage) MessageType() string { return m.Type }

// ChatContext identifies the conversation a chat message belongs to.
// AgentID and UserID are required.
type ChatContext struct {
	AgentID        string
	UserID         string
	Persona        string
	Images         []string
	ConversationID string
	Metadata       map[string]any
}

// ErrMissingChatContext is returned by CreateChatMessage without agent or user id.
var ErrMissingChatContext = errors.New("vtrealtime: chat context requires agent id and user id")

func nowMillis() int64 { return time.Now().UnixMilli() }

// CreateAuthorizeMessage builds the authorize request.
func CreateAuthorizeMessage(token string) *AuthorizeMessage {
	return &AuthorizeMessage{Type: TypeAuthorize, Token: token, Timestamp: nowMillis()}
}

// CreatePongMessage builds a heartbeat reply.
func CreatePongMessage() *PongMessage {
	return &PongMessage{Type: TypePong, Timestamp: nowMillis()}
}

// CreateChatMessage builds a chat message for the conversation in cc.
func CreateChatMessage(text string, cc ChatContext) (*ChatMessage, error) {
	if cc.AgentID == "" || cc.UserID == "" {
		return nil, ErrMissingChatContext
	}
	return &ChatMessage{
		Type:           TypeChatMessage,
		Content:        text,
		AgentID:        cc.AgentID,
		UserID:         cc.UserID,
		Persona:        cc.Persona,
		Images:         cc.Images,
		ConversationID: cc.ConversationID,
		Metadata:       cc.Metadata,
		Timestamp:      nowMillis(),
	}, nil
}

// CreateInterruptMessage builds an interrupt carrying the text heard so far.
func CreateInterruptMessage(heardText string) *InterruptMessage {
	return &InterruptMessage{Type: TypeInterrupt, HeardText: heardText, Timestamp: nowMillis()}
}

// CreatePlaybackAckMessage builds a playback acknowledgement.
func CreatePlaybackAckMessage(taskID, turnID, state string) *PlaybackAckMessage {
	return &PlaybackAckMessage{
		Type:      TypePlaybackAck,
		TaskID:    taskID,
		TurnID:    turnID,
		State:     state,
		Timestamp: nowMillis(),
	}
}

// messageType extracts the type discriminator of an outbound message for logs and errors.
func messageType(msg any) string {
	switch m := msg.(type) {
	case interface{ MessageType() string }:
		return m.MessageType()
	case map[string]any:
		if t, ok := m["type"].(string); ok {
			return t
		}
	}
	return "unknown"
}
