package vtrealtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func decode(t *testing.T, frame string) Event {
	t.Helper()
	return NewAdapter(nil, nil).DecodeMessage([]byte(frame))
}

func TestAdapter_AuthorizeEvents(t *testing.T) {
	ev := decode(t, `{"type":"authorize_success","connection_id":"conn-1","timestamp":1700000000000}`)
	ok, isOK := ev.(*AuthorizeSuccess)
	if !isOK {
		t.Fatalf("expected *AuthorizeSuccess, got %T", ev)
	}
	if ok.ConnectionID != "conn-1" || ok.Timestamp != 1700000000000 {
		t.Errorf("unexpected event %+v", ok)
	}

	ev = decode(t, `{"type":"authorize_error","error":"invalid token"}`)
	if ae, isAE := ev.(*AuthorizeError); !isAE || ae.Reason != "invalid token" {
		t.Errorf("unexpected event %#v", ev)
	}
}

func TestAdapter_StreamToken(t *testing.T) {
	tests := []struct {
		name, frame, want string
	}{
		{"token field", `{"type":"stream_token","token":"Hel","turn_id":"t1"}`, "Hel"},
		{"chunk field", `{"type":"stream_token","chunk":"lo"}`, "lo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, ok := decode(t, tt.frame).(*StreamToken)
			if !ok || tok.Token != tt.want {
				t.Errorf("got %#v, want token %q", tok, tt.want)
			}
		})
	}
}

func TestAdapter_TTSChunk(t *testing.T) {
	ev := decode(t, `{
		"type":"tts_ready_chunk",
		"audio_chunk":"UklGRg==",
		"chunk_index":2,
		"total_chunks":3,
		"emotion":"joy",
		"turn_id":"t1",
		"display_text":{"text":"Hi there","name":"Mao"},
		"actions":{"expressions":["smile",3]},
		"timestamp":"2024-01-02T03:04:05Z"
	}`)
	chunk, ok := ev.(*TTSReadyChunk)
	if !ok {
		t.Fatalf("expected *TTSReadyChunk, got %T", ev)
	}
	if chunk.Audio != "UklGRg==" || chunk.TurnID != "t1" || chunk.Emotion != "joy" {
		t.Errorf("unexpected chunk %+v", chunk)
	}
	if chunk.ChunkIndex == nil || *chunk.ChunkIndex != 2 || chunk.TotalChunks == nil || *chunk.TotalChunks != 3 {
		t.Errorf("unexpected numbering %v/%v", chunk.ChunkIndex, chunk.TotalChunks)
	}
	if chunk.DisplayText == nil || chunk.DisplayText.Text != "Hi there" || chunk.DisplayText.Name != "Mao" {
		t.Errorf("unexpected display text %+v", chunk.DisplayText)
	}
	if len(chunk.Expressions) != 2 || chunk.Expressions[0] != "smile" || chunk.Expressions[1] != "3" {
		t.Errorf("unexpected expressions %v", chunk.Expressions)
	}
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli()
	if chunk.Timestamp != want {
		t.Errorf("timestamp = %d, want %d", chunk.Timestamp, want)
	}
}

func TestAdapter_TTSChunkFallbacks(t *testing.T) {
	ev := decode(t, `{"type":"tts_ready_chunk","chunk":"AAAA","display_text":"plain caption","emotion":"sad","forwarded":true}`)
	chunk, ok := ev.(*TTSReadyChunk)
	if !ok {
		t.Fatalf("expected *TTSReadyChunk, got %T", ev)
	}
	if chunk.Audio != "AAAA" {
		t.Errorf("audio = %q, want chunk field", chunk.Audio)
	}
	if chunk.DisplayText == nil || chunk.DisplayText.Text != "plain caption" {
		t.Errorf("string display_text not adapted: %+v", chunk.DisplayText)
	}
	if len(chunk.Expressions) != 1 || chunk.Expressions[0] != "sad" {
		t.Errorf("emotion should seed expressions, got %v", chunk.Expressions)
	}
	if !chunk.Forwarded {
		t.Error("forwarded flag lost")
	}
	if chunk.ChunkIndex != nil {
		t.Errorf("absent chunk_index should stay nil, got %d", *chunk.ChunkIndex)
	}
}

func TestAdapter_ServerError(t *testing.T) {
	ev := decode(t, `{"type":"error","message":"rate limited","code":429}`)
	e, ok := ev.(*ErrorEvent)
	if !ok {
		t.Fatalf("expected *ErrorEvent, got %T", ev)
	}
	if e.Internal || e.Message != "rate limited" || e.Code != "429" {
		t.Errorf("unexpected error event %+v", e)
	}
}

func TestAdapter_InvalidInput(t *testing.T) {
	tests := []struct {
		name, frame string
	}{
		{"not json", `{"type":`},
		{"array", `[1,2,3]`},
		{"missing type", `{"content":"x"}`},
		{"missing required", `{"type":"chat_response"}`},
		{"null", `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := decode(t, tt.frame).(*ErrorEvent)
			if !ok {
				t.Fatalf("expected *ErrorEvent")
			}
			if !e.Internal || len(e.Details) == 0 {
				t.Errorf("expected internal error with details, got %+v", e)
			}
		})
	}
}

func TestAdapter_UnknownType(t *testing.T) {
	ev := decode(t, `{"type":"set-model-and-conf","model":"mao"}`)
	u, ok := ev.(*UnknownEvent)
	if !ok {
		t.Fatalf("expected *UnknownEvent, got %T", ev)
	}
	if u.EventType() != "set-model-and-conf" || u.Payload["model"] != "mao" {
		t.Errorf("unexpected event %+v", u)
	}
}

func TestAdapter_Sanitizes(t *testing.T) {
	ev := decode(t, `{"type":"chat_response","content":"he\u0000llo","metadata":{"k":"v\u0001"}}`)
	cr, ok := ev.(*ChatResponse)
	if !ok {
		t.Fatalf("expected *ChatResponse, got %T", ev)
	}
	if cr.Content != "hello" || cr.Metadata["k"] != "v" {
		t.Errorf("content not sanitized: %+v", cr)
	}
}

func TestAdaptMessage_Map(t *testing.T) {
	if _, ok := AdaptMessage(map[string]any{"type": "ping"}).(*Ping); !ok {
		t.Error("expected *Ping from map input")
	}
	if _, ok := AdaptMessage(map[string]any{"type": "stream_start", "turn_id": "t"}).(*StreamStart); !ok {
		t.Error("expected *StreamStart from map input")
	}
}

func TestCreateChatMessage(t *testing.T) {
	msg, err := CreateChatMessage("hello", ChatContext{
		AgentID:        "agent",
		UserID:         "user",
		Images:         []string{"data:image/png;base64,AAAA"},
		ConversationID: "s1",
	})
	if err != nil {
		t.Fatalf("CreateChatMessage: %v", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	if wire["type"] != "chat_message" || wire["content"] != "hello" || wire["agent_id"] != "agent" || wire["user_id"] != "user" {
		t.Errorf("unexpected wire form %s", data)
	}
	if _, has := wire["persona"]; has {
		t.Error("empty persona should be omitted")
	}
	if ts, _ := wire["timestamp"].(float64); ts <= 0 {
		t.Errorf("timestamp not set: %v", wire["timestamp"])
	}

	if _, err := CreateChatMessage("hi", ChatContext{AgentID: "a"}); !errors.Is(err, ErrMissingChatContext) {
		t.Errorf("expected ErrMissingChatContext, got %v", err)
	}
}

func TestOutboundMessageTypes(t *testing.T) {
	tests := []struct {
		msg  any
		want string
	}{
		{CreateAuthorizeMessage("tok"), TypeAuthorize},
		{CreatePongMessage(), TypePong},
		{CreateInterruptMessage("Hello"), TypeInterrupt},
		{CreatePlaybackAckMessage("task", "turn", PlaybackFinished), TypePlaybackAck},
		{map[string]any{"type": "custom"}, "custom"},
		{42, "unknown"},
	}
	for _, tt := range tests {
		if got := messageType(tt.msg); got != tt.want {
			t.Errorf("messageType(%T) = %q, want %q", tt.msg, got, tt.want)
		}
	}

	ack := CreatePlaybackAckMessage("task", "turn", PlaybackStarted)
	if ack.TaskID != "task" || ack.TurnID != "turn" || ack.State != "started" {
		t.Errorf("unexpected ack %+v", ack)
	}
}

func TestAdapter_LongAudioKeepsDuration(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString(ToneWAV(440, 3*time.Second, 16000, 0.5))
	ev := AdaptMessage(map[string]any{"type": "tts_ready_chunk", "audio_chunk": audio, "chunk_index": 0.0})
	chunk, ok := ev.(*TTSReadyChunk)
	if !ok {
		t.Fatalf("expected *TTSReadyChunk, got %#v", ev)
	}
	ls, err := ExtractLipSync(chunk.Audio, 1024)
	if err != nil {
		t.Fatalf("ExtractLipSync: %v", err)
	}
	if ls.Duration != 3*time.Second {
		t.Errorf("duration = %v, want 3s", ls.Duration)
	}
}
