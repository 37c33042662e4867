package devserver

import (
	"encoding/base64"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	vt "github.com/yw0nam/Open-LLM-VTuber-Web-sub000"
)

// ErrorResponse is the body of every failed HTTP call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type storedSession struct {
	info     vt.SessionInfo
	messages []vt.HistoryMessage
}

type sessionStore struct {
	mu   sync.Mutex
	data map[string]*storedSession // user:agent:session
}

func newSessionStore() *sessionStore {
	return &sessionStore{data: make(map[string]*storedSession)}
}

func sessionKey(userID, agentID, sessionID string) string {
	return userID + ":" + agentID + ":" + sessionID
}

func badRequest(c echo.Context, code, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: code, Message: message})
}

func (s *Server) handleSynthesize(c echo.Context) error {
	var req struct {
		Text         string `json:"text"`
		ReferenceID  string `json:"reference_id"`
		OutputFormat string `json:"output_format"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid_request", "Invalid request format")
	}
	if strings.TrimSpace(req.Text) == "" {
		return badRequest(c, "missing_fields", "text is required")
	}
	// roughly 60ms of audio per character, capped at 5s
	d := time.Duration(utf8.RuneCountInString(req.Text)) * 60 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	wav := vt.ToneWAV(330, d, s.opts.SampleRate, 0.5)
	return c.JSON(http.StatusOK, map[string]any{
		"audio_data": base64.StdEncoding.EncodeToString(wav),
		"format":     "wav",
	})
}

func (s *Server) handleAnalyze(c echo.Context) error {
	var req struct {
		Image  string `json:"image"`
		Prompt string `json:"prompt"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid_request", "Invalid request format")
	}
	if req.Image == "" {
		return badRequest(c, "missing_fields", "image is required")
	}
	desc := "an image of " + strconv.Itoa(len(req.Image)) + " encoded bytes"
	if req.Prompt != "" {
		desc += " (" + req.Prompt + ")"
	}
	return c.JSON(http.StatusOK, map[string]string{"description": desc})
}

func (s *Server) handleAddHistory(c echo.Context) error {
	var req struct {
		UserID    string              `json:"user_id"`
		AgentID   string              `json:"agent_id"`
		SessionID string              `json:"session_id"`
		Messages  []vt.HistoryMessage `json:"messages"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid_request", "Invalid request format")
	}
	if req.UserID == "" || req.AgentID == "" || req.SessionID == "" {
		return badRequest(c, "missing_fields", "user_id, agent_id and session_id are required")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	st := s.sessions
	st.mu.Lock()
	k := sessionKey(req.UserID, req.AgentID, req.SessionID)
	sess, ok := st.data[k]
	if !ok {
		sess = &storedSession{info: vt.SessionInfo{SessionID: req.SessionID, CreatedAt: now}}
		st.data[k] = sess
	}
	sess.messages = append(sess.messages, req.Messages...)
	sess.info.MessageCount = len(sess.messages)
	sess.info.UpdatedAt = now
	st.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "stored": len(req.Messages)})
}

func (s *Server) handleGetHistory(c echo.Context) error {
	userID, agentID, sessionID := c.QueryParam("user_id"), c.QueryParam("agent_id"), c.QueryParam("session_id")
	if userID == "" || agentID == "" || sessionID == "" {
		return badRequest(c, "missing_fields", "user_id, agent_id and session_id are required")
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "invalid_limit", "limit must be a non-negative integer")
		}
		limit = n
	}

	st := s.sessions
	st.mu.Lock()
	var msgs []vt.HistoryMessage
	if sess, ok := st.data[sessionKey(userID, agentID, sessionID)]; ok {
		msgs = append(msgs, sess.messages...)
	}
	st.mu.Unlock()

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []vt.HistoryMessage{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleListSessions(c echo.Context) error {
	userID, agentID := c.QueryParam("user_id"), c.QueryParam("agent_id")
	if userID == "" || agentID == "" {
		return badRequest(c, "missing_fields", "user_id and agent_id are required")
	}
	prefix := userID + ":" + agentID + ":"

	st := s.sessions
	st.mu.Lock()
	out := []vt.SessionInfo{}
	for k, sess := range st.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, sess.info)
		}
	}
	st.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return c.JSON(http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	userID, agentID := c.QueryParam("user_id"), c.QueryParam("agent_id")
	if userID == "" || agentID == "" {
		return badRequest(c, "missing_fields", "user_id and agent_id are required")
	}
	k := sessionKey(userID, agentID, c.Param("id"))

	st := s.sessions
	st.mu.Lock()
	_, ok := st.data[k]
	delete(st.data, k)
	st.mu.Unlock()

	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "session not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUpdateMetadata(c echo.Context) error {
	var req struct {
		UserID   string         `json:"user_id"`
		AgentID  string         `json:"agent_id"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid_request", "Invalid request format")
	}
	if req.UserID == "" || req.AgentID == "" {
		return badRequest(c, "missing_fields", "user_id and agent_id are required")
	}
	k := sessionKey(req.UserID, req.AgentID, c.Param("id"))

	st := s.sessions
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.data[k]
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "session not found"})
	}
	if sess.info.Metadata == nil {
		sess.info.Metadata = make(map[string]any)
	}
	for key, v := range req.Metadata {
		sess.info.Metadata[key] = v
	}
	sess.info.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(http.StatusOK, sess.info)
}
