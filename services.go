package vtrealtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ServicesClient calls the backend's HTTP collaborators: speech synthesis,
// image analysis and session history. Each attempt has its own timeout; failed
// attempts are retried with backoff except for 4xx responses.
type ServicesClient struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	retry   RetryConfig
	breaker *CircuitBreaker
	logger  *Logger
}

// ServicesOption configures a ServicesClient.
type ServicesOption func(*ServicesClient)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ServicesOption {
	return func(s *ServicesClient) { s.http = c }
}

// WithRequestTimeout sets the per-attempt timeout.
func WithRequestTimeout(d time.Duration) ServicesOption {
	return func(s *ServicesClient) { s.timeout = d }
}

// WithRetryConfig replaces the retry policy.
func WithRetryConfig(rc RetryConfig) ServicesOption {
	return func(s *ServicesClient) { s.retry = rc }
}

// WithCircuitBreaker routes every attempt through cb.
func WithCircuitBreaker(cb *CircuitBreaker) ServicesOption {
	return func(s *ServicesClient) { s.breaker = cb }
}

// WithServicesLogger sets the logger.
func WithServicesLogger(l *Logger) ServicesOption {
	return func(s *ServicesClient) { s.logger = l }
}

// NewServicesClient creates a client for the collaborator API at baseURL.
func NewServicesClient(baseURL string, opts ...ServicesOption) (*ServicesClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, NewConfigError("ServicesURL", baseURL, "must be an absolute http(s) URL")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	s := &ServicesClient{
		baseURL: u,
		http:    &http.Client{},
		timeout: DefaultServicesTimeout,
		retry:   DefaultRetryConfig(),
		logger:  NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.RetryableErrors == nil {
		s.retry.RetryableErrors = isRetryableServiceError
	}
	return s, nil
}

// SpeechResult is synthesized audio.
type SpeechResult struct {
	AudioBase64 string `json:"audio_data"`
	Format      string `json:"format"`
}

// SynthesizeSpeech converts text into base64 audio.
func (s *ServicesClient) SynthesizeSpeech(ctx context.Context, text, referenceID string) (*SpeechResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("vtrealtime: text must be a non-empty string")
	}
	body := map[string]any{"text": text, "output_format": "base64"}
	if referenceID != "" {
		body["reference_id"] = referenceID
	}
	var res SpeechResult
	if err := s.do(ctx, http.MethodPost, "/tts/synthesize", nil, body, &res); err != nil {
		return nil, err
	}
	if res.AudioBase64 == "" {
		return nil, errors.New("vtrealtime: speech synthesis returned no audio")
	}
	return &res, nil
}

// AnalyzeImage asks the vision model to describe image (base64 or data URL).
func (s *ServicesClient) AnalyzeImage(ctx context.Context, image, prompt string) (string, error) {
	if image == "" {
		return "", errors.New("vtrealtime: image must be a non-empty string")
	}
	body := map[string]any{"image": image}
	if prompt != "" {
		body["prompt"] = prompt
	}
	var res struct {
		Description string `json:"description"`
	}
	if err := s.do(ctx, http.MethodPost, "/vlm/analyze", nil, body, &res); err != nil {
		return "", err
	}
	return res.Description, nil
}

// SessionKey identifies a conversation. SessionID may be empty for user-level calls.
type SessionKey struct {
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (k SessionKey) query() url.Values {
	q := url.Values{}
	q.Set("user_id", k.UserID)
	q.Set("agent_id", k.AgentID)
	if k.SessionID != "" {
		q.Set("session_id", k.SessionID)
	}
	return q
}

func (k SessionKey) validate(needSession bool) error {
	if k.UserID == "" || k.AgentID == "" {
		return errors.New("vtrealtime: session key requires user id and agent id")
	}
	if needSession && k.SessionID == "" {
		return errors.New("vtrealtime: session key requires a session id")
	}
	return nil
}

// HistoryMessage is one stored chat message. Type is "human" or "ai".
type HistoryMessage struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionInfo describes a stored session.
type SessionInfo struct {
	SessionID    string         `json:"session_id"`
	MessageCount int            `json:"message_count,omitempty"`
	CreatedAt    string         `json:"created_at,omitempty"`
	UpdatedAt    string         `json:"updated_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AddChatHistory appends messages to a session's history.
func (s *ServicesClient) AddChatHistory(ctx context.Context, key SessionKey, msgs []HistoryMessage) error {
	if err := key.validate(true); err != nil {
		return err
	}
	body := map[string]any{
		"user_id":    key.UserID,
		"agent_id":   key.AgentID,
		"session_id": key.SessionID,
		"messages":   msgs,
	}
	return s.do(ctx, http.MethodPost, "/sessions/history", nil, body, nil)
}

// GetChatHistory returns up to limit messages of a session; limit <= 0 returns all.
func (s *ServicesClient) GetChatHistory(ctx context.Context, key SessionKey, limit int) ([]HistoryMessage, error) {
	if err := key.validate(true); err != nil {
		return nil, err
	}
	q := key.query()
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := s.do(ctx, http.MethodGet, "/sessions/history", q, nil, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// ListSessions returns the sessions of a user with an agent.
func (s *ServicesClient) ListSessions(ctx context.Context, userID, agentID string) ([]SessionInfo, error) {
	key := SessionKey{UserID: userID, AgentID: agentID}
	if err := key.validate(false); err != nil {
		return nil, err
	}
	var res struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := s.do(ctx, http.MethodGet, "/sessions", key.query(), nil, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

// DeleteSession removes a session and its history.
func (s *ServicesClient) DeleteSession(ctx context.Context, key SessionKey) error {
	if err := key.validate(true); err != nil {
		return err
	}
	q := SessionKey{UserID: key.UserID, AgentID: key.AgentID}.query()
	return s.do(ctx, http.MethodDelete, "/sessions/"+key.SessionID, q, nil, nil)
}

// UpdateSessionMetadata merges metadata into a session.
func (s *ServicesClient) UpdateSessionMetadata(ctx context.Context, key SessionKey, metadata map[string]any) error {
	if err := key.validate(true); err != nil {
		return err
	}
	body := map[string]any{
		"user_id":  key.UserID,
		"agent_id": key.AgentID,
		"metadata": metadata,
	}
	return s.do(ctx, http.MethodPatch, "/sessions/"+key.SessionID+"/metadata", nil, body, nil)
}

// do runs one JSON request with retries. out may be nil.
func (s *ServicesClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vtrealtime: marshal %s body: %w", path, err)
		}
		payload = b
	}

	u := *s.baseURL
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	endpoint := method + " " + path

	retry := s.retry
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Warn("service_retry", map[string]any{
			"endpoint": endpoint, "attempt": attempt, "delay_ms": delay.Milliseconds(), "err": err,
		})
		if s.retry.OnRetry != nil {
			s.retry.OnRetry(attempt, delay, err)
		}
	}

	return WithRetry(ctx, retry, func(attempt int) error {
		call := func() error { return s.attempt(ctx, method, u.String(), endpoint, payload, out) }
		if s.breaker != nil {
			return s.breaker.Execute(call)
		}
		return call()
	})
}

func (s *ServicesClient) attempt(ctx context.Context, method, target, endpoint string, payload []byte, out any) error {
	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, target, rd)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &TimeoutError{Endpoint: endpoint, Cause: err}
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: truncateBody(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ResponseDecodeError{Endpoint: endpoint, StatusCode: resp.StatusCode, Cause: err}
	}
	return nil
}

func truncateBody(b []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
