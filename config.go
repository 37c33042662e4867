package vtrealtime

import (
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults shared by the connection, validator and playback layers.
const (
	DefaultOutboundQueueSize   = 100
	DefaultMaxReconnectAttempt = 5
	DefaultFrameSize           = 1024
	DefaultMaxStringLength     = 100000
	DefaultMaxAudioLength      = 16 << 20
	DefaultMaxDepth            = 10
	DefaultServicesTimeout     = 30 * time.Second
	DefaultWriteTimeout        = 15 * time.Second
	DefaultKeepaliveInterval   = 20 * time.Second
)

// ReconnectConfig controls automatic reconnection after abnormal closes.
type ReconnectConfig struct {
	// Disabled turns automatic reconnection off. It can be toggled at runtime with
	// Connection.EnableReconnection / DisableReconnection.
	Disabled bool

	// MaxAttempts bounds consecutive reconnection attempts.
	// Default: 5
	MaxAttempts int

	// BaseDelay is the delay before the first attempt; it doubles per attempt.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay before jitter.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Jitter randomizes each delay by ±Jitter of its value (0.0-1.0).
	// Default: 0.1
	Jitter float64
}

// Config holds all configuration options for a realtime avatar session.
// Zero values are replaced by defaults when the session or connection is built.
type Config struct {
	// URL is the WebSocket endpoint of the backend, e.g. wss://host/client-ws.
	// Required by Session.Start; Connection.Connect takes the URL explicitly.
	URL string

	// Token is sent in an authorize message right after the socket opens.
	// Required: No (without a token the baseline init messages are sent immediately)
	Token string

	// DialTimeout sets the maximum time to wait for the WebSocket handshake.
	// If zero, no timeout is applied beyond the caller's context.
	DialTimeout time.Duration

	// HandshakeHeaders adds custom headers to the WebSocket handshake request.
	HandshakeHeaders http.Header

	// WriteTimeout bounds a single socket write.
	// Default: 15 seconds
	WriteTimeout time.Duration

	// KeepaliveInterval is the period of transport-level pings. Negative disables them.
	// Default: 20 seconds
	KeepaliveInterval time.Duration

	// Reconnect configures reconnection with exponential backoff.
	Reconnect ReconnectConfig

	// OutboundQueueSize caps messages buffered while the socket is not open.
	// Default: 100
	OutboundQueueSize int

	// InitMessages are sent, in order, once the connection is ready: right after open
	// without a token, or after authorize_success with one.
	InitMessages []any

	// MaxStringLength and MaxDepth bound inbound message sanitization.
	// Defaults: 100000 characters, depth 10
	MaxStringLength int
	MaxDepth        int

	// MaxAudioLength bounds base64 audio fields, which are checked but never truncated.
	// Default: 16 MiB of base64 text
	MaxAudioLength int

	// FrameSize is the number of samples per lip-sync volume value.
	// Default: 1024
	FrameSize int

	// AgentID and UserID identify the conversation in outbound chat messages.
	AgentID string
	UserID  string

	// SessionID is sent as conversation_id and keys the chat history.
	SessionID string

	// AckPlayback makes the session report playback start/finish of non-forwarded tasks.
	AckPlayback bool

	// ServicesURL is the base URL of the HTTP collaborators (TTS, VLM, sessions).
	// Required: No (the session works without HTTP collaborators)
	ServicesURL string

	// ServicesTimeout is the per-attempt timeout of HTTP collaborator calls.
	// Default: 30 seconds
	ServicesTimeout time.Duration

	// ServicesRetry configures retries of HTTP collaborator calls.
	// Default: DefaultRetryConfig()
	ServicesRetry *RetryConfig

	// HistoryDir enables the on-disk history fallback. Empty keeps history in memory.
	HistoryDir string

	// Logger receives structured events. If nil, a logger configured from
	// VTREALTIME_LOG_LEVEL is used.
	Logger *Logger

	// Transport dials sockets. If nil, the nhooyr.io/websocket transport is used.
	Transport Transport
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxReconnectAttempt
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = time.Second
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = 0.1
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.MaxStringLength == 0 {
		c.MaxStringLength = DefaultMaxStringLength
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxAudioLength == 0 {
		c.MaxAudioLength = DefaultMaxAudioLength
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.ServicesTimeout == 0 {
		c.ServicesTimeout = DefaultServicesTimeout
	}
	if c.ServicesRetry == nil {
		rc := DefaultRetryConfig()
		c.ServicesRetry = &rc
	}
	if c.Logger == nil {
		c.Logger = NewLoggerFromEnv()
	}
	if c.Transport == nil {
		c.Transport = NewWebSocketTransport()
	}
	return c
}

// ValidateConfig performs configuration validation.
func ValidateConfig(cfg Config) error {
	if cfg.URL != "" {
		if err := validateSocketURL(cfg.URL); err != nil {
			return err
		}
	}
	if cfg.ServicesURL != "" {
		u, err := url.Parse(cfg.ServicesURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return NewConfigError("ServicesURL", cfg.ServicesURL, "must be an absolute http(s) URL")
		}
	}
	if cfg.DialTimeout < 0 {
		return NewConfigError("DialTimeout", cfg.DialTimeout.String(), "cannot be negative")
	}
	if cfg.WriteTimeout < 0 {
		return NewConfigError("WriteTimeout", cfg.WriteTimeout.String(), "cannot be negative")
	}
	if cfg.OutboundQueueSize < 0 {
		return NewConfigError("OutboundQueueSize", strconv.Itoa(cfg.OutboundQueueSize), "cannot be negative")
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return NewConfigError("Reconnect.MaxAttempts", strconv.Itoa(cfg.Reconnect.MaxAttempts), "cannot be negative")
	}
	if cfg.Reconnect.BaseDelay < 0 || cfg.Reconnect.MaxDelay < 0 {
		return NewConfigError("Reconnect", "", "delays cannot be negative")
	}
	if cfg.Reconnect.Jitter < 0 || cfg.Reconnect.Jitter > 1 {
		return NewConfigError("Reconnect.Jitter", strconv.FormatFloat(cfg.Reconnect.Jitter, 'f', -1, 64), "must be between 0.0 and 1.0")
	}
	if cfg.MaxStringLength < 0 || cfg.MaxDepth < 0 || cfg.MaxAudioLength < 0 {
		return NewConfigError("MaxStringLength", "", "sanitizer limits cannot be negative")
	}
	if cfg.FrameSize < 0 {
		return NewConfigError("FrameSize", strconv.Itoa(cfg.FrameSize), "cannot be negative")
	}
	if cfg.ServicesTimeout < 0 {
		return NewConfigError("ServicesTimeout", cfg.ServicesTimeout.String(), "cannot be negative")
	}
	return nil
}

func validateSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return NewConfigError("URL", raw, "invalid URL format")
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return NewConfigError("URL", raw, "scheme must be ws, wss, http or https")
	}
	if u.Host == "" {
		return NewConfigError("URL", raw, "host is required")
	}
	return nil
}

// LoadConfigFromEnv builds a Config from VTREALTIME_* environment variables.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment win over the file.
func LoadConfigFromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, NewConfigError(".env", "", err.Error())
	}

	cfg := Config{
		URL:         os.Getenv("VTREALTIME_URL"),
		Token:       os.Getenv("VTREALTIME_TOKEN"),
		ServicesURL: os.Getenv("VTREALTIME_SERVICES_URL"),
		AgentID:     os.Getenv("VTREALTIME_AGENT_ID"),
		UserID:      os.Getenv("VTREALTIME_USER_ID"),
		SessionID:   os.Getenv("VTREALTIME_SESSION_ID"),
		HistoryDir:  os.Getenv("VTREALTIME_HISTORY_DIR"),
		Logger:      NewLoggerFromEnv(),
	}

	if v := os.Getenv("VTREALTIME_MAX_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, NewConfigError("VTREALTIME_MAX_RECONNECT_ATTEMPTS", v, "must be an integer")
		}
		cfg.Reconnect.MaxAttempts = n
	}
	if v := os.Getenv("VTREALTIME_RECONNECT_BASE_DELAY_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, NewConfigError("VTREALTIME_RECONNECT_BASE_DELAY_MS", v, "must be an integer")
		}
		cfg.Reconnect.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("VTREALTIME_TTS_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, NewConfigError("VTREALTIME_TTS_TIMEOUT_MS", v, "must be an integer")
		}
		cfg.ServicesTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("VTREALTIME_FRAME_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, NewConfigError("VTREALTIME_FRAME_SIZE", v, "must be an integer")
		}
		cfg.FrameSize = n
	}
	if v := os.Getenv("VTREALTIME_ACK_PLAYBACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, NewConfigError("VTREALTIME_ACK_PLAYBACK", v, "must be a boolean")
		}
		cfg.AckPlayback = b
	}

	return cfg, ValidateConfig(cfg)
}
