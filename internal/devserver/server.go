// Package devserver is a local stand-in for the avatar backend. It speaks the
// realtime WebSocket protocol (authorize, heartbeats, streamed replies with
// synthesized audio chunks) and serves the HTTP collaborator endpoints, so the
// client can be exercised end to end without the real services.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Options configures a Server. Zero values select the defaults.
type Options struct {
	// Verifier checks authorize tokens. Nil means clients may chat without authorizing.
	Verifier TokenVerifier
	// PingInterval is the period of application-level ping messages; 0 disables them.
	PingInterval time.Duration
	// TokenDelay is the pause between streamed tokens.
	TokenDelay time.Duration
	// SentenceAudio is the length of the tone synthesized per sentence.
	SentenceAudio time.Duration
	SampleRate    int
	// Reply turns user input into the agent's answer.
	Reply  func(content string) string
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.SentenceAudio == 0 {
		o.SentenceAudio = 300 * time.Millisecond
	}
	if o.SampleRate == 0 {
		o.SampleRate = 16000
	}
	if o.Reply == nil {
		o.Reply = EchoReply
	}
	if o.Logger == nil {
		o.Logger = NewLogger("info")
	}
	return o
}

// EchoReply answers with the user's own words.
func EchoReply(content string) string {
	return "You said: " + strings.TrimSpace(content) + ". Nice to meet you!"
}

// NewLogger returns a JSON logrus logger writing to stdout.
func NewLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// PlaybackAck is a playback report received from a client.
type PlaybackAck struct {
	ConnectionID string
	TaskID       string
	TurnID       string
	State        string
}

// Server is the development backend. It implements http.Handler.
type Server struct {
	opts     Options
	log      *logrus.Logger
	echo     *echo.Echo
	upgrader websocket.Upgrader
	sessions *sessionStore

	mu         sync.Mutex
	clients    map[string]*client
	acks       []PlaybackAck
	interrupts []string
}

// New creates a server with its routes registered.
func New(opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		opts: opts,
		log:  opts.Logger,
		echo: echo.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: newSessionStore(),
		clients:  make(map[string]*client),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "vtrealtime-devserver"})
	})
	e.GET("/ws", s.handleWebSocket)

	e.POST("/tts/synthesize", s.handleSynthesize)
	e.POST("/vlm/analyze", s.handleAnalyze)

	e.POST("/sessions/history", s.handleAddHistory)
	e.GET("/sessions/history", s.handleGetHistory)
	e.GET("/sessions", s.handleListSessions)
	e.DELETE("/sessions/:id", s.handleDeleteSession)
	e.PATCH("/sessions/:id/metadata", s.handleUpdateMetadata)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.WithField("addr", addr).Info("devserver listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every client with a going-away code and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.DropConnections(websocket.CloseGoingAway, "server shutdown")
	return s.echo.Shutdown(ctx)
}

// DropConnections closes every connected client with code.
func (s *Server) DropConnections(code int, reason string) {
	for _, c := range s.snapshotClients() {
		c.closeWith(code, reason)
	}
}

// Broadcast sends msg to every connected client.
func (s *Server) Broadcast(msg any) {
	for _, c := range s.snapshotClients() {
		c.enqueue(msg)
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Acks returns the playback reports received so far.
func (s *Server) Acks() []PlaybackAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PlaybackAck(nil), s.acks...)
}

// Interrupts returns the heard_text of every interrupt received so far.
func (s *Server) Interrupts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interrupts...)
}

func (s *Server) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) removeClient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
}

func (s *Server) recordAck(a PlaybackAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, a)
}

func (s *Server) recordInterrupt(heard string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts = append(s.interrupts, heard)
}
