package vtrealtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Session wires a Connection to the playback pipeline: inbound audio chunks are
// decoded into tasks, queued, and played by the Controller, while chat and
// playback progress go back over the connection.
type Session struct {
	cfg        Config
	logger     *Logger
	conn       *Connection
	queue      *PlaybackQueue
	controller *Controller
	services   *ServicesClient // nil without ServicesURL
	history    *HistoryCache
	sequencer  *ChunkSequencer
	text       *TextAssembler

	handlerMu  sync.RWMutex
	onEvent    func(Event)
	onTurnDone func(turnID, text string)

	mu        sync.Mutex
	heard     []string // captions of tasks started in the current turn
	runCancel context.CancelFunc
	runDone   chan struct{}

	// turnMu orders chunk intake against Interrupt.
	turnMu    sync.Mutex
	liveTurns map[string]struct{} // turns seen since the last interrupt
	cutTurns  map[string]struct{} // interrupted turns whose late audio is dropped

	histMu     sync.Mutex
	histClosed bool
	histCh     chan HistoryMessage
	histCancel context.CancelFunc
	histDone   chan struct{}
}

const (
	historyQueueSize    = 256
	historyDrainTimeout = 5 * time.Second
	maxCutTurns         = 32
)

// NewSession builds a session from cfg. A nil player waits for each task's
// audio duration; a nil presenter discards output.
func NewSession(cfg Config, player Player, presenter Presenter) (*Session, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	conn, err := NewConnection(cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       cfg,
		logger:    cfg.Logger,
		conn:      conn,
		queue:     NewPlaybackQueue(),
		sequencer: NewChunkSequencer(),
		text:      NewTextAssembler(),
		liveTurns: make(map[string]struct{}),
		cutTurns:  make(map[string]struct{}),
		histCh:    make(chan HistoryMessage, historyQueueSize),
		histDone:  make(chan struct{}),
	}

	if cfg.ServicesURL != "" {
		s.services, err = NewServicesClient(cfg.ServicesURL,
			WithRequestTimeout(cfg.ServicesTimeout),
			WithRetryConfig(*cfg.ServicesRetry),
			WithCircuitBreaker(NewCircuitBreaker(CircuitBreakerConfig{RecoveryTimeout: 30 * time.Second})),
			WithServicesLogger(cfg.Logger),
		)
		if err != nil {
			return nil, err
		}
	}

	var store KVStore = NewMemoryStore()
	if cfg.HistoryDir != "" {
		fs, err := NewFileStore(cfg.HistoryDir)
		if err != nil {
			return nil, err
		}
		store = fs
	}
	s.history = NewHistoryCache(store, cfg.Logger)

	s.controller = NewController(s.queue, player, presenter, PlaybackHooks{
		OnStart:  s.playbackStarted,
		OnFinish: s.playbackFinished,
	}, cfg.Logger)

	histCtx, cancel := context.WithCancel(context.Background())
	s.histCancel = cancel
	go s.historyWorker(histCtx)

	conn.OnEvent(s.handleEvent)
	return s, nil
}

// Connection returns the underlying connection.
func (s *Session) Connection() *Connection { return s.conn }

// Queue returns the playback queue.
func (s *Session) Queue() *PlaybackQueue { return s.queue }

// Controller returns the playback controller.
func (s *Session) Controller() *Controller { return s.controller }

// Services returns the HTTP collaborator client, or nil when not configured.
func (s *Session) Services() *ServicesClient { return s.services }

// History returns the local history cache.
func (s *Session) History() *HistoryCache { return s.history }

// OnEvent registers a callback receiving every inbound event after the
// session has processed it.
func (s *Session) OnEvent(fn func(Event)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onEvent = fn
}

// OnTurnComplete registers a callback receiving the assembled text of each
// streamed turn.
func (s *Session) OnTurnComplete(fn func(turnID, text string)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onTurnDone = fn
}

// Start connects to cfg.URL and starts the playback loop.
func (s *Session) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return NewConfigError("URL", "", "required to start a session")
	}

	s.mu.Lock()
	if s.runCancel == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		s.runCancel = cancel
		s.runDone = make(chan struct{})
		go func() {
			defer close(s.runDone)
			_ = s.controller.Run(runCtx)
		}()
	}
	s.mu.Unlock()

	return s.conn.Connect(ctx, s.cfg.URL)
}

func (s *Session) sessionKey() (SessionKey, bool) {
	k := SessionKey{UserID: s.cfg.UserID, AgentID: s.cfg.AgentID, SessionID: s.cfg.SessionID}
	return k, k.UserID != "" && k.AgentID != "" && k.SessionID != ""
}

// SendChat sends user text (and optional images) to the agent and lifts a
// previous interruption.
func (s *Session) SendChat(ctx context.Context, text string, images ...string) error {
	msg, err := CreateChatMessage(text, ChatContext{
		AgentID:        s.cfg.AgentID,
		UserID:         s.cfg.UserID,
		Images:         images,
		ConversationID: s.cfg.SessionID,
	})
	if err != nil {
		return err
	}
	s.resume()
	if err := s.conn.SendMessage(msg); err != nil {
		return err
	}
	s.recordHistory(HistoryMessage{Type: "human", Content: text, Timestamp: msg.Timestamp})
	return nil
}

// Interrupt stops playback, drops pending audio and tells the server what the
// user heard before cutting in. Audio of the interrupted turns that arrives
// later is discarded.
func (s *Session) Interrupt() error {
	s.turnMu.Lock()
	if len(s.cutTurns) > maxCutTurns {
		s.cutTurns = make(map[string]struct{})
	}
	for turn := range s.liveTurns {
		s.cutTurns[turn] = struct{}{}
	}
	s.liveTurns = make(map[string]struct{})
	s.controller.Interrupt()
	s.sequencer.Reset()
	s.text.Reset()
	s.turnMu.Unlock()

	s.mu.Lock()
	heard := strings.Join(s.heard, " ")
	s.heard = nil
	s.mu.Unlock()

	return s.conn.SendMessage(CreateInterruptMessage(heard))
}

// Speak synthesizes text through the speech service and queues it for playback.
func (s *Session) Speak(ctx context.Context, text string) (*AudioTask, error) {
	if s.services == nil {
		return nil, NewConfigError("ServicesURL", "", "speech synthesis needs a services URL")
	}
	res, err := s.services.SynthesizeSpeech(ctx, text, "")
	if err != nil {
		return nil, err
	}
	task, err := s.buildTask(&TTSReadyChunk{Audio: res.AudioBase64, DisplayText: &DisplayText{Text: text}, Forwarded: true})
	if err != nil {
		return nil, err
	}
	s.resume()
	return s.queue.Enqueue(task), nil
}

// resume lifts an interruption. Unnamed turns start playing again; named
// interrupted turns stay cut until their stream_end.
func (s *Session) resume() {
	s.turnMu.Lock()
	delete(s.cutTurns, "")
	s.turnMu.Unlock()
	s.controller.Resume()
}

// Close stops playback and closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, done := s.runCancel, s.runDone
	s.runCancel = nil
	s.mu.Unlock()

	err := s.conn.Close()
	if cancel != nil {
		cancel()
		<-done
	}
	s.closeHistory()
	_ = s.logger.Sync()
	return err
}

func (s *Session) handleEvent(ev Event) {
	switch e := ev.(type) {
	case *StreamStart:
		s.turnMu.Lock()
		delete(s.cutTurns, "")
		s.liveTurns[e.TurnID] = struct{}{}
		s.turnMu.Unlock()
		s.controller.Resume()
		s.mu.Lock()
		s.heard = nil
		s.mu.Unlock()
	case *StreamToken:
		s.turnMu.Lock()
		if !s.cutLocked(e.TurnID) {
			s.liveTurns[e.TurnID] = struct{}{}
			s.text.OnDelta(e)
		}
		s.turnMu.Unlock()
	case *TTSReadyChunk:
		s.turnMu.Lock()
		if s.cutLocked(e.TurnID) {
			s.dropChunk(e, "interrupted", nil)
		} else {
			s.liveTurns[e.TurnID] = struct{}{}
			for _, chunk := range s.sequencer.Push(e) {
				s.enqueueChunk(chunk)
			}
		}
		s.turnMu.Unlock()
	case *StreamEnd:
		s.turnMu.Lock()
		cut := s.cutLocked(e.TurnID)
		var text string
		if cut {
			delete(s.cutTurns, e.TurnID)
		} else {
			for _, chunk := range s.sequencer.Flush(e.TurnID) {
				s.enqueueChunk(chunk)
			}
			text = s.text.OnDone(e.TurnID)
		}
		delete(s.liveTurns, e.TurnID)
		s.turnMu.Unlock()

		if text != "" {
			s.handlerMu.RLock()
			fn := s.onTurnDone
			s.handlerMu.RUnlock()
			if fn != nil {
				fn(e.TurnID, text)
			}
			s.recordHistory(HistoryMessage{Type: "ai", Content: text, Timestamp: e.Timestamp})
		}
	case *ChatResponse:
		s.resume()
		s.recordHistory(HistoryMessage{Type: "ai", Content: e.Content, Timestamp: e.Timestamp, Metadata: e.Metadata})
	}

	s.handlerMu.RLock()
	fn := s.onEvent
	s.handlerMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *Session) cutLocked(turnID string) bool {
	_, ok := s.cutTurns[turnID]
	return ok
}

func (s *Session) buildTask(ev *TTSReadyChunk) (*AudioTask, error) {
	ls, err := ExtractLipSync(ev.Audio, s.cfg.FrameSize)
	if err != nil {
		return nil, err
	}
	return &AudioTask{
		AudioBase64: ev.Audio,
		Volumes:     ls.Volumes,
		SliceLength: ls.SliceLength,
		Duration:    ls.Duration,
		DisplayText: ev.DisplayText,
		Expressions: ev.Expressions,
		Forwarded:   ev.Forwarded,
		TurnID:      ev.TurnID,
	}, nil
}

// enqueueChunk decodes a chunk into a task. Undecodable chunks are dropped.
func (s *Session) enqueueChunk(ev *TTSReadyChunk) {
	task, err := s.buildTask(ev)
	if err != nil {
		s.dropChunk(ev, "undecodable", err)
		return
	}
	s.queue.Enqueue(task)
}

func (s *Session) dropChunk(ev *TTSReadyChunk, reason string, err error) {
	fields := map[string]any{"turn_id": ev.TurnID, "reason": reason}
	if ev.ChunkIndex != nil {
		fields["chunk_index"] = *ev.ChunkIndex
	}
	if err != nil {
		fields["err"] = err
		s.logger.Warn("task_dropped", fields)
		return
	}
	s.logger.Debug("task_dropped", fields)
}

func (s *Session) playbackStarted(task *AudioTask) {
	if task.DisplayText != nil && task.DisplayText.Text != "" {
		s.mu.Lock()
		s.heard = append(s.heard, task.DisplayText.Text)
		s.mu.Unlock()
	}
	s.ack(task, PlaybackStarted)
}

func (s *Session) playbackFinished(task *AudioTask, interrupted bool) {
	if interrupted {
		s.ack(task, PlaybackInterrupted)
		return
	}
	s.ack(task, PlaybackFinished)
}

func (s *Session) ack(task *AudioTask, state string) {
	if !s.cfg.AckPlayback || task.Forwarded {
		return
	}
	if err := s.conn.SendMessage(CreatePlaybackAckMessage(task.ID, task.TurnID, state)); err != nil {
		s.logger.Warn("playback_ack_failed", map[string]any{"task_id": task.ID, "err": err})
	}
}

// recordHistory queues msg for the history worker. Messages are saved in the
// order they were recorded.
func (s *Session) recordHistory(msg HistoryMessage) {
	if _, ok := s.sessionKey(); !ok {
		return
	}
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if s.histClosed {
		return
	}
	s.histCh <- msg
}

func (s *Session) historyWorker(ctx context.Context) {
	defer close(s.histDone)
	key, _ := s.sessionKey()
	var syncer HistorySyncer
	if s.services != nil {
		syncer = s.services
	}
	for msg := range s.histCh {
		// failures stay queued for SyncPending
		if err := s.history.Save(ctx, key, syncer, msg); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("history_save_deferred", map[string]any{"err": err})
		}
	}
}

// closeHistory stops intake and waits for queued messages. Remote calls still
// running after historyDrainTimeout are cancelled and their messages stay pending.
func (s *Session) closeHistory() {
	s.histMu.Lock()
	if !s.histClosed {
		s.histClosed = true
		close(s.histCh)
	}
	s.histMu.Unlock()

	select {
	case <-s.histDone:
	case <-time.After(historyDrainTimeout):
		s.histCancel()
		<-s.histDone
	}
	s.histCancel()
}

// SyncHistory pushes locally queued history to the services backend.
func (s *Session) SyncHistory(ctx context.Context) (int, error) {
	if s.services == nil {
		return 0, NewConfigError("ServicesURL", "", "history sync needs a services URL")
	}
	return s.history.SyncPending(ctx, s.services)
}
