// Headless avatar client: connects to the backend, sends each stdin line as a
// chat message and plays replies on a wall clock, logging captions,
// expressions and mouth movement.
//
// Commands: /interrupt, /speak <text>, /sync, /status, /quit.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	vt "github.com/yw0nam/Open-LLM-VTuber-Web-sub000"
)

type logPresenter struct {
	logger   *vt.Logger
	lastOpen float64
}

func (p *logPresenter) ShowText(t *vt.DisplayText) {
	p.logger.Info("caption", map[string]any{"text": t.Text, "name": t.Name})
}

func (p *logPresenter) SetExpression(name string) {
	p.logger.Info("expression", map[string]any{"name": name})
}

// SetMouthOpen logs only noticeable changes.
func (p *logPresenter) SetMouthOpen(v float64) {
	if d := v - p.lastOpen; d > 0.25 || d < -0.25 || v == 0 {
		p.logger.Debug("mouth", map[string]any{"open": fmt.Sprintf("%.2f", v)})
	}
	p.lastOpen = v
}

func main() {
	cfg, err := vt.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	flag.StringVar(&cfg.URL, "url", cfg.URL, "backend WebSocket URL")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "authorize token")
	flag.StringVar(&cfg.ServicesURL, "services", cfg.ServicesURL, "HTTP services base URL")
	flag.StringVar(&cfg.AgentID, "agent", orDefault(cfg.AgentID, "default-agent"), "agent id")
	flag.StringVar(&cfg.UserID, "user", orDefault(cfg.UserID, "cli-user"), "user id")
	flag.StringVar(&cfg.SessionID, "session", cfg.SessionID, "session id")
	flag.StringVar(&cfg.HistoryDir, "history", cfg.HistoryDir, "directory for the local history fallback")
	flag.BoolVar(&cfg.AckPlayback, "ack", cfg.AckPlayback, "send playback acknowledgements")
	speed := flag.Float64("speed", 1, "playback speed factor")
	flag.Parse()

	if cfg.URL == "" {
		log.Fatal("a backend URL is required (-url or VTREALTIME_URL)")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = fmt.Sprintf("cli-%d", time.Now().Unix())
	}
	if err := vt.ValidateConfig(cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	presenter := &logPresenter{logger: cfg.Logger}
	sess, err := vt.NewSession(cfg, vt.ClockPlayer{Speed: *speed}, presenter)
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	defer sess.Close()

	sess.OnTurnComplete(func(turnID, text string) {
		fmt.Printf("agent> %s\n", text)
	})
	sess.OnEvent(func(ev vt.Event) {
		switch e := ev.(type) {
		case *vt.ChatResponse:
			fmt.Printf("agent> %s\n", e.Content)
		case *vt.ErrorEvent:
			fmt.Fprintf(os.Stderr, "error: %s\n", e.Message)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = sess.Start(startCtx)
	cancel()
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				waitForPlayback(ctx, sess)
				return
			}
			if quit := handleLine(ctx, sess, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, sess *vt.Session, line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/interrupt":
		if err := sess.Interrupt(); err != nil {
			fmt.Fprintf(os.Stderr, "interrupt: %v\n", err)
		}
	case line == "/sync":
		n, err := sess.SyncHistory(ctx)
		fmt.Printf("synced %d session(s)", n)
		if err != nil {
			fmt.Printf(" (%v)", err)
		}
		fmt.Println()
	case line == "/status":
		conn := sess.Connection()
		md := sess.Queue().Metadata()
		qs, cs := sess.Queue().UpdateStats(), conn.StateUpdateStats()
		fmt.Printf("state=%s auth=%s queued=%d playback=%s reconnect=%+v dropped_updates=%d/%d\n",
			conn.State(), conn.AuthorizationStatus().State, md.TotalTasks, md.Status, conn.ReconnectionStatus(),
			qs.Dropped+cs.Dropped, qs.Published+cs.Published)
	case strings.HasPrefix(line, "/speak "):
		if _, err := sess.Speak(ctx, strings.TrimPrefix(line, "/speak ")); err != nil {
			fmt.Fprintf(os.Stderr, "speak: %v\n", err)
		}
	default:
		if err := sess.SendChat(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
	}
	return false
}

// waitForPlayback lets queued audio finish after stdin closes.
func waitForPlayback(ctx context.Context, sess *vt.Session) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		md := sess.Queue().Metadata()
		if md.TotalTasks == 0 && md.Status == vt.PlaybackIdle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
