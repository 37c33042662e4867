package vtrealtime

import (
	"context"
	"sync"
	"time"
)

// Player plays the audio of one task. Play blocks until playback ends or ctx
// is cancelled. An error is logged and the task counts as completed.
type Player interface {
	Play(ctx context.Context, task *AudioTask) error
}

// Presenter is the presentation surface driven during playback. Calls come
// from the controller goroutine, one at a time.
type Presenter interface {
	ShowText(text *DisplayText)
	SetExpression(name string)
	SetMouthOpen(value float64)
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, task *AudioTask) error

func (f PlayerFunc) Play(ctx context.Context, task *AudioTask) error { return f(ctx, task) }

// ClockPlayer is a headless player that waits for the audio duration.
// Speed scales playback time; 0 means real time.
type ClockPlayer struct {
	Speed float64
}

func (p ClockPlayer) Play(ctx context.Context, task *AudioTask) error {
	d := task.Duration
	if d == 0 && task.AudioBase64 != "" {
		wav, err := DecodeBase64WAV(task.AudioBase64)
		if err != nil {
			return err
		}
		if d, err = WAVDuration(wav); err != nil {
			return err
		}
	}
	if p.Speed > 0 {
		d = time.Duration(float64(d) / p.Speed)
	}
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NopPresenter discards every call.
type NopPresenter struct{}

func (NopPresenter) ShowText(*DisplayText) {}
func (NopPresenter) SetExpression(string)  {}
func (NopPresenter) SetMouthOpen(float64)  {}

// RecordingPresenter keeps every call, for headless clients and tests.
type RecordingPresenter struct {
	mu          sync.Mutex
	texts       []DisplayText
	expressions []string
	mouth       []float64
}

func (r *RecordingPresenter) ShowText(t *DisplayText) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, *t)
}

func (r *RecordingPresenter) SetExpression(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expressions = append(r.expressions, name)
}

func (r *RecordingPresenter) SetMouthOpen(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mouth = append(r.mouth, v)
}

// Snapshot returns copies of the recorded calls.
func (r *RecordingPresenter) Snapshot() (texts []DisplayText, expressions []string, mouth []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DisplayText(nil), r.texts...),
		append([]string(nil), r.expressions...),
		append([]float64(nil), r.mouth...)
}
