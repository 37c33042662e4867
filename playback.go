package vtrealtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

// PlaybackHooks are called around each task. OnFinish reports whether the task
// was cut short by Interrupt.
type PlaybackHooks struct {
	OnStart  func(task *AudioTask)
	OnFinish func(task *AudioTask, interrupted bool)
}

// Controller is the only consumer of a PlaybackQueue. It plays one task at a
// time, drives the lip-sync signal into the Presenter, and stops everything on
// Interrupt.
type Controller struct {
	queue     *PlaybackQueue
	player    Player
	presenter Presenter
	hooks     PlaybackHooks
	logger    *Logger

	mu          sync.Mutex
	interrupted bool
	cancelTask  context.CancelFunc

	kick chan struct{}
}

// NewController creates a controller. A nil player waits for the audio
// duration and a nil presenter discards output.
func NewController(queue *PlaybackQueue, player Player, presenter Presenter, hooks PlaybackHooks, logger *Logger) *Controller {
	if player == nil {
		player = ClockPlayer{}
	}
	if presenter == nil {
		presenter = NopPresenter{}
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Controller{
		queue:     queue,
		player:    player,
		presenter: presenter,
		hooks:     hooks,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

// Run plays queued tasks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	for {
		c.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.queue.signal:
		case <-c.kick:
		}
	}
}

// Kick wakes the run loop, e.g. after Resume.
func (c *Controller) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if c.Interrupted() {
			return
		}
		task := c.queue.startNext()
		if task == nil {
			return
		}
		c.play(ctx, task)
	}
}

func (c *Controller) play(ctx context.Context, task *AudioTask) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancelTask = cancel
	if c.interrupted {
		cancel()
	}
	c.mu.Unlock()

	c.logger.Debug("playback_started", map[string]any{"task_id": task.ID, "turn_id": task.TurnID})
	if c.hooks.OnStart != nil {
		c.hooks.OnStart(task)
	}

	if task.DisplayText != nil {
		c.presenter.ShowText(task.DisplayText)
	}
	if len(task.Expressions) > 0 {
		c.presenter.SetExpression(task.Expressions[0])
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.driveLipSync(tctx, task)
	}()

	err := c.player.Play(tctx, task)
	cancel()
	wg.Wait()
	c.presenter.SetMouthOpen(0)

	c.mu.Lock()
	c.cancelTask = nil
	interrupted := c.interrupted
	c.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("playback_failed", map[string]any{"task_id": task.ID, "err": err})
	}
	c.queue.finish(task)

	c.logger.Debug("playback_finished", map[string]any{"task_id": task.ID, "interrupted": interrupted})
	if c.hooks.OnFinish != nil {
		c.hooks.OnFinish(task, interrupted)
	}
}

// driveLipSync emits one volume per SliceLength until the signal or ctx ends.
func (c *Controller) driveLipSync(ctx context.Context, task *AudioTask) {
	if len(task.Volumes) == 0 || task.SliceLength <= 0 {
		return
	}
	c.presenter.SetMouthOpen(task.Volumes[0])

	t := time.NewTicker(task.SliceLength)
	defer t.Stop()
	for i := 1; i < len(task.Volumes); i++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.presenter.SetMouthOpen(task.Volumes[i])
		}
	}
}

// Interrupt stops the task being played and clears the queue. The controller
// stays interrupted, queueing but not starting new tasks, until Resume.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	c.interrupted = true
	cancel := c.cancelTask
	c.mu.Unlock()

	// cleared before cancelling so the stopped task is not counted as completed
	c.queue.Clear()
	if cancel != nil {
		cancel()
	}
	c.logger.Info("playback_interrupted", map[string]any{})
}

// Resume lifts an interruption and restarts playback of queued tasks.
func (c *Controller) Resume() {
	c.mu.Lock()
	was := c.interrupted
	c.interrupted = false
	c.mu.Unlock()
	if was {
		c.logger.Debug("playback_resumed", map[string]any{})
	}
	c.Kick()
}

// Interrupted reports whether the controller is holding playback.
func (c *Controller) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// Status returns the playback status.
func (c *Controller) Status() PlaybackStatus {
	return c.queue.Metadata().Status
}
