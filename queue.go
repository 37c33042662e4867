package vtrealtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPriority is assigned by EnqueuePriority when a task has none.
const DefaultPriority = 100

// AudioTask is one unit of playback: audio, its lip-sync signal, and the
// caption and expressions shown with it.
type AudioTask struct {
	ID          string
	AudioBase64 string
	Volumes     []float64     // lip-sync values in [0, 1]
	SliceLength time.Duration // wall-clock length of one volume value
	Duration    time.Duration // audio length, 0 if unknown
	DisplayText *DisplayText
	Expressions []string
	Priority    int
	Forwarded   bool // played on behalf of another client; not acknowledged
	TurnID      string
	Timestamp   time.Time
}

// PlaybackStatus is the controller state exposed through QueueMetadata.
type PlaybackStatus int

const (
	PlaybackIdle PlaybackStatus = iota
	PlaybackPlaying
)

func (s PlaybackStatus) String() string {
	if s == PlaybackPlaying {
		return "playing"
	}
	return "idle"
}

// QueueMetadata is a snapshot of the queue and the task being played.
type QueueMetadata struct {
	TotalTasks     int
	CompletedTasks int
	Status         PlaybackStatus
	CurrentTaskID  string
}

// PlaybackQueue is an ordered store of audio tasks: FIFO, except that priority
// tasks are inserted at the head. Every change is broadcast as a QueueMetadata
// snapshot.
type PlaybackQueue struct {
	mu        sync.Mutex
	tasks     []*AudioTask
	current   *AudioTask
	completed int
	status    PlaybackStatus

	signal  chan struct{}
	updates *Broadcaster[QueueMetadata]
}

// NewPlaybackQueue creates an empty queue.
func NewPlaybackQueue() *PlaybackQueue {
	return &PlaybackQueue{
		signal:  make(chan struct{}, 1),
		updates: NewBroadcaster[QueueMetadata](),
	}
}

func (q *PlaybackQueue) prepare(task *AudioTask) *AudioTask {
	if task == nil {
		task = &AudioTask{}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Timestamp.IsZero() {
		task.Timestamp = time.Now()
	}
	return task
}

// Enqueue appends task to the tail, assigning an id and timestamp when absent.
func (q *PlaybackQueue) Enqueue(task *AudioTask) *AudioTask {
	task = q.prepare(task)
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.changedLocked()
	q.mu.Unlock()
	q.wake()
	return task
}

// EnqueuePriority inserts task at the head. Priority defaults to 100.
func (q *PlaybackQueue) EnqueuePriority(task *AudioTask) *AudioTask {
	task = q.prepare(task)
	if task.Priority == 0 {
		task.Priority = DefaultPriority
	}
	q.mu.Lock()
	q.tasks = append([]*AudioTask{task}, q.tasks...)
	q.changedLocked()
	q.mu.Unlock()
	q.wake()
	return task
}

// Dequeue removes and returns the head task, or nil when empty.
func (q *PlaybackQueue) Dequeue() *AudioTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *PlaybackQueue) popLocked() *AudioTask {
	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.changedLocked()
	return task
}

// Peek returns the head task without removing it.
func (q *PlaybackQueue) Peek() *AudioTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[0]
}

// RemoveTask removes the queued task with the given id.
func (q *PlaybackQueue) RemoveTask(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			q.changedLocked()
			return true
		}
	}
	return false
}

// Clear empties the queue and resets the status and current task.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
	q.current = nil
	q.status = PlaybackIdle
	q.changedLocked()
}

// HasTask reports whether a task is queued or playing.
func (q *PlaybackQueue) HasTask() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) > 0 || q.current != nil
}

// Len returns the number of queued tasks.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Metadata returns a snapshot of the queue state.
func (q *PlaybackQueue) Metadata() QueueMetadata {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metadataLocked()
}

func (q *PlaybackQueue) metadataLocked() QueueMetadata {
	md := QueueMetadata{
		TotalTasks:     len(q.tasks),
		CompletedTasks: q.completed,
		Status:         q.status,
	}
	if q.current != nil {
		md.CurrentTaskID = q.current.ID
	}
	return md
}

// Subscribe returns a channel of metadata snapshots and a cancel func.
func (q *PlaybackQueue) Subscribe() (<-chan QueueMetadata, func()) {
	return q.updates.Subscribe(32)
}

// UpdateStats reports how many snapshots were published and how many a slow
// subscriber missed.
func (q *PlaybackQueue) UpdateStats() BroadcastStats {
	return q.updates.Stats()
}

func (q *PlaybackQueue) changedLocked() {
	q.updates.Publish(q.metadataLocked())
}

func (q *PlaybackQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// startNext dequeues the head and makes it current in one step. When the queue
// is empty the status drops to idle and nil is returned.
func (q *PlaybackQueue) startNext() *AudioTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil {
		return nil
	}
	task := q.popLocked()
	if task == nil {
		if q.status != PlaybackIdle {
			q.status = PlaybackIdle
			q.changedLocked()
		}
		return nil
	}
	q.current = task
	q.status = PlaybackPlaying
	q.changedLocked()
	return task
}

// finish clears task as current and counts it completed. A task dropped by
// Clear in the meantime is not counted.
func (q *PlaybackQueue) finish(task *AudioTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != task {
		return false
	}
	q.current = nil
	q.completed++
	if len(q.tasks) == 0 {
		q.status = PlaybackIdle
	}
	q.changedLocked()
	return true
}
