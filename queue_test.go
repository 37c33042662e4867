package vtrealtime

import (
	"testing"
	"time"
)

func TestPlaybackQueue_FIFO(t *testing.T) {
	q := NewPlaybackQueue()
	a := q.Enqueue(&AudioTask{TurnID: "a"})
	b := q.Enqueue(&AudioTask{TurnID: "b"})

	if a.ID == "" || b.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct generated ids, got %q and %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
	if q.Len() != 2 || !q.HasTask() {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if q.Peek() != a {
		t.Error("Peek should return the head without removing it")
	}
	if q.Dequeue() != a || q.Dequeue() != b {
		t.Error("tasks not dequeued in FIFO order")
	}
	if q.Dequeue() != nil || q.Peek() != nil {
		t.Error("empty queue should return nil")
	}
}

func TestPlaybackQueue_KeepsGivenID(t *testing.T) {
	q := NewPlaybackQueue()
	ts := time.Unix(1700000000, 0)
	task := q.Enqueue(&AudioTask{ID: "fixed", Timestamp: ts})
	if task.ID != "fixed" || !task.Timestamp.Equal(ts) {
		t.Errorf("given id/timestamp overwritten: %+v", task)
	}
	if q.Enqueue(nil).ID == "" {
		t.Error("nil task should become an empty task with an id")
	}
}

func TestPlaybackQueue_Priority(t *testing.T) {
	q := NewPlaybackQueue()
	q.Enqueue(&AudioTask{ID: "normal-1"})
	q.Enqueue(&AudioTask{ID: "normal-2"})
	urgent := q.EnqueuePriority(&AudioTask{ID: "urgent"})
	custom := q.EnqueuePriority(&AudioTask{ID: "custom", Priority: 7})

	if urgent.Priority != DefaultPriority || custom.Priority != 7 {
		t.Errorf("priorities = %d/%d", urgent.Priority, custom.Priority)
	}

	want := []string{"custom", "urgent", "normal-1", "normal-2"}
	for _, id := range want {
		if got := q.Dequeue(); got == nil || got.ID != id {
			t.Fatalf("dequeued %v, want %s", got, id)
		}
	}
}

func TestPlaybackQueue_RemoveTask(t *testing.T) {
	q := NewPlaybackQueue()
	q.Enqueue(&AudioTask{ID: "a"})
	q.Enqueue(&AudioTask{ID: "b"})
	q.Enqueue(&AudioTask{ID: "c"})

	if !q.RemoveTask("b") {
		t.Fatal("RemoveTask(b) = false")
	}
	if q.RemoveTask("missing") {
		t.Error("RemoveTask(missing) = true")
	}
	if q.Dequeue().ID != "a" || q.Dequeue().ID != "c" {
		t.Error("remaining order wrong after removal")
	}
}

func TestPlaybackQueue_PlayingLifecycle(t *testing.T) {
	q := NewPlaybackQueue()
	task := q.Enqueue(&AudioTask{ID: "t1"})
	q.Enqueue(&AudioTask{ID: "t2"})

	started := q.startNext()
	if started != task {
		t.Fatalf("startNext = %v, want t1", started)
	}
	if q.startNext() != nil {
		t.Error("startNext must not start a second task while one is current")
	}

	md := q.Metadata()
	if md.Status != PlaybackPlaying || md.CurrentTaskID != "t1" || md.TotalTasks != 1 {
		t.Errorf("unexpected metadata %+v", md)
	}
	if !q.HasTask() {
		t.Error("HasTask should include the current task")
	}

	if !q.finish(task) {
		t.Fatal("finish returned false")
	}
	md = q.Metadata()
	if md.CompletedTasks != 1 || md.CurrentTaskID != "" || md.Status != PlaybackPlaying {
		t.Errorf("after finish with queued work: %+v", md)
	}

	last := q.startNext()
	q.finish(last)
	if md := q.Metadata(); md.Status != PlaybackIdle || md.CompletedTasks != 2 {
		t.Errorf("after draining: %+v", md)
	}
	if q.startNext() != nil {
		t.Error("startNext on empty queue should return nil")
	}
}

func TestPlaybackQueue_ClearDropsCurrent(t *testing.T) {
	q := NewPlaybackQueue()
	task := q.Enqueue(&AudioTask{})
	q.Enqueue(&AudioTask{})
	q.startNext()

	q.Clear()
	md := q.Metadata()
	if md.TotalTasks != 0 || md.CurrentTaskID != "" || md.Status != PlaybackIdle {
		t.Errorf("unexpected metadata after Clear: %+v", md)
	}
	if q.HasTask() {
		t.Error("HasTask after Clear")
	}
	if q.finish(task) {
		t.Error("finish of a cleared task should not count")
	}
	if q.Metadata().CompletedTasks != 0 {
		t.Error("cleared task counted as completed")
	}
}

func TestPlaybackQueue_Subscribe(t *testing.T) {
	q := NewPlaybackQueue()
	updates, cancel := q.Subscribe()
	defer cancel()

	q.Enqueue(&AudioTask{})
	q.Enqueue(&AudioTask{})
	q.Clear()

	want := []int{1, 2, 0}
	for _, n := range want {
		select {
		case md := <-updates:
			if md.TotalTasks != n {
				t.Errorf("TotalTasks = %d, want %d", md.TotalTasks, n)
			}
		case <-time.After(time.Second):
			t.Fatal("missing metadata update")
		}
	}
}

func TestPlaybackQueue_UpdateStats(t *testing.T) {
	q := NewPlaybackQueue()
	_, cancel := q.Subscribe()
	defer cancel()

	for i := 0; i < 40; i++ {
		q.Enqueue(&AudioTask{})
	}
	st := q.UpdateStats()
	if st.Published != 40 {
		t.Errorf("Published = %d, want 40", st.Published)
	}
	if st.Dropped != 8 {
		t.Errorf("Dropped = %d, want 8 past the subscriber buffer", st.Dropped)
	}
	if st.ActiveSubscribers != 1 {
		t.Errorf("ActiveSubscribers = %d, want 1", st.ActiveSubscribers)
	}
}
