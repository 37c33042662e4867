package vtrealtime

import (
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestOutboundQueue_FIFO(t *testing.T) {
	q := NewOutboundQueue(10, nil)
	for i := 0; i < 3; i++ {
		q.Push(i)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	got := q.Drain()
	for i, v := range got {
		if v != i {
			t.Errorf("item %d = %v, want %d", i, v, i)
		}
	}
	if q.Len() != 0 || len(q.Drain()) != 0 {
		t.Error("queue should be empty after drain")
	}
}

func TestOutboundQueue_DropsOldest(t *testing.T) {
	logger, logs := newObservedLogger(LogLevelDebug)
	q := NewOutboundQueue(DefaultOutboundQueueSize, logger)

	for i := 0; i < 150; i++ {
		q.Push(map[string]any{"type": "chat_message", "n": i})
	}
	if q.Len() != 100 {
		t.Fatalf("Len = %d, want 100", q.Len())
	}
	if q.Dropped() != 50 {
		t.Errorf("Dropped = %d, want 50", q.Dropped())
	}

	items := q.Drain()
	if first := items[0].(map[string]any)["n"]; first != 50 {
		t.Errorf("oldest kept message = %v, want 50", first)
	}
	if last := items[99].(map[string]any)["n"]; last != 149 {
		t.Errorf("newest message = %v, want 149", last)
	}

	dropped := logs.FilterMessage("outbound_message_dropped").All()
	if len(dropped) != 50 {
		t.Fatalf("got %d drop records, want 50", len(dropped))
	}
	if dropped[0].Level != zapcore.WarnLevel || dropped[0].ContextMap()["type"] != "chat_message" {
		t.Errorf("unexpected drop record %+v", dropped[0])
	}
}

func TestOutboundQueue_Requeue(t *testing.T) {
	q := NewOutboundQueue(4, nil)
	q.Push("c")
	q.Requeue([]any{"a", "b"})
	q.Push("d")

	got := fmt.Sprint(q.Drain())
	if got != "[a b c d]" {
		t.Errorf("order = %s, want [a b c d]", got)
	}

	// requeue past capacity still evicts from the head
	q.Push("x")
	q.Push("y")
	q.Requeue([]any{"p", "q", "r"})
	if got := fmt.Sprint(q.Drain()); got != "[q r x y]" {
		t.Errorf("order = %s, want [q r x y]", got)
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}
}

func TestOutboundQueue_DefaultCapacity(t *testing.T) {
	if c := NewOutboundQueue(0, nil).Cap(); c != DefaultOutboundQueueSize {
		t.Errorf("Cap = %d, want %d", c, DefaultOutboundQueueSize)
	}
}

func TestOutboundQueue_Concurrent(t *testing.T) {
	q := NewOutboundQueue(1000, nil)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	if q.Len() != 500 {
		t.Errorf("Len = %d, want 500", q.Len())
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster[int]()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(1)
	defer unsub2()

	if n := b.Publish(1); n != 2 {
		t.Errorf("Publish delivered to %d, want 2", n)
	}
	// ch2 is full, so the second value only reaches ch1
	if n := b.Publish(2); n != 1 {
		t.Errorf("Publish delivered to %d, want 1", n)
	}

	if v := <-ch1; v != 1 {
		t.Errorf("ch1 got %d, want 1", v)
	}
	if v := <-ch1; v != 2 {
		t.Errorf("ch1 got %d, want 2", v)
	}
	if v := <-ch2; v != 1 {
		t.Errorf("ch2 got %d, want 1", v)
	}

	stats := b.Stats()
	if stats.Published != 2 || stats.Dropped != 1 || stats.ActiveSubscribers != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	unsub1()
	unsub1() // idempotent
	if _, open := <-ch1; open {
		t.Error("ch1 should be closed after unsubscribe")
	}
	if b.Stats().ActiveSubscribers != 1 {
		t.Error("expected one active subscriber")
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster[string]()
	ch, _ := b.Subscribe(1)
	b.Close()
	b.Close()

	if _, open := <-ch; open {
		t.Error("subscriber channel should be closed")
	}
	if n := b.Publish("late"); n != 0 {
		t.Errorf("publish after close delivered to %d", n)
	}
	late, _ := b.Subscribe(1)
	if _, open := <-late; open {
		t.Error("subscribe after close should return a closed channel")
	}
}
