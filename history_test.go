package vtrealtime

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// stubSyncer records AddChatHistory calls and fails while err is set.
type stubSyncer struct {
	mu    sync.Mutex
	err   error
	calls []PendingSync
}

func (s *stubSyncer) AddChatHistory(_ context.Context, key SessionKey, msgs []HistoryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, PendingSync{SessionID: key.SessionID, UserID: key.UserID, AgentID: key.AgentID, Messages: msgs})
	return nil
}

func (s *stubSyncer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

var histKey = SessionKey{UserID: "u1", AgentID: "a1", SessionID: "s1"}

func testStores(t *testing.T) map[string]KVStore {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]KVStore{"memory": NewMemoryStore(), "file": fs}
}

func TestKVStores(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := store.Get("missing"); ok || err != nil {
				t.Errorf("Get(missing) = %v, %v", ok, err)
			}
			if err := store.Set("history:u:a:s/1", []byte(`{"x":1}`)); err != nil {
				t.Fatal(err)
			}
			if err := store.Set("pending:u:a:s", []byte(`{}`)); err != nil {
				t.Fatal(err)
			}
			v, ok, err := store.Get("history:u:a:s/1")
			if !ok || err != nil || string(v) != `{"x":1}` {
				t.Errorf("Get = %s, %v, %v", v, ok, err)
			}
			keys, err := store.Keys("history:")
			if err != nil || len(keys) != 1 || keys[0] != "history:u:a:s/1" {
				t.Errorf("Keys = %v, %v", keys, err)
			}
			if err := store.Delete("history:u:a:s/1"); err != nil {
				t.Fatal(err)
			}
			if err := store.Delete("history:u:a:s/1"); err != nil {
				t.Errorf("deleting a missing key should not fail: %v", err)
			}
			if _, ok, _ := store.Get("history:u:a:s/1"); ok {
				t.Error("key still present after Delete")
			}
		})
	}
}

func TestHistoryCache_AppendAndRead(t *testing.T) {
	h := NewHistoryCache(nil, nil)
	if err := h.Append(histKey, HistoryMessage{Type: "human", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := h.Append(histKey, HistoryMessage{Type: "ai", Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	msgs, err := h.History(histKey)
	if err != nil || len(msgs) != 2 || msgs[1].Content != "hello" {
		t.Errorf("History = %v, %v", msgs, err)
	}
	other, _ := h.History(SessionKey{UserID: "u1", AgentID: "a1", SessionID: "s2"})
	if len(other) != 0 {
		t.Errorf("sessions should not share history, got %v", other)
	}
}

func TestHistoryCache_SaveDefersOnFailure(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			h := NewHistoryCache(store, nil)
			syncer := &stubSyncer{err: errors.New("backend down")}
			ctx := context.Background()

			err := h.Save(ctx, histKey, syncer, HistoryMessage{Type: "human", Content: "one"})
			if err == nil {
				t.Fatal("expected the syncer error")
			}
			// same message again is de-duplicated
			_ = h.Save(ctx, histKey, syncer, HistoryMessage{Type: "human", Content: "one"}, HistoryMessage{Type: "ai", Content: "two"})

			pending, err := h.Pending()
			if err != nil || len(pending) != 1 {
				t.Fatalf("Pending = %v, %v", pending, err)
			}
			if len(pending[0].Messages) != 2 || pending[0].Key() != histKey {
				t.Errorf("unexpected pending entry %+v", pending[0])
			}

			local, _ := h.History(histKey)
			if len(local) != 3 {
				t.Errorf("local history has %d messages, want 3", len(local))
			}

			syncer.setErr(nil)
			n, err := h.SyncPending(ctx, syncer)
			if err != nil || n != 1 {
				t.Fatalf("SyncPending = %d, %v", n, err)
			}
			if pending, _ := h.Pending(); len(pending) != 0 {
				t.Errorf("pending after sync = %v", pending)
			}
			if len(syncer.calls) != 1 || len(syncer.calls[0].Messages) != 2 {
				t.Errorf("unexpected syncer calls %+v", syncer.calls)
			}
		})
	}
}

func TestHistoryCache_SaveWithoutSyncer(t *testing.T) {
	h := NewHistoryCache(nil, nil)
	if err := h.Save(context.Background(), histKey, nil, HistoryMessage{Type: "human", Content: "offline"}); err != nil {
		t.Fatal(err)
	}
	pending, _ := h.Pending()
	if len(pending) != 1 {
		t.Errorf("message should be queued without a syncer, got %v", pending)
	}
}

func TestHistoryCache_SyncPendingPartialFailure(t *testing.T) {
	h := NewHistoryCache(nil, nil)
	ctx := context.Background()
	_ = h.MarkPending(histKey, HistoryMessage{Type: "human", Content: "a"})

	syncer := &stubSyncer{err: errors.New("still down")}
	n, err := h.SyncPending(ctx, syncer)
	if n != 0 || err == nil {
		t.Errorf("SyncPending = %d, %v; want 0 and an error", n, err)
	}
	if pending, _ := h.Pending(); len(pending) != 1 {
		t.Error("failed entries must stay pending")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	syncer.setErr(nil)
	if _, err := h.SyncPending(cancelled, syncer); !errors.Is(err, context.Canceled) {
		t.Errorf("SyncPending with cancelled context = %v", err)
	}
}

func TestHistoryCache_Delete(t *testing.T) {
	h := NewHistoryCache(nil, nil)
	_ = h.Append(histKey, HistoryMessage{Type: "human", Content: "x"})
	_ = h.MarkPending(histKey, HistoryMessage{Type: "human", Content: "x"})
	if err := h.Delete(histKey); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := h.History(histKey); len(msgs) != 0 {
		t.Error("history not deleted")
	}
	if pending, _ := h.Pending(); len(pending) != 0 {
		t.Error("pending entry not deleted")
	}
}
