package vtrealtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// KVStore is the key-value interface behind the local history fallback.
type KVStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// MemoryStore is an in-process KVStore.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// FileStore keeps one JSON document per key in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vtrealtime: create history dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+".json")
}

func (f *FileStore) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set writes through a temporary file so readers never see a partial document.
func (f *FileStore) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileStore) Keys(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// HistoryRecord is the locally stored history of one session.
type HistoryRecord struct {
	SessionID   string           `json:"sessionId"`
	UserID      string           `json:"userId"`
	AgentID     string           `json:"agentId"`
	Messages    []HistoryMessage `json:"messages"`
	LastUpdated int64            `json:"lastUpdated"`
}

// PendingSync holds messages of one session not yet stored by the backend.
type PendingSync struct {
	SessionID string           `json:"sessionId"`
	UserID    string           `json:"userId"`
	AgentID   string           `json:"agentId"`
	Messages  []HistoryMessage `json:"messages"`
	Timestamp int64            `json:"timestamp"`
}

// Key returns the session key of the pending entry.
func (p PendingSync) Key() SessionKey {
	return SessionKey{UserID: p.UserID, AgentID: p.AgentID, SessionID: p.SessionID}
}

// HistorySyncer stores messages remotely. *ServicesClient implements it.
type HistorySyncer interface {
	AddChatHistory(ctx context.Context, key SessionKey, msgs []HistoryMessage) error
}

const (
	historyPrefix = "history:"
	pendingPrefix = "pending:"
)

func storeKey(prefix string, k SessionKey) string {
	return prefix + k.UserID + ":" + k.AgentID + ":" + k.SessionID
}

// HistoryCache keeps chat history locally and queues messages the backend did
// not accept, so they can be synced later.
type HistoryCache struct {
	store  KVStore
	logger *Logger
	mu     sync.Mutex
}

// NewHistoryCache creates a cache over store.
func NewHistoryCache(store KVStore, logger *Logger) *HistoryCache {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &HistoryCache{store: store, logger: logger}
}

func (h *HistoryCache) load(key string, v any) (bool, error) {
	b, ok, err := h.store.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("vtrealtime: corrupt history entry %q: %w", key, err)
	}
	return true, nil
}

func (h *HistoryCache) save(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.store.Set(key, b)
}

// Append adds messages to the local history of a session.
func (h *HistoryCache) Append(key SessionKey, msgs ...HistoryMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var rec HistoryRecord
	if _, err := h.load(storeKey(historyPrefix, key), &rec); err != nil {
		return err
	}
	rec.SessionID, rec.UserID, rec.AgentID = key.SessionID, key.UserID, key.AgentID
	rec.Messages = append(rec.Messages, msgs...)
	rec.LastUpdated = time.Now().UnixMilli()
	return h.save(storeKey(historyPrefix, key), rec)
}

// History returns the local history of a session.
func (h *HistoryCache) History(key SessionKey) ([]HistoryMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var rec HistoryRecord
	if _, err := h.load(storeKey(historyPrefix, key), &rec); err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

// MarkPending queues messages for a later sync, merged per session and
// de-duplicated by (type, content).
func (h *HistoryCache) MarkPending(key SessionKey, msgs ...HistoryMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var p PendingSync
	if _, err := h.load(storeKey(pendingPrefix, key), &p); err != nil {
		return err
	}
	p.SessionID, p.UserID, p.AgentID = key.SessionID, key.UserID, key.AgentID
	p.Messages = dedupeMessages(append(p.Messages, msgs...))
	p.Timestamp = time.Now().UnixMilli()
	return h.save(storeKey(pendingPrefix, key), p)
}

func dedupeMessages(msgs []HistoryMessage) []HistoryMessage {
	type id struct{ typ, content string }
	seen := make(map[id]bool, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		k := id{m.Type, m.Content}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}
	return out
}

// Pending returns every queued entry.
func (h *HistoryCache) Pending() ([]PendingSync, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys, err := h.store.Keys(pendingPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]PendingSync, 0, len(keys))
	for _, k := range keys {
		var p PendingSync
		ok, err := h.load(k, &p)
		if err != nil {
			h.logger.Warn("history_pending_corrupt", map[string]any{"key": k, "err": err})
			continue
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Save records messages locally and stores them through syncer. Messages the
// syncer rejects are queued for SyncPending; the syncer error is returned.
func (h *HistoryCache) Save(ctx context.Context, key SessionKey, syncer HistorySyncer, msgs ...HistoryMessage) error {
	if err := h.Append(key, msgs...); err != nil {
		h.logger.Warn("history_append_failed", map[string]any{"err": err})
	}
	if syncer == nil {
		return h.MarkPending(key, msgs...)
	}
	if err := syncer.AddChatHistory(ctx, key, msgs); err != nil {
		h.logger.Warn("history_sync_deferred", map[string]any{"session_id": key.SessionID, "err": err})
		if perr := h.MarkPending(key, msgs...); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}
	return nil
}

// SyncPending pushes queued entries through syncer and removes those accepted.
// It returns the number of sessions synced.
func (h *HistoryCache) SyncPending(ctx context.Context, syncer HistorySyncer) (int, error) {
	pending, err := h.Pending()
	if err != nil {
		return 0, err
	}
	synced := 0
	var errs []error
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := syncer.AddChatHistory(ctx, p.Key(), p.Messages); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", p.SessionID, err))
			continue
		}
		if err := h.removeSynced(p); err != nil {
			errs = append(errs, err)
			continue
		}
		synced++
	}
	if synced > 0 {
		h.logger.Info("history_synced", map[string]any{"sessions": synced})
	}
	return synced, errors.Join(errs...)
}

// removeSynced drops the synced messages from the pending entry, keeping any
// queued while the sync was in flight.
func (h *HistoryCache) removeSynced(synced PendingSync) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := storeKey(pendingPrefix, synced.Key())
	var cur PendingSync
	ok, err := h.load(key, &cur)
	if err != nil || !ok {
		return err
	}
	type id struct{ typ, content string }
	done := make(map[id]bool, len(synced.Messages))
	for _, m := range synced.Messages {
		done[id{m.Type, m.Content}] = true
	}
	left := cur.Messages[:0]
	for _, m := range cur.Messages {
		if !done[id{m.Type, m.Content}] {
			left = append(left, m)
		}
	}
	if len(left) == 0 {
		return h.store.Delete(key)
	}
	cur.Messages = left
	return h.save(key, cur)
}

// Delete removes the local history and pending entry of a session.
func (h *HistoryCache) Delete(key SessionKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return errors.Join(
		h.store.Delete(storeKey(historyPrefix, key)),
		h.store.Delete(storeKey(pendingPrefix, key)),
	)
}
