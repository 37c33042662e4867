package vtrealtime

import (
	"sort"
	"strings"
	"sync"
)

// ChunkSequencer restores chunk_index order of tts_ready_chunk events within a
// turn. Chunks without an index pass straight through.
type ChunkSequencer struct {
	mu    sync.Mutex
	turns map[string]*turnChunks
}

type turnChunks struct {
	next    int
	total   int // 0 when unknown
	pending map[int]*TTSReadyChunk
}

// NewChunkSequencer creates an empty sequencer.
func NewChunkSequencer() *ChunkSequencer {
	return &ChunkSequencer{turns: make(map[string]*turnChunks)}
}

// Push accepts one chunk and returns the chunks now playable, in order.
// Late duplicates of an already released index are dropped.
func (s *ChunkSequencer) Push(ev *TTSReadyChunk) []*TTSReadyChunk {
	if ev.ChunkIndex == nil {
		return []*TTSReadyChunk{ev}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[ev.TurnID]
	if !ok {
		t = &turnChunks{pending: make(map[int]*TTSReadyChunk)}
		s.turns[ev.TurnID] = t
	}
	if ev.TotalChunks != nil && *ev.TotalChunks > 0 {
		t.total = *ev.TotalChunks
	}

	idx := *ev.ChunkIndex
	if idx < t.next {
		return nil
	}
	t.pending[idx] = ev

	var out []*TTSReadyChunk
	for {
		c, ok := t.pending[t.next]
		if !ok {
			break
		}
		delete(t.pending, t.next)
		out = append(out, c)
		t.next++
	}
	if t.total > 0 && t.next >= t.total {
		delete(s.turns, ev.TurnID)
	}
	return out
}

// Flush releases every chunk still held for turnID, ordered by index, and
// forgets the turn. Gaps are skipped.
func (s *ChunkSequencer) Flush(turnID string) []*TTSReadyChunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[turnID]
	if !ok {
		return nil
	}
	delete(s.turns, turnID)
	idx := make([]int, 0, len(t.pending))
	for i := range t.pending {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]*TTSReadyChunk, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.pending[i])
	}
	return out
}

// Pending returns the number of chunks held back across all turns.
func (s *ChunkSequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.turns {
		n += len(t.pending)
	}
	return n
}

// Reset drops every held chunk.
func (s *ChunkSequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = make(map[string]*turnChunks)
}

// TextAssembler collects streamed tokens and reassembles them per turn.
type TextAssembler struct {
	mu   sync.Mutex
	data map[string]*strings.Builder
}

// NewTextAssembler creates a new TextAssembler instance.
func NewTextAssembler() *TextAssembler {
	return &TextAssembler{data: make(map[string]*strings.Builder)}
}

// OnDelta appends a stream token to its turn.
func (t *TextAssembler) OnDelta(e *StreamToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.data[e.TurnID]
	if !ok {
		b = &strings.Builder{}
		t.data[e.TurnID] = b
	}
	b.WriteString(e.Token)
}

// OnDone retrieves and removes the assembled text of a turn.
func (t *TextAssembler) OnDone(turnID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.data[turnID]
	if !ok {
		return ""
	}
	delete(t.data, turnID)
	return b.String()
}

// Reset drops every partial turn.
func (t *TextAssembler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = make(map[string]*strings.Builder)
}
