package vtrealtime

import (
	"testing"
)

func TestPtr(t *testing.T) {
	str := "test string"
	strPtr := Ptr(str)
	if strPtr == nil || *strPtr != str {
		t.Errorf("expected %q, got %v", str, strPtr)
	}

	num := 42
	numPtr := Ptr(num)
	if numPtr == nil || *numPtr != num {
		t.Errorf("expected %d, got %v", num, numPtr)
	}

	// the pointer refers to a copy
	*numPtr = 7
	if num != 42 {
		t.Errorf("Ptr aliased its argument")
	}
}

func TestPtr_ZeroValues(t *testing.T) {
	if *Ptr("") != "" {
		t.Error("expected empty string")
	}
	if *Ptr(0) != 0 {
		t.Error("expected 0")
	}
	if *Ptr(false) != false {
		t.Error("expected false")
	}
}

func TestPtr_ChunkUsage(t *testing.T) {
	ev := &TTSReadyChunk{Audio: "UklGRg==", ChunkIndex: Ptr(0), TotalChunks: Ptr(3)}

	if ev.ChunkIndex == nil || *ev.ChunkIndex != 0 {
		t.Error("ChunkIndex pointer not set correctly")
	}
	if ev.TotalChunks == nil || *ev.TotalChunks != 3 {
		t.Error("TotalChunks pointer not set correctly")
	}
}

func BenchmarkPtr(b *testing.B) {
	testString := "benchmark test string"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Ptr(testString)
	}
}
