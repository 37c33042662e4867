package vtrealtime

// Ptr is a utility function that returns a pointer to the given value.
// This is useful for optional fields such as TTSReadyChunk.ChunkIndex.
//
// Example usage:
//
//	ev := &TTSReadyChunk{Audio: b64, ChunkIndex: Ptr(0), TotalChunks: Ptr(3)}
func Ptr[T any](v T) *T { return &v }
