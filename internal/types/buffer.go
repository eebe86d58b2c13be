package types

// BufferStats is a snapshot of a buffer session's storage state.
type BufferStats struct {
	BufferSize      int64   // Total bytes of chunks that are not yet deleted.
	PendingDelete   int64   // Bytes of evicted chunks awaiting deletion.
	ActiveChunks    int     // Distinct chunks referenced by the track indexes.
	PendingChunks   int     // Chunks in the pending-delete queues.
	Tracks          int     // Tracks known to the buffer.
	WriteBandwidth  float64 // Last measured write speed in MB/s, 0 if unmeasured.
	SpeedCheckCount int     // Number of write-speed checks performed.
}
