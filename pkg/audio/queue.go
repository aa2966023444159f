package audio

import "sync"

// PlaybackQueue accumulates the binary chunks of one streamed TTS reply.
//
// Chunks are kept in arrival order and only accepted while a stream is
// active. The queue is emptied completely on [PlaybackQueue.Start],
// [PlaybackQueue.Cancel] and [PlaybackQueue.Complete]; it is never partially
// consumed.
//
// Every Start bumps a generation counter. Callers that decode or play a
// snapshot asynchronously record the generation returned by Complete and
// compare it with [PlaybackQueue.Generation] afterwards to learn whether a
// newer stream began in the meantime.
//
// PlaybackQueue is safe for concurrent use.
type PlaybackQueue struct {
	mu        sync.Mutex
	chunks    [][]byte
	size      int
	streaming bool
	gen       uint64
}

// Start discards anything queued, marks streaming active and returns the new
// generation.
func (q *PlaybackQueue) Start() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reset()
	q.streaming = true
	q.gen++
	return q.gen
}

// Append queues chunk if a stream is active and reports whether it was kept.
// The queue takes ownership of chunk.
func (q *PlaybackQueue) Append(chunk []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.streaming {
		return false
	}
	q.chunks = append(q.chunks, chunk)
	q.size += len(chunk)
	return true
}

// Snapshot is the drained content of a completed stream.
type Snapshot struct {
	// Data is the in-order concatenation of every queued chunk.
	Data []byte
	// Chunks is the number of chunks that were concatenated.
	Chunks int
	// Generation identifies the stream the snapshot belongs to.
	Generation uint64
}

// Complete marks streaming inactive and drains the queue into a single
// contiguous snapshot. An empty queue yields a snapshot with nil Data.
func (q *PlaybackQueue) Complete() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streaming = false
	snap := Snapshot{Chunks: len(q.chunks), Generation: q.gen}
	if q.size > 0 {
		snap.Data = make([]byte, 0, q.size)
		for _, c := range q.chunks {
			snap.Data = append(snap.Data, c...)
		}
	}
	q.reset()
	return snap
}

// Cancel aborts the current stream: streaming becomes inactive and every
// queued chunk is dropped. It returns the number of chunks discarded.
func (q *PlaybackQueue) Cancel() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.chunks)
	q.streaming = false
	q.reset()
	return n
}

// Streaming reports whether a stream is active.
func (q *PlaybackQueue) Streaming() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.streaming
}

// Len returns the number of queued chunks.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// Generation returns the generation of the most recent Start.
func (q *PlaybackQueue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

func (q *PlaybackQueue) reset() {
	q.chunks = nil
	q.size = 0
}
