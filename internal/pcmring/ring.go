// Package pcmring implements the dictation core's PCM ingestion queue: a
// FIFO of producer-written chunks that the ASR scheduler drains in
// arbitrary-sized pulls. The queue is a deque of independently owned
// chunks rather than one contiguous buffer, so a take() never has to
// copy bytes it isn't returning.
package pcmring

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	sampleRate    = 16000
	bytesPerFrame = 2 // 16-bit mono
)

// BytesForMs converts a millisecond duration to a PCM byte count at the
// fixed 16kHz mono 16-bit rate, with a one-byte floor for any positive ms.
func BytesForMs(ms int) int {
	if ms <= 0 {
		return 0
	}
	n := (sampleRate * bytesPerFrame * ms) / 1000
	if n < 1 {
		n = 1
	}
	return n
}

// MsForBytes is the inverse of BytesForMs.
func MsForBytes(n int) int {
	if n <= 0 {
		return 0
	}
	return (n * 1000) / (sampleRate * bytesPerFrame)
}

type chunk struct {
	bytes      []byte
	readOffset int
	enqueuedAt time.Time
}

func (c chunk) remaining() int { return len(c.bytes) - c.readOffset }

// PendingSlice is the contiguous byte run handed to the ASR scheduler,
// along with the earliest enqueue time of any chunk it drew from.
type PendingSlice struct {
	Bytes            []byte
	OldestEnqueuedAt time.Time
}

// maxFullAudioBytes bounds the optional final-pass accumulator: 32kB/s for
// up to one hour of continuous dictation.
const maxFullAudioBytes = 32000 * 3600

// Queue is the PCM ring queue. All methods are safe for concurrent use by a
// single producer and a single consumer.
type Queue struct {
	mu      sync.Mutex
	chunks  []chunk
	pending int

	keepFullAudio bool
	fullAudio     []byte
}

// New creates an empty queue. keepFullAudio enables the full-session
// accumulator used by the final-pass re-transcription feature.
func New(keepFullAudio bool) *Queue {
	return &Queue{keepFullAudio: keepFullAudio}
}

// Enqueue appends a producer chunk. The caller must not mutate b afterward.
func (q *Queue) Enqueue(b []byte) {
	if len(b) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.chunks = append(q.chunks, chunk{bytes: b, enqueuedAt: time.Now()})
	q.pending += len(b)

	if q.keepFullAudio {
		if len(q.fullAudio)+len(b) > maxFullAudioBytes {
			logrus.WithField("bytes", len(q.fullAudio)).Warn("final-pass audio accumulator capped")
		} else {
			q.fullAudio = append(q.fullAudio, b...)
		}
	}
}

// Take drains up to n bytes from the head of the queue, returning nothing
// if the queue is empty. Bytes are never returned twice.
func (q *Queue) Take(n int) (PendingSlice, bool) {
	if n <= 0 {
		return PendingSlice{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending == 0 {
		return PendingSlice{}, false
	}
	if n > q.pending {
		n = q.pending
	}

	out := make([]byte, 0, n)
	var oldest time.Time
	consumed := 0
	i := 0
	for consumed < n && i < len(q.chunks) {
		c := &q.chunks[i]
		if oldest.IsZero() || c.enqueuedAt.Before(oldest) {
			oldest = c.enqueuedAt
		}
		need := n - consumed
		avail := c.remaining()
		if avail <= need {
			out = append(out, c.bytes[c.readOffset:]...)
			consumed += avail
			i++
			continue
		}
		out = append(out, c.bytes[c.readOffset:c.readOffset+need]...)
		c.readOffset += need
		consumed += need
	}
	q.chunks = q.chunks[i:]
	q.pending -= consumed

	return PendingSlice{Bytes: out, OldestEnqueuedAt: oldest}, true
}

// PendingBytes reports bytes currently queued but not yet taken.
func (q *Queue) PendingBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// FullAudio returns a copy of the entire session's audio, if accumulation
// was enabled; empty otherwise.
func (q *Queue) FullAudio() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fullAudio) == 0 {
		return nil
	}
	out := make([]byte, len(q.fullAudio))
	copy(out, q.fullAudio)
	return out
}

// Clear discards all queued and accumulated audio, called on session end.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = nil
	q.pending = 0
	q.fullAudio = nil
}
