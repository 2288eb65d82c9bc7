package pcmring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesForMs(t *testing.T) {
	assert.Equal(t, 32000, BytesForMs(1000))
	assert.Equal(t, 16000, BytesForMs(500))
	assert.Equal(t, 32, BytesForMs(1))
	assert.Equal(t, 0, BytesForMs(0))
}

func TestQueueFIFONoDuplication(t *testing.T) {
	q := New(false)
	q.Enqueue([]byte{1, 2, 3, 4})
	q.Enqueue([]byte{5, 6})

	require.Equal(t, 6, q.PendingBytes())

	first, ok := q.Take(3)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, first.Bytes)
	assert.Equal(t, 3, q.PendingBytes())

	second, ok := q.Take(10)
	require.True(t, ok)
	assert.Equal(t, []byte{4, 5, 6}, second.Bytes)
	assert.Equal(t, 0, q.PendingBytes())

	_, ok = q.Take(1)
	assert.False(t, ok)
}

func TestQueueTakeZeroReturnsFalse(t *testing.T) {
	q := New(false)
	q.Enqueue([]byte{1})
	_, ok := q.Take(0)
	assert.False(t, ok)
}

func TestQueueFullAudioAccumulates(t *testing.T) {
	q := New(true)
	q.Enqueue([]byte{1, 2})
	q.Enqueue([]byte{3, 4})
	assert.Equal(t, []byte{1, 2, 3, 4}, q.FullAudio())

	_, _ = q.Take(2)
	assert.Equal(t, []byte{1, 2, 3, 4}, q.FullAudio(), "taking does not shrink the full-audio accumulator")
}

func TestQueueClear(t *testing.T) {
	q := New(true)
	q.Enqueue([]byte{1, 2, 3})
	q.Clear()
	assert.Equal(t, 0, q.PendingBytes())
	assert.Nil(t, q.FullAudio())
	_, ok := q.Take(1)
	assert.False(t, ok)
}
