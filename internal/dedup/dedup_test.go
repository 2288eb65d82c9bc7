package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupEmptySides(t *testing.T) {
	assert.Equal(t, "hello", Dedup("", "hello"))
	assert.Equal(t, "", Dedup("hello", ""))
}

func TestDedupNeverCrossesNewlines(t *testing.T) {
	existing := "the quick brown fox"
	chunk := "quick brown\nfox jumps"
	assert.Equal(t, chunk, Dedup(existing, chunk))
}

func TestDedupTailHeadOverlap(t *testing.T) {
	existing := "the quick brown fox jumps"
	chunk := "fox jumps over the lazy dog"
	assert.Equal(t, "over the lazy dog", Dedup(existing, chunk))
}

func TestDedupNoOverlapReturnsChunkUnchanged(t *testing.T) {
	existing := "hello world"
	chunk := "completely different text"
	assert.Equal(t, chunk, Dedup(existing, chunk))
}

func TestDedupIdempotent(t *testing.T) {
	existing := "we should meet tomorrow at noon"
	chunk := "tomorrow at noon for lunch"
	once := Dedup(existing, chunk)
	twice := Dedup(existing, once)
	assert.Equal(t, once, twice)
}

func TestDedupDropsEverythingReturnsEmpty(t *testing.T) {
	existing := "hello there friend"
	chunk := "hello there friend"
	assert.Equal(t, "", Dedup(existing, chunk))
}

func TestDedupPreservesTrailingSpace(t *testing.T) {
	existing := "the quick brown fox"
	chunk := "brown fox jumps "
	assert.Equal(t, "jumps ", Dedup(existing, chunk))
}
