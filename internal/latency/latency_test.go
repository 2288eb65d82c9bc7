package latency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeEmpty(t *testing.T) {
	a := New()
	s := a.Summarize()
	assert.Equal(t, 0, s.Slices)
	assert.Equal(t, Stat{}, s.EndToEndMs)
}

func TestSummarizePercentiles(t *testing.T) {
	a := New()
	for _, v := range []float64{100, 200, 300, 400, 500} {
		a.Push(Sample{EndToEndMs: v})
	}
	s := a.Summarize()
	assert.Equal(t, 5, s.Slices)
	assert.Equal(t, 300, s.EndToEndMs.P50)
	assert.Equal(t, 500, s.EndToEndMs.P95)
	assert.Equal(t, 500, s.EndToEndMs.Max)
	assert.Equal(t, 300, s.EndToEndMs.Avg)
}

func TestResetClears(t *testing.T) {
	a := New()
	a.Push(Sample{EndToEndMs: 42})
	a.Reset()
	assert.Equal(t, 0, a.Summarize().Slices)
}
