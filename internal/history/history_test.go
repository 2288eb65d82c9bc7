package history

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendictation/dictation-core/internal/latency"
)

func sampleRecord(id string) Record {
	return Record{
		ID:        id,
		StartedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 3, 14, 9, 31, 0, 0, time.UTC),
		Mode:      "clean",
		Raw:       "hello world",
		Formatted: "Hello world.",
		Latency:   latency.Summary{Slices: 3},
	}
}

func TestAddAndList(t *testing.T) {
	m := NewManager()
	assert.Empty(t, m.List())

	m.Add(sampleRecord("s1"))
	m.Add(sampleRecord("s2"))

	records := m.List()
	require.Len(t, records, 2)
	assert.Equal(t, "s1", records[0].ID)
	assert.Equal(t, "s2", records[1].ID)
}

func TestGetNotFound(t *testing.T) {
	m := NewManager()
	_, err := m.Get("missing")
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	m := NewManager()
	m.Add(sampleRecord("s1"))

	path, err := m.Export("s1", t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var exported Record
	require.NoError(t, json.Unmarshal(data, &exported))
	assert.Equal(t, "s1", exported.ID)
	assert.Equal(t, "Hello world.", exported.Formatted)
	assert.Equal(t, 3, exported.Latency.Slices)
}

func TestExportUnknownSession(t *testing.T) {
	m := NewManager()
	_, err := m.Export("missing", t.TempDir())
	assert.Error(t, err)
}
