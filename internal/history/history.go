// Package history keeps the in-memory record of completed dictation
// sessions and exports them to JSON files for offline inspection.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opendictation/dictation-core/internal/latency"
)

// Record is one completed dictation session.
type Record struct {
	ID        string          `json:"id"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   time.Time       `json:"endedAt"`
	Mode      string          `json:"mode"`
	Raw       string          `json:"raw"`
	Formatted string          `json:"formatted"`
	Latency   latency.Summary `json:"latency"`
}

// Manager accumulates session records for the life of the process.
type Manager struct {
	mu      sync.RWMutex
	records []Record
}

// NewManager creates an empty history manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add appends a completed session record.
func (m *Manager) Add(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)

	logrus.WithFields(logrus.Fields{
		"session_id": r.ID,
		"mode":       r.Mode,
		"chars":      len(r.Formatted),
	}).Debug("Session recorded")
}

// List returns a copy of every record, oldest first.
func (m *Manager) List() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Get returns the record with the given session id.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("session %s not found", id)
}

// Export writes the record with the given session id to a JSON file under
// exportDir, creating the directory if needed, and returns the file path.
func (m *Manager) Export(id, exportDir string) (string, error) {
	r, err := m.Get(id)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(exportDir, 0750); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	filename := fmt.Sprintf("session_%s_%s.json", r.ID, r.StartedAt.Format("20060102_150405"))
	path := filepath.Join(exportDir, filename)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error marshaling session: %w", err)
	}

	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("error writing file: %w", err)
	}

	return path, nil
}
