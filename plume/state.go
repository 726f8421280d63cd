package plume

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// historyLimit bounds the runs kept in memory
const historyLimit = 20

// StateTracker remembers recent runs for the HTTP endpoints
type StateTracker struct {
	mu        sync.RWMutex
	runs      []*RunSummary // oldest first
	cachePath string        // path to the last-run JSON cache; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// NewStateTrackerWithCache creates a state tracker that persists the last
// run to cachePath. If the file exists, the cached run is loaded.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := &StateTracker{cachePath: cachePath}
	if cachePath != "" {
		if s, err := LoadRunSummary(cachePath); err == nil {
			st.runs = append(st.runs, s)
		}
	}
	return st
}

// Record stores a finished run
func (st *StateTracker) Record(s *RunSummary) {
	st.mu.Lock()
	st.runs = append(st.runs, s)
	if len(st.runs) > historyLimit {
		st.runs = st.runs[len(st.runs)-historyLimit:]
	}
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveRunSummary(s, cachePath); err != nil {
			log.Printf("Warning: failed to persist last run: %v", err)
		}
	}
}

// LastRun returns the most recent run, or nil
func (st *StateTracker) LastRun() *RunSummary {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if len(st.runs) == 0 {
		return nil
	}
	s := *st.runs[len(st.runs)-1]
	return &s
}

// Runs returns the remembered runs, newest first
func (st *StateTracker) Runs() []RunSummary {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]RunSummary, 0, len(st.runs))
	for i := len(st.runs) - 1; i >= 0; i-- {
		out = append(out, *st.runs[i])
	}
	return out
}

// SaveRunSummary writes a run summary to disk as JSON.
func SaveRunSummary(s *RunSummary, path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run summary cache: %w", err)
	}
	return nil
}

// LoadRunSummary reads a run summary from a JSON file on disk.
func LoadRunSummary(path string) (*RunSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run summary cache: %w", err)
	}
	var s RunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal run summary cache: %w", err)
	}
	return &s, nil
}
