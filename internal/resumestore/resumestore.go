// Package resumestore implements a per-task sidecar JSON record tracking
// which files of a multi-file task have already completed, so a restarted
// Worker never re-downloads a finished file. Granularity is whole files:
// intra-file resumption is handled by the providers' Range requests against
// the .part file, not recorded here.
package resumestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// State is the sidecar record for one task.
type State struct {
	CompletedFiles []string `json:"completed_files"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	CurrentFile    string   `json:"current_file,omitempty"`
	FilesCompleted int      `json:"files_completed"`
}

// HasCompleted reports whether path is already recorded done.
func (s *State) HasCompleted(path string) bool {
	for _, p := range s.CompletedFiles {
		if p == path {
			return true
		}
	}
	return false
}

// MarkCompleted appends path if not already present and bumps the
// completed-file counter.
func (s *State) MarkCompleted(path string) {
	if s.HasCompleted(path) {
		return
	}
	s.CompletedFiles = append(s.CompletedFiles, path)
	s.FilesCompleted = len(s.CompletedFiles)
}

// Store manages sidecar files under one directory, one file per task id.
// The Worker that owns a task id is the only writer; the Scheduler
// guarantees at most one Worker per id, so no locking is needed across
// files, only within a single Save for atomicity.
type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("resumestore: mkdir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(taskID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("task_%d.json", taskID))
}

// Load returns the stored state for taskID, or a zero-value State if the
// sidecar is absent or unreadable; a read failure is "no resume state",
// never an error.
func (s *Store) Load(taskID int64) *State {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		return &State{}
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return &State{}
	}
	return &state
}

// Save writes state atomically: write to a temp sibling, then rename.
func (s *Store) Save(taskID int64, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("resumestore: marshal: %w", err)
	}

	final := s.path(taskID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("resumestore: write temp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("resumestore: rename: %w", err)
	}
	return nil
}

// Clear removes the sidecar for taskID, if any.
func (s *Store) Clear(taskID int64) error {
	err := os.Remove(s.path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resumestore: remove: %w", err)
	}
	return nil
}

// ListResumable returns the task ids with an on-disk sidecar file.
func (s *Store) ListResumable() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("resumestore: read dir: %w", err)
	}
	var ids []int64
	for _, e := range entries {
		var id int64
		if _, err := fmt.Sscanf(e.Name(), "task_%d.json", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
