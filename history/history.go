// Package history keeps the bounded record of terminal task outcomes
// for one queue, persisted as a JSON array next to the task logs.
package history

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/whisper-darkly/taskflow/task"
)

// DefaultCap bounds how many records a store keeps; the oldest are
// evicted first.
const DefaultCap = 500

// Store is an append-mostly list of frozen task snapshots. Writes go
// through a temp file and rename, so readers of the file never observe
// a half-written document. A failed write is logged and the in-memory
// list stays authoritative.
type Store struct {
	mu   sync.Mutex
	path string
	cap  int
	recs []task.Snapshot
	log  *logrus.Entry
}

// Open loads the history file at path, starting empty when it is
// missing or unreadable.
func Open(path string) *Store {
	s := &Store{
		path: path,
		cap:  DefaultCap,
		log:  logrus.WithField("component", "history"),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.WithError(err).Warn("read history file")
		}
		return s
	}
	if err := json.Unmarshal(data, &s.recs); err != nil {
		s.log.WithError(err).WithField("path", path).Warn("history file is malformed, starting empty")
		s.recs = nil
	}
	return s
}

// Append adds one terminal snapshot, evicting the oldest records above
// the cap, and persists.
func (s *Store) Append(rec task.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	if over := len(s.recs) - s.cap; over > 0 {
		s.recs = append([]task.Snapshot(nil), s.recs[over:]...)
	}
	s.save()
}

// Records returns a copy of the stored snapshots, oldest first (file
// order).
func (s *Store) Records() []task.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Snapshot, len(s.recs))
	copy(out, s.recs)
	return out
}

// Len reports how many records are stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// HasName reports whether any record carries the given task name. Name
// uniqueness on load spans history, so a name that ever ran here stays
// taken.
func (s *Store) HasName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.Name == name {
			return true
		}
	}
	return false
}

// FindByID returns the record for a task id, if one exists.
func (s *Store) FindByID(id string) (task.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.recs) - 1; i >= 0; i-- {
		if s.recs[i].ID == id {
			return s.recs[i], true
		}
	}
	return task.Snapshot{}, false
}

// Clear drops every record and persists the empty list.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = nil
	s.save()
}

func (s *Store) save() {
	recs := s.recs
	if recs == nil {
		recs = []task.Snapshot{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		s.log.WithError(err).Warn("encode history")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.WithError(err).Warn("create history dir")
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.WithError(err).Warn("write history")
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.WithError(err).Warn("replace history")
	}
}
