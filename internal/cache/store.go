// Package cache holds the last evaluation outcome per (workshop, question)
// pair so a restart does not require re-querying the backend. Entries are
// convenience copies only: anything older than 24 hours is treated as absent.
package cache

import (
	"context"
	"sync"
	"time"

	"judge-tuner/pkg/models"
)

// SnapshotTTL bounds how long a cached snapshot is trusted. Expired entries
// are evicted lazily on read, never served.
const SnapshotTTL = 24 * time.Hour

type Key struct {
	WorkshopID    string
	QuestionIndex int
}

// Store is the persistence port for evaluation snapshots and alignment
// execution logs. Writes are best-effort: callers must treat a failed Put as
// a non-event.
type Store interface {
	GetSnapshot(ctx context.Context, key Key) (*models.EvaluationSnapshot, bool, error)
	PutSnapshot(ctx context.Context, key Key, snapshot *models.EvaluationSnapshot) error

	GetAlignmentLog(ctx context.Context, workshopID string) ([]string, error)
	PutAlignmentLog(ctx context.Context, workshopID string, lines []string) error
}

type memoryEntry struct {
	snapshot models.EvaluationSnapshot
	storedAt time.Time
}

// MemoryStore is the in-process Store used by tests and as the fallback when
// no cache database is configured.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[Key]memoryEntry
	logs      map[string][]string
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[Key]memoryEntry),
		logs:      make(map[string][]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, key Key) (*models.EvaluationSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.snapshots[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().Sub(entry.storedAt) > SnapshotTTL {
		delete(s.snapshots, key)
		return nil, false, nil
	}
	snapshot := entry.snapshot
	return &snapshot, true, nil
}

func (s *MemoryStore) PutSnapshot(ctx context.Context, key Key, snapshot *models.EvaluationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[key] = memoryEntry{snapshot: *snapshot, storedAt: s.now()}
	return nil
}

func (s *MemoryStore) GetAlignmentLog(ctx context.Context, workshopID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.logs[workshopID]
	out := make([]string, len(lines))
	copy(out, lines)
	return out, nil
}

func (s *MemoryStore) PutAlignmentLog(ctx context.Context, workshopID string, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]string, len(lines))
	copy(stored, lines)
	s.logs[workshopID] = stored
	return nil
}
