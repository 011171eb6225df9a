package tuning

import (
	"sync"

	"judge-tuner/internal/cache"
)

// Manager hands out one Tuner per (workshop, question) pair so concurrent
// callers observe and drive the same orchestration state.
type Manager struct {
	backend BackendClient
	store   cache.Store
	opts    Options

	mu     sync.Mutex
	tuners map[cache.Key]*Tuner
}

func NewManager(backend BackendClient, store cache.Store, opts Options) *Manager {
	return &Manager{
		backend: backend,
		store:   store,
		opts:    opts,
		tuners:  make(map[cache.Key]*Tuner),
	}
}

func (m *Manager) Tuner(session Session) *Tuner {
	key := cache.Key{WorkshopID: session.WorkshopID, QuestionIndex: session.QuestionIndex}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tuners[key]; ok {
		return t
	}
	t := NewTuner(session, m.backend, m.store, m.opts)
	m.tuners[key] = t
	return t
}
