// Package alerts keeps the most recent fired alerts in memory for snapshots
// and the status endpoint.
package alerts

import (
	"sync"
	"time"

	"agentpulse/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.AlertRecord
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(alert model.AlertRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

// List returns up to limit alerts, newest first.
func (s *Store) List(limit int) []model.AlertRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.AlertRecord, 0, limit)
	for i := len(s.buf) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.buf[i])
	}
	return out
}

// Since returns alerts at or after ts, newest first.
func (s *Store) Since(ts time.Time) []model.AlertRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertRecord, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if !s.buf[i].Timestamp.Before(ts) {
			out = append(out, s.buf[i])
		}
	}
	return out
}

// Count returns fired alerts per kind currently held.
func (s *Store) Count() map[model.AlertKind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.AlertKind]int)
	for _, a := range s.buf {
		out[a.Kind]++
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
