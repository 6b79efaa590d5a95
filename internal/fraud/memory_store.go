package fraud

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string][]*Result // userID → results, oldest first
}

// NewMemoryStore creates an in-memory evaluation audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string][]*Result)}
}

func (s *MemoryStore) Record(ctx context.Context, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *result
	cp.Triggers = append([]Trigger(nil), result.Triggers...)
	s.results[result.UserID] = append(s.results[result.UserID], &cp)
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, before time.Time, beforeID string, limit int) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.results[userID]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first.
	var out []*Result
	for i := len(all) - 1; i >= 0; i-- {
		r := all[i]
		if !before.IsZero() && !olderThan(r, before, beforeID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// olderThan reports whether r sorts strictly after the (before, beforeID)
// cursor position in most-recent-first order.
func olderThan(r *Result, before time.Time, beforeID string) bool {
	if r.EvaluatedAt.Equal(before) {
		return r.ID < beforeID
	}
	return r.EvaluatedAt.Before(before)
}
