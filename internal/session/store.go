package session

import (
	"context"
	"sync"
	"time"
)

// Store persists sessions keyed by operator. Get returns ErrNoSession when
// nothing is stored.
type Store interface {
	Get(ctx context.Context, operatorID int64) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, operatorID int64) error
	// IdleBefore lists operators whose session is not in StateSending and
	// was last updated before cutoff. It deletes nothing.
	IdleBefore(ctx context.Context, cutoff time.Time) ([]int64, error)
}

type MemoryStore struct {
	mu sync.Mutex
	m  map[int64]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: map[int64]*Session{}}
}

func (s *MemoryStore) Get(_ context.Context, operatorID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[operatorID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess.clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	s.m[sess.OperatorID] = sess.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, operatorID int64) error {
	s.mu.Lock()
	delete(s.m, operatorID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IdleBefore(_ context.Context, cutoff time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, sess := range s.m {
		if sess.State != StateSending && sess.UpdatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}
