package repository

import (
	"context"
	"sync"
	"time"

	"autoposter/internal/models"
)

// MemoryPrepQueueStore keeps per-user preparation queues in process.
type MemoryPrepQueueStore struct {
	mu     sync.Mutex
	queues map[string][][]byte
	busy   map[string]string
}

func NewMemoryPrepQueueStore() *MemoryPrepQueueStore {
	return &MemoryPrepQueueStore{
		queues: make(map[string][][]byte),
		busy:   make(map[string]string),
	}
}

func (s *MemoryPrepQueueStore) Push(_ context.Context, userID string, item []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[userID] = append(s.queues[userID], item)
	return len(s.queues[userID]), nil
}

func (s *MemoryPrepQueueStore) Pop(_ context.Context, userID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[userID]
	if len(q) == 0 {
		return nil, nil
	}
	item := q[0]
	if len(q) == 1 {
		delete(s.queues, userID)
	} else {
		s.queues[userID] = q[1:]
	}
	return item, nil
}

func (s *MemoryPrepQueueStore) Len(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[userID]), nil
}

// TryMarkBusy never expires in memory; the process holding it is the only drainer.
func (s *MemoryPrepQueueStore) TryMarkBusy(_ context.Context, userID, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.busy[userID]; ok {
		return false, nil
	}
	s.busy[userID] = holder
	return true, nil
}

func (s *MemoryPrepQueueStore) RenewBusy(_ context.Context, userID, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[userID] == holder, nil
}

func (s *MemoryPrepQueueStore) ClearBusy(_ context.Context, userID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[userID] == holder {
		delete(s.busy, userID)
	}
	return nil
}

// MemoryRelayStore keeps relay events per organization in process.
type MemoryRelayStore struct {
	mu     sync.Mutex
	events map[string][]models.RelayEvent
}

func NewMemoryRelayStore() *MemoryRelayStore {
	return &MemoryRelayStore{events: make(map[string][]models.RelayEvent)}
}

func (s *MemoryRelayStore) Append(_ context.Context, orgID string, event models.RelayEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[orgID] = append(s.events[orgID], event)
	return nil
}

func (s *MemoryRelayStore) Drain(_ context.Context, orgID string) ([]models.RelayEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events[orgID]
	delete(s.events, orgID)
	return out, nil
}

func (s *MemoryRelayStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for org, list := range s.events {
		kept := list[:0]
		for _, ev := range list {
			if ev.EnqueuedAt.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(s.events, org)
		} else {
			s.events[org] = kept
		}
	}
	return dropped, nil
}
