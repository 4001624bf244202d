package store

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

var (
	// ErrNotFound is returned when no state has been published yet.
	ErrNotFound = errors.New("no fusion state published")
)

// Subscription delivers published states. C has capacity one and always holds
// the newest state not yet received.
type Subscription struct {
	ID string
	C  <-chan weather.FusionState

	ch chan weather.FusionState
}

// MemoryStore is a concurrency-safe holder of the latest fusion state.
type MemoryStore struct {
	mu sync.RWMutex

	latest *weather.FusionState

	// key: subscription id
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

// Publish replaces the latest state and hands it to every subscriber without
// blocking. A subscriber that has not drained its previous state gets it
// replaced.
func (s *MemoryStore) Publish(state weather.FusionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != nil && state.Version < s.latest.Version {
		return
	}
	s.latest = &state

	for _, sub := range s.subs {
		offer(sub.ch, state)
	}
}

// Latest returns the most recently published state.
func (s *MemoryStore) Latest() (weather.FusionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return weather.FusionState{}, ErrNotFound
	}
	return *s.latest, nil
}

// Subscribe registers a subscriber. The current state, if any, is delivered
// immediately.
func (s *MemoryStore) Subscribe() *Subscription {
	ch := make(chan weather.FusionState, 1)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[sub.ID] = sub
	if s.latest != nil {
		ch <- *s.latest
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (s *MemoryStore) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	close(sub.ch)
}

// Subscribers returns the number of active subscriptions.
func (s *MemoryStore) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func offer(ch chan weather.FusionState, state weather.FusionState) {
	select {
	case ch <- state:
		return
	default:
	}
	// Full: drop the undelivered state and retry once. Publish holds the lock,
	// so only the receiver can race us, and it can only make room.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- state:
	default:
	}
}
