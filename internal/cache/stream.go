package cache

import (
	"sync"

	"media-cache/internal/metrics"
	"media-cache/internal/store"
)

// stream holds the in-memory read model and fans metadata snapshots out to
// subscribers. UI layers render from this stream instead of polling the
// store.
type stream struct {
	mu     sync.RWMutex
	byKey  map[string]store.Item
	subs   map[int]chan []store.Item
	nextID int
	closed bool
}

func newStream() *stream {
	return &stream{
		byKey: make(map[string]store.Item),
		subs:  make(map[int]chan []store.Item),
	}
}

func (s *stream) get(key string) (store.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.byKey[key]
	return item, ok
}

func (s *stream) snapshot() []store.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *stream) snapshotLocked() []store.Item {
	items := make([]store.Item, 0, len(s.byKey))
	for _, item := range s.byKey {
		items = append(items, item)
	}
	sortNewestFirst(items)
	return items
}

// replace swaps in a fresh read model and publishes it to every subscriber.
func (s *stream) replace(items []store.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.byKey = make(map[string]store.Item, len(items))
	counts := make(map[store.State]int)
	for _, item := range items {
		s.byKey[item.Key] = item
		counts[item.State()]++
	}
	for _, state := range []store.State{store.StateFresh, store.StateDownloading, store.StateAvailable, store.StateFailed, store.StateDeleted} {
		metrics.CachedItems.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	snapshot := s.snapshotLocked()
	for _, ch := range s.subs {
		// Latest-wins: a slow subscriber drops the stale snapshot rather
		// than blocking the publisher.
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
	metrics.SnapshotPublishes.Inc()
}

func (s *stream) subscribe() (<-chan []store.Item, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan []store.Item, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	// Seed the subscriber with the current snapshot so it never has to poll.
	ch <- s.snapshotLocked()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (s *stream) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
