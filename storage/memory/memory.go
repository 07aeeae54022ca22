// Package memory is the reference in-process storage backend. History and
// subscriptions live only as long as the process.
//
// DSN: memory://?size=1000
package memory

import (
	"context"
	"net/url"
	"sync"

	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/storage"
)

// DefaultSize is the history size used when the DSN does not set one.
const DefaultSize = 1000

func init() {
	storage.Register("memory", func(_ context.Context, dsn *url.URL) (storage.Storage, error) {
		size, err := storage.SizeParam(dsn, DefaultSize)
		if err != nil {
			return nil, err
		}
		return New(size), nil
	})
}

// Storage keeps at most size messages in a ring buffer.
type Storage struct {
	mu     sync.RWMutex
	size   int
	ring   []model.Entry
	head   int // oldest entry once the ring is full
	lastID string
	subs   []model.Subscription
}

var _ storage.Storage = (*Storage)(nil)

// New creates an in-memory storage retaining up to size messages. A size of
// zero disables history.
func New(size int) *Storage {
	if size < 0 {
		size = 0
	}
	// the ring grows with the history, up to size
	return &Storage{size: size}
}

// LastEventID implements storage.Storage.
func (s *Storage) LastEventID(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID, nil
}

// RetrieveMessagesAfterID implements storage.Storage.
func (s *Storage) RetrieveMessagesAfterID(_ context.Context, id string, selectors []string) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.After(s.ordered(), id, selectors), nil
}

// ordered returns the history oldest first. Callers hold s.mu.
func (s *Storage) ordered() []model.Entry {
	out := make([]model.Entry, 0, len(s.ring))
	out = append(out, s.ring[s.head:]...)
	return append(out, s.ring[:s.head]...)
}

// StoreMessage implements storage.Storage.
func (s *Storage) StoreMessage(_ context.Context, topic string, msg model.Message) error {
	if s.size == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := model.Entry{Topic: topic, Message: msg}
	if len(s.ring) < s.size {
		s.ring = append(s.ring, e)
	} else {
		s.ring[s.head] = e
		s.head = (s.head + 1) % s.size
	}
	s.lastID = msg.ID
	return nil
}

// StoreSubscriptions implements storage.Storage.
func (s *Storage) StoreSubscriptions(_ context.Context, subs []model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

next:
	for _, sub := range subs {
		for i := range s.subs {
			if s.subs[i].ID == sub.ID {
				s.subs[i] = sub
				continue next
			}
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// RemoveSubscriptions implements storage.Storage.
func (s *Storage) RemoveSubscriptions(_ context.Context, subs []model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		drop[sub.ID] = struct{}{}
	}
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if _, ok := drop[sub.ID]; !ok {
			kept = append(kept, sub)
		}
	}
	clear(s.subs[len(kept):])
	s.subs = kept
	return nil
}

// FindSubscriptions implements storage.Storage.
func (s *Storage) FindSubscriptions(_ context.Context, topic, subscriber string) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Subscription
	for _, sub := range s.subs {
		if storage.MatchSubscription(sub, topic, subscriber) {
			out = append(out, sub)
		}
	}
	return out, nil
}

// Close implements storage.Storage.
func (s *Storage) Close() error { return nil }
