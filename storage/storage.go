// Package storage defines the message history and subscription registry
// contract the hub relies on, and the registry of backends implementing it.
//
// Backends register themselves for a DSN scheme from an init function, the
// same way database/sql drivers do:
//
//	import _ "github.com/mroth/ssehub/storage/sqlite"
//
//	s, err := storage.Open(ctx, "sqlite:///var/lib/ssehub/history.db?size=1000")
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/mroth/ssehub/model"
)

// EarliestID is the cursor requesting the whole retained history.
const EarliestID = "earliest"

// ErrUnsupportedDSN is returned by Open when no backend handles a DSN.
var ErrUnsupportedDSN = errors.New("unsupported storage DSN")

// Storage keeps a bounded, ordered history of published messages and the
// records of active subscriptions.
//
// Every method may block on I/O; implementations must be safe for concurrent
// use.
type Storage interface {
	// LastEventID returns the id of the newest stored message, or "" when
	// the history is empty.
	LastEventID(ctx context.Context) (string, error)

	// RetrieveMessagesAfterID returns, oldest first, the stored entries whose
	// topic matches selectors and that were published after the message
	// with the given id. EarliestID returns every matching entry.
	//
	// An id that is not (or no longer) in the history yields no entries and
	// no error: a subscriber resuming from an evicted cursor gets a gap, not
	// a failure.
	//
	// When several stored messages share id, the cursor is the oldest of
	// them and none of them are returned.
	RetrieveMessagesAfterID(ctx context.Context, id string, selectors []string) ([]model.Entry, error)

	// StoreMessage appends msg as the newest entry, evicting the oldest entry
	// regardless of its topic when the history is full. It is a no-op when
	// the history size is zero.
	StoreMessage(ctx context.Context, topic string, msg model.Message) error

	// StoreSubscriptions upserts subscriptions by id.
	StoreSubscriptions(ctx context.Context, subs []model.Subscription) error

	// RemoveSubscriptions deletes subscriptions by id.
	RemoveSubscriptions(ctx context.Context, subs []model.Subscription) error

	// FindSubscriptions returns the subscriptions whose selector matches the
	// topic filter and whose subscriber matches the subscriber filter. An
	// empty filter matches everything.
	FindSubscriptions(ctx context.Context, topic, subscriber string) ([]model.Subscription, error)

	// Close releases the backend's resources.
	Close() error
}

// Factory creates a Storage from a parsed DSN.
type Factory func(ctx context.Context, dsn *url.URL) (Storage, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available for DSNs with the given scheme. It
// panics if the scheme is registered twice or factory is nil.
func Register(scheme string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if factory == nil {
		panic("storage: Register factory is nil")
	}
	if _, dup := factories[scheme]; dup {
		panic("storage: Register called twice for scheme " + scheme)
	}
	factories[scheme] = factory
}

// Schemes returns the sorted list of registered DSN schemes.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	list := make([]string, 0, len(factories))
	for s := range factories {
		list = append(list, s)
	}
	sort.Strings(list)
	return list
}

// Open creates the Storage selected by the scheme of dsn.
func Open(ctx context.Context, dsn string) (Storage, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage DSN: %w", err)
	}

	mu.RLock()
	factory, ok := factories[u.Scheme]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, dsn)
	}
	return factory(ctx, u)
}

// MaxSize is the largest history size a DSN may ask for.
const MaxSize = 10_000_000

// SizeParam reads the "size" query parameter of dsn, returning def when it is
// absent.
func SizeParam(dsn *url.URL, def int) (int, error) {
	raw := dsn.Query().Get("size")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > MaxSize {
		return 0, fmt.Errorf("invalid size %q: must be an integer between 0 and %d", raw, MaxSize)
	}
	return n, nil
}
