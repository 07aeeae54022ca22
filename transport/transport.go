// Package transport defines how published messages reach every hub that
// serves subscribers, and the registry of implementations selected by DSN
// scheme.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/mroth/ssehub/model"
)

// ErrUnsupportedDSN is returned by Open when no implementation handles a DSN.
var ErrUnsupportedDSN = errors.New("unsupported transport DSN")

// ErrClosed is returned when publishing on a closed transport.
var ErrClosed = errors.New("transport closed")

// A Listener is handed every message published on a transport.
type Listener func(ctx context.Context, topic string, msg model.Message) error

// Transport broadcasts published messages to listeners.
type Transport interface {
	// Publish broadcasts msg under topic.
	Publish(ctx context.Context, topic string, msg model.Message) error

	// Subscribe registers l and returns a function removing it again.
	Subscribe(l Listener) (cancel func(), err error)

	// Close stops the transport.
	Close() error
}

// Factory creates a Transport from a parsed DSN.
type Factory func(ctx context.Context, dsn *url.URL) (Transport, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes an implementation available for DSNs with the given
// scheme. It panics if the scheme is registered twice or factory is nil.
func Register(scheme string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if factory == nil {
		panic("transport: Register factory is nil")
	}
	if _, dup := factories[scheme]; dup {
		panic("transport: Register called twice for scheme " + scheme)
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

// Open creates the Transport selected by the scheme of dsn.
func Open(ctx context.Context, dsn string) (Transport, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse transport DSN: %w", err)
	}

	mu.RLock()
	factory, ok := factories[u.Scheme]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, dsn)
	}
	return factory(ctx, u)
}
