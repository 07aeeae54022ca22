// Package local is the in-process transport: publishing calls every listener
// directly. It only connects hubs living in the same process.
//
// DSN: local://
package local

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/transport"
)

func init() {
	transport.Register("local", func(context.Context, *url.URL) (transport.Transport, error) {
		return New(), nil
	})
}

type listener struct {
	fn transport.Listener
}

// Transport is an in-process event emitter.
type Transport struct {
	mu        sync.RWMutex
	listeners []*listener
	closed    bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a local transport.
func New() *Transport {
	return &Transport{}
}

// Publish implements transport.Transport. Listeners run synchronously in
// registration order; their errors are joined and returned.
func (t *Transport) Publish(ctx context.Context, topic string, msg model.Message) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return transport.ErrClosed
	}
	ls := make([]*listener, len(t.listeners))
	copy(ls, t.listeners)
	t.mu.RUnlock()

	var errs []error
	for _, l := range ls {
		if err := l.fn(ctx, topic, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(fn transport.Listener) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}

	l := &listener{fn: fn}
	t.listeners = append(t.listeners, l)

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(l) })
	}, nil
}

func (t *Transport) remove(l *listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.listeners {
		if x == l {
			t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.listeners = nil
	return nil
}
