package ssehub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mroth/ssehub/auth"
	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/storage"
	"github.com/mroth/ssehub/topic"
)

// A sink receives the messages routed to one subscriber. Its methods are only
// ever called from the hub worker, and push must not block.
type sink interface {
	push(name string, msg model.Message) bool
	close()
}

type state uint8

const (
	stateConnecting state = iota
	stateReplaying
	stateLive
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "CONNECTING"
	case stateReplaying:
		return "REPLAYING"
	case stateLive:
		return "LIVE"
	default:
		return "CLOSED"
	}
}

// subscriber is the hub's record of one connected client. All fields except
// the immutable ones set in connect are owned by the worker goroutine.
type subscriber struct {
	id        string
	selectors []string // expanded for id
	claims    *auth.Claims
	sink      sink
	created   time.Time

	state         state
	subscriptions []model.Subscription
	stored        bool // subscriptions are persisted and announced
}

type connectRequest struct {
	subscriber  string
	selectors   []string
	claims      *auth.Claims
	lastEventID string
}

// A unit is one step of work executed by the hub worker. Units run one at a
// time in the order they were accepted.
type unit struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type hubConfig struct {
	allowAnonymous bool
	subscriptions  bool
	queueSize      int
}

// A hub serializes every change to the set of connected subscribers, the
// message history and the live fan-out through a single worker. A connect
// that replays history and a publish can therefore never interleave, so a
// client resuming from an event id sees every later message exactly once.
type hub struct {
	units   chan unit
	quit    chan struct{}
	stopped chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	storage storage.Storage
	conf    hubConfig
	logger  zerolog.Logger

	// worker-owned
	subscribers map[*subscriber]struct{}
	sentMsgs    uint64
	startupTime time.Time
}

func newHub(st storage.Storage, conf hubConfig, logger zerolog.Logger) *hub {
	if conf.queueSize <= 0 {
		conf.queueSize = defaultQueueSize
	}
	return &hub{
		units:       make(chan unit, conf.queueSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		storage:     st,
		conf:        conf,
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
		startupTime: time.Now(),
	}
}

// Start launches the worker. It is safe to call more than once.
func (h *hub) Start() {
	h.startOnce.Do(func() { go h.run() })
}

// Shutdown stops the worker and closes every connected subscriber. Pending
// and future calls fail with ErrHubClosed. It is safe to call more than once.
func (h *hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.quit)
		// a hub that never started has no worker to close stopped
		h.startOnce.Do(func() { close(h.stopped) })
	})
	<-h.stopped
}

func (h *hub) run() {
	defer close(h.stopped)
	for {
		select {
		case u := <-h.units:
			u.done <- u.fn(u.ctx)
		case <-h.quit:
			for s := range h.subscribers {
				h.drop(s)
			}
			h.logger.Debug().Msg("hub worker stopped")
			return
		}
	}
}

// do enqueues fn and waits for its result. It blocks while the queue is full.
// Once accepted, fn runs to completion even if ctx is cancelled meanwhile.
func (h *hub) do(ctx context.Context, fn func(ctx context.Context) error) error {
	u := unit{
		ctx:  context.WithoutCancel(ctx),
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case <-h.quit:
		return ErrHubClosed
	default:
	}

	select {
	case h.units <- u:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.quit:
		return ErrHubClosed
	}

	select {
	case err := <-u.done:
		return err
	case <-h.stopped:
		select {
		case err := <-u.done:
			return err
		default:
			return ErrHubClosed
		}
	}
}

// dispatch is the transport listener: it stores msg and delivers it to every
// subscriber allowed to receive it.
func (h *hub) dispatch(ctx context.Context, name string, msg model.Message) error {
	return h.do(ctx, func(ctx context.Context) error {
		return h.route(ctx, name, msg)
	})
}

func (h *hub) route(ctx context.Context, name string, msg model.Message) error {
	var err error
	if serr := h.storage.StoreMessage(ctx, name, msg); serr != nil {
		h.logger.Error().Err(serr).Str("topic", name).Str("id", msg.ID).Msg("failed to store message")
		err = fmt.Errorf("%w: store message %s: %w", ErrStorageUnavailable, msg.ID, serr)
	}

	h.sentMsgs++
	for s := range h.subscribers {
		h.deliver(s, name, msg)
	}
	h.logger.Debug().Str("topic", name).Str("id", msg.ID).Msg("dispatched")
	return err
}

// deliver sends msg to s if s may receive it. It reports false if s had to
// be dropped.
func (h *hub) deliver(s *subscriber, name string, msg model.Message) bool {
	if !topic.CanReceive(name, msg, s.selectors, s.claims, h.conf.allowAnonymous) {
		return true
	}
	if s.sink.push(name, msg) {
		return true
	}
	h.logger.Warn().Str("subscriber", s.id).Msg("cant pass to a connection send chan, buffer is full, dropping")
	h.drop(s)
	return false
}

func (h *hub) drop(s *subscriber) {
	if s.state == stateClosed {
		return
	}
	delete(h.subscribers, s)
	s.state = stateClosed
	s.sink.close()
}

// connect registers a subscriber for req and feeds it to sk: first the
// history after req.lastEventID, then live messages. On error sk has been
// closed and nothing is registered.
func (h *hub) connect(ctx context.Context, req connectRequest, sk sink) (*subscriber, error) {
	self := topic.Self{Subscriber: req.subscriber}
	s := &subscriber{
		id:        req.subscriber,
		selectors: topic.ExpandAll(req.selectors, self),
		sink:      sk,
		created:   time.Now(),
		state:     stateConnecting,
	}
	if req.claims != nil {
		c := *req.claims
		c.Subscribe = topic.ExpandAll(c.Subscribe, self)
		s.claims = &c
	}

	if len(s.selectors) == 0 {
		sk.close()
		return nil, badRequest(errMissingTopic)
	}
	if err := topic.Validate(s.selectors); err != nil {
		sk.close()
		return nil, badRequest(err)
	}

	err := h.do(ctx, func(ctx context.Context) error {
		return h.attach(ctx, s, req.lastEventID)
	})
	if err != nil {
		// a unit that ran has already closed the sink; one that never ran
		// leaves it to us. close is idempotent.
		sk.close()
		return nil, err
	}
	return s, nil
}

func (h *hub) attach(ctx context.Context, s *subscriber, lastEventID string) error {
	if h.conf.subscriptions {
		var payload any
		if s.claims != nil {
			payload = s.claims.Payload
		}
		for _, sel := range s.selectors {
			s.subscriptions = append(s.subscriptions, model.NewSubscription(sel, s.id, payload))
		}
		if err := h.storage.StoreSubscriptions(ctx, s.subscriptions); err != nil {
			h.drop(s)
			return fmt.Errorf("%w: store subscriptions: %w", ErrStorageUnavailable, err)
		}
		s.stored = true
		h.announce(ctx, s.subscriptions)
	}

	if lastEventID != "" {
		s.state = stateReplaying
		entries, err := h.storage.RetrieveMessagesAfterID(ctx, lastEventID, s.selectors)
		if err != nil {
			_ = h.release(ctx, s)
			return fmt.Errorf("%w: retrieve history after %s: %w", ErrStorageUnavailable, lastEventID, err)
		}
		for _, e := range entries {
			if !h.deliver(s, e.Topic, e.Message) {
				// not an error for the caller: the stream simply ends and
				// the client resumes from its last received id.
				_ = h.release(ctx, s)
				return nil
			}
		}
		h.logger.Debug().Str("subscriber", s.id).Int("replayed", len(entries)).Msg("replayed history")
	}

	s.state = stateLive
	h.subscribers[s] = struct{}{}
	return nil
}

// disconnect unregisters s. It is idempotent.
func (h *hub) disconnect(ctx context.Context, s *subscriber) error {
	return h.do(ctx, func(ctx context.Context) error {
		return h.release(ctx, s)
	})
}

func (h *hub) release(ctx context.Context, s *subscriber) error {
	h.drop(s)
	if !s.stored {
		return nil
	}
	s.stored = false

	inactive := make([]model.Subscription, len(s.subscriptions))
	for i, sub := range s.subscriptions {
		sub.Active = false
		inactive[i] = sub
	}
	err := h.storage.RemoveSubscriptions(ctx, inactive)
	h.announce(ctx, inactive)
	if err != nil {
		return fmt.Errorf("%w: remove subscriptions: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// announce routes a private update for each subscription on the
// subscription's own id.
func (h *hub) announce(ctx context.Context, subs []model.Subscription) {
	for _, sub := range subs {
		data, err := json.Marshal(sub)
		if err != nil {
			h.logger.Error().Err(err).Str("subscription", sub.ID).Msg("failed to encode subscription")
			continue
		}
		msg := model.Message{ID: newEventID(), Data: string(data), Private: true}
		if err := h.route(ctx, sub.ID, msg); err != nil {
			h.logger.Warn().Err(err).Str("subscription", sub.ID).Msg("subscription update not stored")
		}
	}
}

// subscriberInfo is a copy of a subscriber's reportable state.
type subscriberInfo struct {
	id        string
	selectors []string
	created   time.Time
	state     state
	sink      sink
}

type hubSnapshot struct {
	startupTime time.Time
	sentMsgs    uint64
	subscribers []subscriberInfo
}

// snapshot returns a consistent view of the registry.
func (h *hub) snapshot(ctx context.Context) (hubSnapshot, error) {
	var snap hubSnapshot
	err := h.do(ctx, func(context.Context) error {
		snap.startupTime = h.startupTime
		snap.sentMsgs = h.sentMsgs
		snap.subscribers = make([]subscriberInfo, 0, len(h.subscribers))
		for s := range h.subscribers {
			snap.subscribers = append(snap.subscribers, subscriberInfo{
				id:        s.id,
				selectors: s.selectors,
				created:   s.created,
				state:     s.state,
				sink:      s.sink,
			})
		}
		return nil
	})
	return snap, err
}
