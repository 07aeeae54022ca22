package ssehub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mroth/ssehub/auth"
	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/storage"
	"github.com/mroth/ssehub/storage/memory"
	"github.com/mroth/ssehub/transport"
	"github.com/mroth/ssehub/transport/local"
)

// HubPath is the path of the subscribe and publish endpoint.
const HubPath = "/.well-known/mercure"

const (
	defaultConnBufSize = 256
	defaultKeepAlive   = 15 * time.Second
	defaultQueueSize   = 1024
)

// Server is the primary interface to a hub.
//
// Messages handed to Publish, or received by the transport from other
// processes, are stored in the history and streamed to every connected
// subscriber whose selectors match the message topic and who is authorized
// to receive it.
//
// Server implements the http.Handler interface, and can be chained into
// existing HTTP routing muxes if desired.
type Server struct {
	hub       *hub
	storage   storage.Storage
	transport transport.Transport

	subscriberAuth auth.Authenticator
	publisherAuth  auth.Authenticator

	mux         *http.ServeMux
	unsubscribe func()
	stopOnce    sync.Once
	logger      zerolog.Logger

	conf serverConfig
}

// serverConfig defines configurable options that can be customized for a Server.
type serverConfig struct {
	CORSAllowOrigin string        // Access-Control-Allow-Origin header value (dont send header if blank)
	ConnBufSize     uint          // message buffer count for new connections
	KeepAlive       time.Duration // interval between keepalive comments
	AllowAnonymous  bool          // subscribers may connect without a credential
	Subscriptions   bool          // persist and announce subscriptions
	QueueSize       int           // capacity of the hub's unit of work queue
}

// NewServer creates a new Server with optional ServerOptions for configuration.
//
// Without WithStorage and WithTransport the server keeps its history in
// memory and only serves messages published through this process.
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger: log.With().Str("component", "hub").Logger(),
		conf: serverConfig{
			ConnBufSize: defaultConnBufSize,
			KeepAlive:   defaultKeepAlive,
			QueueSize:   defaultQueueSize,
		},
	}

	// set configuration from provided options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.storage == nil {
		s.storage = memory.New(memory.DefaultSize)
	}
	if s.transport == nil {
		s.transport = local.New()
	}
	if s.subscriberAuth == nil {
		s.subscriberAuth = auth.Anonymous
	}
	if s.publisherAuth == nil {
		s.publisherAuth = auth.Anonymous
	}

	s.hub = newHub(s.storage, hubConfig{
		allowAnonymous: s.conf.AllowAnonymous,
		subscriptions:  s.conf.Subscriptions,
		queueSize:      s.conf.QueueSize,
	}, s.logger)

	unsubscribe, err := s.transport.Subscribe(s.hub.dispatch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to transport: %w", err)
	}
	s.unsubscribe = unsubscribe

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(HubPath, s.serveHub)

	s.hub.Start()
	return s, nil
}

// ServerOption defines a set of high-level user options that can be customized
type ServerOption func(s *Server) error

// WithCORSAllowOrigin sets the Access-Control-Allow-Origin header value to origin.
// If set to the zero value (""), the header will not be sent.
//
// If you want to allow connections from browsers at any origin, set to "*".
//
// See https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/Access-Control-Allow-Origin.
func WithCORSAllowOrigin(origin string) ServerOption {
	return func(s *Server) error {
		s.conf.CORSAllowOrigin = origin
		return nil
	}
}

// WithConnBufSize sets how many messages may be queued for a single
// connection before it is considered stalled and dropped.
func WithConnBufSize(n uint) ServerOption {
	return func(s *Server) error {
		if n == 0 {
			return errors.New("connection buffer size must be positive")
		}
		s.conf.ConnBufSize = n
		return nil
	}
}

// WithKeepAlive sets the interval between keepalive comments on idle streams.
func WithKeepAlive(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return errors.New("keepalive interval must be positive")
		}
		s.conf.KeepAlive = d
		return nil
	}
}

// WithQueueSize sets the capacity of the hub's work queue. Publishers and
// connecting subscribers block while it is full.
func WithQueueSize(n int) ServerOption {
	return func(s *Server) error {
		if n <= 0 {
			return errors.New("queue size must be positive")
		}
		s.conf.QueueSize = n
		return nil
	}
}

// WithAllowAnonymous lets subscribers connect without a credential. They only
// ever receive public messages.
func WithAllowAnonymous(allow bool) ServerOption {
	return func(s *Server) error {
		s.conf.AllowAnonymous = allow
		return nil
	}
}

// WithSubscriptions enables subscription records: they are persisted while a
// subscriber is connected, announced as private updates on their own id, and
// listed by the subscriptions endpoint.
func WithSubscriptions(enabled bool) ServerOption {
	return func(s *Server) error {
		s.conf.Subscriptions = enabled
		return nil
	}
}

// WithStorage sets the message history and subscription store. The Server
// does not close it.
func WithStorage(st storage.Storage) ServerOption {
	return func(s *Server) error {
		s.storage = st
		return nil
	}
}

// WithTransport sets the transport messages are published on. The Server
// does not close it.
func WithTransport(t transport.Transport) ServerOption {
	return func(s *Server) error {
		s.transport = t
		return nil
	}
}

// WithSubscriberAuthenticator sets how subscribers prove their claims.
func WithSubscriberAuthenticator(a auth.Authenticator) ServerOption {
	return func(s *Server) error {
		s.subscriberAuth = a
		return nil
	}
}

// WithPublisherAuthenticator sets how HTTP publishers prove their claims.
// Without one, publishing is only possible through Server.Publish.
func WithPublisherAuthenticator(a auth.Authenticator) ServerOption {
	return func(s *Server) error {
		s.publisherAuth = a
		return nil
	}
}

// WithLogger sets the logger used by the server and its connections.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = l
		return nil
	}
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// subscription paths carry escaped slashes, which the mux would clean
	if s.conf.Subscriptions && isSubscriptionsPath(r.URL.Path) {
		s.serveSubscriptions(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func isSubscriptionsPath(p string) bool {
	return p == model.SubscriptionsPath || strings.HasPrefix(p, model.SubscriptionsPath+"/")
}

func (s *Server) serveHub(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodOptions:
		s.serveSubscribe(w, r)
	case http.MethodPost:
		s.servePublish(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.conf.CORSAllowOrigin == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", s.conf.CORSAllowOrigin)
	if s.conf.CORSAllowOrigin != "*" {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// Publish publishes msg under topic name and returns the id it was published
// with. An id is generated when msg has none.
func (s *Server) Publish(ctx context.Context, name string, msg model.Message) (string, error) {
	if name == "" {
		return "", badRequest(errMissingTopic)
	}
	if msg.ID == "" {
		msg.ID = newEventID()
	}
	if err := s.transport.Publish(ctx, name, msg); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return "", ErrHubClosed
		}
		return "", err
	}
	return msg.ID, nil
}

// Shutdown a server gracefully, closing active connections. It stops
// listening to the transport and waits for the hub to stop; it is safe to
// call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.unsubscribe()
	})
	s.hub.Shutdown()
}
