package ssehub

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/topic"
)

type connection struct {
	r          *http.Request       // The HTTP request
	w          http.ResponseWriter // The HTTP response
	created    time.Time           // Timestamp for when connection was opened
	send       chan []byte         // Buffered channel of outbound messages
	subscriber string              // Subscriber id
	topics     []string            // Selectors requested by the client
	msgsSent   atomic.Uint64       // Msgs the connection has sent (all time)
	closeOnce  sync.Once
	logger     zerolog.Logger
}

type connectionStatus struct {
	Path       string   `json:"request_path"`
	Subscriber string   `json:"subscriber"`
	Topics     []string `json:"topics"`
	State      string   `json:"state"`
	Created    int64    `json:"created_at"`
	ClientIP   string   `json:"client_ip"`
	UserAgent  string   `json:"user_agent"`
	MsgsSent   uint64   `json:"msgs_sent"`
}

func newConnection(w http.ResponseWriter, r *http.Request, subscriber string, topics []string, bufSize uint, logger zerolog.Logger) *connection {
	return &connection{
		r:          r,
		w:          w,
		created:    time.Now(),
		send:       make(chan []byte, bufSize),
		subscriber: subscriber,
		topics:     topics,
		logger:     logger,
	}
}

func (c *connection) Status() connectionStatus {
	return connectionStatus{
		Path:       c.r.URL.Path,
		Subscriber: c.subscriber,
		Topics:     c.topics,
		Created:    c.created.Unix(),
		ClientIP:   c.r.RemoteAddr,
		UserAgent:  c.r.UserAgent(),
		MsgsSent:   c.msgsSent.Load(),
	}
}

// push implements sink.
func (c *connection) push(_ string, msg model.Message) bool {
	select {
	case c.send <- sseFormat(msg):
		return true
	default:
		return false
	}
}

// close implements sink.
func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// writer is the event loop that attempts to send all messages on the active
// http connection. it will detect if the http connection is closed and autoexit.
// it will also exit if the connection's send channel is closed (indicating a shutdown)
func (c *connection) writer(keepalive time.Duration) {
	// any SSE line beginning with the colon will be ignored, so use that to
	// keep idle connections from being timed out by proxies.
	// https://html.spec.whatwg.org/multipage/server-sent-events.html#event-stream-interpretation
	keepaliveTickler := time.NewTicker(keepalive)
	keepaliveMsg := []byte(":keepalive\n")
	defer keepaliveTickler.Stop()

	flusher, _ := c.w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.logger.Debug().Msg("hub told us to shut down")
				return
			}
			if _, err := c.w.Write(msg); err != nil {
				c.logger.Debug().Err(err).Msg("error writing msg to client, closing")
				return
			}
			flush()
			c.msgsSent.Add(1)

		case <-keepaliveTickler.C:
			if _, err := c.w.Write(keepaliveMsg); err != nil {
				c.logger.Debug().Err(err).Msg("error writing keepalive to client, closing")
				return
			}
			flush()

		case <-c.r.Context().Done():
			c.logger.Debug().Msg("closer fired for conn")
			return
		}
	}
}

// lastEventID reads the resume cursor from the Last-Event-ID header, falling
// back to the query parameter spellings used by browsers that cannot set
// headers on an EventSource.
func lastEventID(r *http.Request, query url.Values) string {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		return id
	}
	for _, k := range []string{"Last-Event-ID", "Last-Event-Id", "last-event-id"} {
		if id := query.Get(k); id != "" {
			return id
		}
	}
	return ""
}

// connectionHandler returns the http.Handler for the subscribe endpoint.
func connectionHandler(s *Server) http.Handler {
	return http.HandlerFunc(s.serveSubscribe)
}

func (s *Server) serveSubscribe(w http.ResponseWriter, r *http.Request) {
	s.corsHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	claims, err := s.subscriberAuth.Authenticate(r)
	if err != nil {
		httpError(w, accessDenied(err))
		return
	}
	if claims == nil && !s.conf.AllowAnonymous {
		httpError(w, accessDenied(errAnonymous))
		return
	}

	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		httpError(w, badRequest(err))
		return
	}
	topics := query["topic"]
	if len(topics) == 0 {
		httpError(w, badRequest(errMissingTopic))
		return
	}
	if err := topic.Validate(topics); err != nil {
		httpError(w, badRequest(err))
		return
	}

	// override RemoteAddr to trust proxy IP msgs if they exist
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		ip = r.Header.Get("X-Forwarded-For")
	}
	if ip != "" {
		r.RemoteAddr = ip
	}

	id := newSubscriberID()
	logger := s.logger.With().Str("subscriber", id).Str("remote", r.RemoteAddr).Logger()
	logger.Info().Strs("topics", topics).Msg("CONNECT")

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream; charset=utf-8")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	c := newConnection(w, r, id, topics, s.conf.ConnBufSize, logger)

	type result struct {
		sub *subscriber
		err error
	}
	connected := make(chan result, 1)
	go func() {
		sub, err := s.hub.connect(r.Context(), connectRequest{
			subscriber:  id,
			selectors:   topics,
			claims:      claims,
			lastEventID: lastEventID(r, query),
		}, c)
		connected <- result{sub, err}
	}()

	c.writer(s.conf.KeepAlive)

	res := <-connected
	if res.err != nil && r.Context().Err() == nil {
		logger.Warn().Err(res.err).Msg("subscription failed")
	}
	if res.sub != nil {
		err := s.hub.disconnect(context.WithoutCancel(r.Context()), res.sub)
		if err != nil && !errors.Is(err, ErrHubClosed) {
			logger.Warn().Err(err).Msg("disconnect failed")
		}
	}
	logger.Info().Uint64("msgs_sent", c.msgsSent.Load()).Msg("DISCONNECT")
}
