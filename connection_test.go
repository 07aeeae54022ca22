package ssehub

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mroth/ssehub/auth"
	"github.com/mroth/ssehub/model"
)

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithLogger(zerolog.Nop())}, opts...)
	s, err := NewServer(opts...)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

// subscribe runs a subscribe request until ctx is done and returns the
// recorded response.
func subscribe(ctx context.Context, s *Server, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	connectionHandler(s).ServeHTTP(rr, req)
	return rr
}

/*
New connections should get...
  - HTTP status OK 200
  - content-type event-stream
  - check all headers match what we want
*/
func TestConnectionHandler(t *testing.T) {
	var testcases = []struct {
		name          string
		opts          []ServerOption
		expectStatus  int
		expectHeaders http.Header
	}{
		{
			name:         "default",
			opts:         nil,
			expectStatus: http.StatusOK,
			expectHeaders: http.Header{
				"Content-Type":      {"text/event-stream; charset=utf-8"},
				"Connection":        {"keep-alive"},
				"Cache-Control":     {"no-cache"},
				"X-Accel-Buffering": {"no"},
			},
		},
		{
			name: "cors",
			opts: []ServerOption{
				WithCORSAllowOrigin("*"),
			},
			expectStatus: http.StatusOK,
			expectHeaders: http.Header{
				"Content-Type":                {"text/event-stream; charset=utf-8"},
				"Connection":                  {"keep-alive"},
				"Cache-Control":               {"no-cache"},
				"X-Accel-Buffering":           {"no"},
				"Access-Control-Allow-Origin": {"*"},
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newTestServer(t, append(tc.opts, WithAllowAnonymous(true))...)

			// the connection will remain open to be available to stream content, so here we set a
			// timeout on the request context in order to drop the connection from the client side
			// after we have the headers
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			rr := subscribe(ctx, s, "/.well-known/mercure?topic=/foo", nil)

			// check status code
			if got, want := rr.Code, tc.expectStatus; got != want {
				t.Errorf("unexpected status code: got %v want %v", got, want)
			}

			// check for missing headers or incorrect header values
			gotHeaders := rr.Result().Header
			for key, wantVal := range tc.expectHeaders {
				gotVal, found := gotHeaders[key]
				if !found {
					t.Errorf("missing expected header: %v: %v", key, wantVal)
				} else if !reflect.DeepEqual(gotVal, wantVal) {
					t.Errorf("%v: got %v want %v", key, gotVal, wantVal)
				}
			}

			// check for presence of any unexpected headers
			for k, v := range gotHeaders {
				_, found := tc.expectHeaders[k]
				if !found {
					t.Errorf("found unexpected header: %v: %v", k, v)
				}
			}
		})
	}
}

func TestConnectionHandlerRejects(t *testing.T) {
	invalid := auth.Func(func(*http.Request) (*auth.Claims, error) {
		return nil, auth.ErrInvalidCredential
	})

	var testcases = []struct {
		name         string
		opts         []ServerOption
		target       string
		expectStatus int
	}{
		{"missing topic", []ServerOption{WithAllowAnonymous(true)}, "/.well-known/mercure", http.StatusBadRequest},
		{"invalid selector", []ServerOption{WithAllowAnonymous(true)}, "/.well-known/mercure?topic=%7Bbad", http.StatusBadRequest},
		{"malformed query", []ServerOption{WithAllowAnonymous(true)}, "/.well-known/mercure?topic=%zz", http.StatusBadRequest},
		{"anonymous not allowed", nil, "/.well-known/mercure?topic=/foo", http.StatusUnauthorized},
		{"invalid credential", []ServerOption{WithAllowAnonymous(true), WithSubscriberAuthenticator(invalid)}, "/.well-known/mercure?topic=/foo", http.StatusUnauthorized},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, tc.opts...)
			rr := subscribe(context.Background(), s, tc.target, nil)
			assert.Equal(t, tc.expectStatus, rr.Code)
			assert.NotEqual(t, "text/event-stream; charset=utf-8", rr.Header().Get("Content-Type"))
		})
	}
}

func TestConnectionHandlerOptions(t *testing.T) {
	s := newTestServer(t, WithCORSAllowOrigin("https://example.com"))

	req := httptest.NewRequest(http.MethodOptions, "/.well-known/mercure", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, "https://example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
}

/*
Connection receives broadcast messages to its send channel.
*/
func TestConnectionSend(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	c := newConnection(rr, req, "test", []string{"/foo"}, defaultConnBufSize, zerolog.Nop())

	// send a sse msg 2x then close
	msg := model.Message{ID: "1", Type: "foo", Data: "bar"}
	require.True(t, c.push("/foo", msg))
	require.True(t, c.push("/foo", msg))
	c.close()
	c.close()

	c.writer(time.Minute) // returns once send is drained and closed
	payload := sseFormat(msg)
	var expected = append(payload, payload...)
	if actual := rr.Body.Bytes(); !bytes.Equal(actual, expected) {
		t.Errorf("body does not match:\n[got]\n%s[expected]\n%s",
			actual, expected)
	}
	assert.Equal(t, uint64(2), c.Status().MsgsSent)
}

// A full send buffer refuses messages instead of blocking the hub.
func TestConnectionPushFull(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := newConnection(httptest.NewRecorder(), req, "test", nil, 1, zerolog.Nop())

	assert.True(t, c.push("/foo", model.Message{ID: "1"}))
	assert.False(t, c.push("/foo", model.Message{ID: "2"}))
}

func TestConnectionKeepalive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	c := newConnection(rr, req, "test", nil, 1, zerolog.Nop())

	c.writer(5 * time.Millisecond) // returns once ctx is done
	assert.Contains(t, rr.Body.String(), ":keepalive\n")
}

func TestLastEventID(t *testing.T) {
	var testcases = []struct {
		header string
		query  string
		want   string
	}{
		{"", "", ""},
		{"h", "Last-Event-ID=q", "h"},
		{"", "Last-Event-ID=a", "a"},
		{"", "Last-Event-Id=b", "b"},
		{"", "last-event-id=c", "c"},
		{"", "Last-Event-ID=a&last-event-id=c", "a"},
	}

	for _, tc := range testcases {
		req := httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
		if tc.header != "" {
			req.Header.Set("Last-Event-ID", tc.header)
		}
		query, err := url.ParseQuery(tc.query)
		require.NoError(t, err)
		assert.Equal(t, tc.want, lastEventID(req, query), "%+v", tc)
	}
}

func TestSubscribeReplaysHistory(t *testing.T) {
	s := newTestServer(t, WithAllowAnonymous(true))
	ctx := context.Background()

	var ids []string
	for _, data := range []string{"one", "two", "three"} {
		id, err := s.Publish(ctx, "/books/1", model.Message{Data: data})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := s.Publish(ctx, "/authors/1", model.Message{Data: "elsewhere"})
	require.NoError(t, err)

	rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	rr := subscribe(rctx, s, "/.well-known/mercure?topic=/books/{id}", http.Header{"Last-Event-Id": {ids[0]}})

	body := rr.Body.String()
	assert.NotContains(t, body, "data: one\n")
	assert.Contains(t, body, "id: "+ids[1]+"\ndata: two\n\n")
	assert.Contains(t, body, "id: "+ids[2]+"\ndata: three\n\n")
	assert.Less(t, strings.Index(body, "data: two"), strings.Index(body, "data: three"))
	assert.NotContains(t, body, "elsewhere")
}

func TestSubscribeReceivesLive(t *testing.T) {
	s := newTestServer(t, WithAllowAnonymous(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- subscribe(ctx, s, "/.well-known/mercure?topic=/books/1", nil)
	}()

	require.Eventually(t, func() bool {
		return len(s.Status(context.Background()).Connections) == 1
	}, time.Second, time.Millisecond)

	_, err := s.Publish(context.Background(), "/books/1", model.Message{ID: "live", Data: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conns := s.Status(context.Background()).Connections
		return len(conns) == 1 && conns[0].MsgsSent == 1
	}, time.Second, time.Millisecond)
	cancel()

	rr := <-done
	assert.Equal(t, "id: live\ndata: hello\n\n", rr.Body.String())

	// the subscriber is gone once the request ends
	require.Eventually(t, func() bool {
		return len(s.Status(context.Background()).Connections) == 0
	}, time.Second, time.Millisecond)
}

func TestSubscribeServerShutdownEndsStream(t *testing.T) {
	s := newTestServer(t, WithAllowAnonymous(true))

	done := make(chan struct{})
	go func() {
		defer close(done)
		subscribe(context.Background(), s, "/.well-known/mercure?topic=*", nil)
	}()

	require.Eventually(t, func() bool {
		return len(s.Status(context.Background()).Connections) == 1
	}, time.Second, time.Millisecond)
	s.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not end on shutdown")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSubscribeServerShutdownLogsNoWarning(t *testing.T) {
	var logs lockedBuffer
	s := newTestServer(t, WithAllowAnonymous(true), WithLogger(zerolog.New(&logs)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		subscribe(context.Background(), s, "/.well-known/mercure?topic=*", nil)
	}()

	require.Eventually(t, func() bool {
		return len(s.Status(context.Background()).Connections) == 1
	}, time.Second, time.Millisecond)
	s.Shutdown()
	<-done

	assert.Contains(t, logs.String(), "DISCONNECT")
	assert.NotContains(t, logs.String(), "disconnect failed")
	assert.NotContains(t, logs.String(), `"level":"warn"`)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, statusCode(accessDenied(errAnonymous)))
	assert.Equal(t, http.StatusBadRequest, statusCode(badRequest(errMissingTopic)))
	assert.Equal(t, http.StatusServiceUnavailable, statusCode(storageError(errors.New("x"))))
	assert.Equal(t, http.StatusServiceUnavailable, statusCode(ErrHubClosed))
	assert.Equal(t, http.StatusInternalServerError, statusCode(errors.New("x")))
}
