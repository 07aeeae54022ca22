package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mroth/ssehub"
	"github.com/mroth/ssehub/admin"
	"github.com/mroth/ssehub/model"
)

// it should serve a HTML index page
func TestAdminHTTPIndex(t *testing.T) {
	s, err := ssehub.NewServer()
	require.NoError(t, err)
	defer s.Shutdown()

	req := httptest.NewRequest(http.MethodGet, "/admin/", nil)
	rr := httptest.NewRecorder()
	admin.Handler(s).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "status.json")
}

// it should expose a REST JSON status API
func TestAdminHTTPStatusAPI(t *testing.T) {
	s, err := ssehub.NewServer()
	require.NoError(t, err)
	defer s.Shutdown()

	id, err := s.Publish(context.Background(), "/books/1", model.Message{Data: "hello"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/status.json", nil)
	rr := httptest.NewRecorder()
	admin.Handler(s).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var status ssehub.ReportingStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "OK", status.Status)
	assert.Equal(t, uint64(1), status.SentMsgs)
	assert.Equal(t, id, status.LastEventID)
	assert.Empty(t, status.Connections)
}

func TestAdminHTTPStatusAfterShutdown(t *testing.T) {
	s, err := ssehub.NewServer()
	require.NoError(t, err)
	s.Shutdown()

	req := httptest.NewRequest(http.MethodGet, "/admin/status.json", nil)
	rr := httptest.NewRecorder()
	admin.Handler(s).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status": "SHUTDOWN"`)
}
