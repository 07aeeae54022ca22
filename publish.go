package ssehub

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/topic"
)

// servePublish handles form-encoded POSTs to the hub endpoint. The first
// topic field is the topic the message is published under; any further ones
// are carried along in the message.
func (s *Server) servePublish(w http.ResponseWriter, r *http.Request) {
	s.corsHeaders(w)

	claims, err := s.publisherAuth.Authenticate(r)
	if err != nil {
		httpError(w, accessDenied(err))
		return
	}
	if claims == nil {
		httpError(w, accessDenied(errNoCredential))
		return
	}

	if err := r.ParseForm(); err != nil {
		httpError(w, badRequest(err))
		return
	}
	topics := r.PostForm["topic"]
	if len(topics) == 0 {
		httpError(w, badRequest(errMissingTopic))
		return
	}
	for _, t := range topics {
		if !topic.Matches(t, claims.Publish) {
			httpError(w, accessDenied(fmt.Errorf("not allowed to publish to %q", t)))
			return
		}
	}

	msg := model.Message{
		ID:      r.PostForm.Get("id"),
		Data:    r.PostForm.Get("data"),
		Type:    r.PostForm.Get("type"),
		Private: r.PostForm.Get("private") != "",
	}
	if len(topics) > 1 {
		msg.Topics = topics[1:]
	}
	if v := r.PostForm.Get("retry"); v != "" {
		retry, err := strconv.Atoi(v)
		if err != nil || retry < 0 {
			httpError(w, badRequest(fmt.Errorf("invalid retry %q", v)))
			return
		}
		msg.Retry = retry
	}

	id, err := s.Publish(r.Context(), topics[0], msg)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", topics[0]).Msg("publish failed")
		httpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, id)
}
