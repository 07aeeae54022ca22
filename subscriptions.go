package ssehub

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/topic"
)

const jsonldContext = "https://mercure.rocks/"

type subscriptionCollection struct {
	Context       string               `json:"@context"`
	ID            string               `json:"id"`
	Type          string               `json:"type"`
	LastEventID   string               `json:"lastEventID"`
	Subscriptions []model.Subscription `json:"subscriptions"`
}

type subscriptionResource struct {
	Context     string `json:"@context"`
	LastEventID string `json:"lastEventID"`
	model.Subscription
}

// MarshalJSON keeps the embedded subscription's own fields next to the
// JSON-LD ones.
func (r subscriptionResource) MarshalJSON() ([]byte, error) {
	sub, err := json.Marshal(r.Subscription)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(struct {
		Context     string `json:"@context"`
		LastEventID string `json:"lastEventID"`
	}{r.Context, r.LastEventID})
	if err != nil {
		return nil, err
	}
	// splice {"@context":..,"lastEventID":..} and {"id":..} into one object
	out := append(head[:len(head)-1], ',')
	return append(out, sub[1:]...), nil
}

// serveSubscriptions lists the active subscriptions:
//
//	/.well-known/mercure/subscriptions
//	/.well-known/mercure/subscriptions/{selector}
//	/.well-known/mercure/subscriptions/{selector}/{subscriber}
//
// Path segments are query-escaped. The caller's subscribe claims must match
// the requested path.
func (s *Server) serveSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.corsHeaders(w)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	claims, err := s.subscriberAuth.Authenticate(r)
	if err != nil {
		httpError(w, accessDenied(err))
		return
	}
	path := r.URL.EscapedPath()
	if claims == nil || !topic.Matches(path, claims.Subscribe) {
		httpError(w, accessDenied(errors.New("not allowed to list these subscriptions")))
		return
	}

	selector, subscriber, err := subscriptionFilters(path)
	if err != nil {
		httpError(w, badRequest(err))
		return
	}

	ctx := r.Context()
	lastID, err := s.storage.LastEventID(ctx)
	if err != nil {
		httpError(w, storageError(err))
		return
	}
	subs, err := s.storage.FindSubscriptions(ctx, selector, subscriber)
	if err != nil {
		httpError(w, storageError(err))
		return
	}

	var body any
	if subscriber != "" {
		// subscription ids are unique; a fully qualified path names one
		var found *model.Subscription
		for i := range subs {
			if subs[i].Topic == selector && subs[i].Subscriber == subscriber {
				found = &subs[i]
				break
			}
		}
		if found == nil {
			http.NotFound(w, r)
			return
		}
		body = subscriptionResource{Context: jsonldContext, LastEventID: lastID, Subscription: *found}
	} else {
		if subs == nil {
			subs = []model.Subscription{}
		}
		body = subscriptionCollection{
			Context:       jsonldContext,
			ID:            path,
			Type:          "Subscriptions",
			LastEventID:   lastID,
			Subscriptions: subs,
		}
	}

	w.Header().Set("Content-Type", "application/ld+json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write subscriptions")
	}
}

func subscriptionFilters(path string) (selector, subscriber string, err error) {
	rest := strings.TrimPrefix(strings.TrimPrefix(path, model.SubscriptionsPath), "/")
	if rest == "" {
		return "", "", nil
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) > 2 {
		return "", "", errors.New("too many path segments")
	}
	if selector, err = url.QueryUnescape(parts[0]); err != nil {
		return "", "", err
	}
	if len(parts) == 2 {
		if subscriber, err = url.QueryUnescape(parts[1]); err != nil {
			return "", "", err
		}
	}
	return selector, subscriber, nil
}
