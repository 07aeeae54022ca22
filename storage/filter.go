package storage

import (
	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/topic"
)

// After returns, in order, the entries following the one whose message id is
// id and whose topic matches selectors. It implements the cursor semantics of
// RetrieveMessagesAfterID for backends that can walk their whole history.
func After(entries []model.Entry, id string, selectors []string) []model.Entry {
	start := 0
	if id != EarliestID {
		start = -1
		for i, e := range entries {
			if e.Message.ID == id {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil
		}
	}

	var out []model.Entry
	for _, e := range entries[start:] {
		if id != EarliestID && e.Message.ID == id {
			continue
		}
		if topic.Matches(e.Topic, selectors) {
			out = append(out, e)
		}
	}
	return out
}

// MatchSubscription applies the FindSubscriptions filters to s.
func MatchSubscription(s model.Subscription, topicFilter, subscriberFilter string) bool {
	if subscriberFilter != "" && !topic.Matches(s.Subscriber, []string{subscriberFilter}) {
		return false
	}
	if topicFilter != "" && !topic.Matches(s.Topic, []string{topicFilter}) {
		return false
	}
	return true
}
