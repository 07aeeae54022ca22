// Package model holds the value objects that flow through the hub: published
// messages, subscription records and history entries.
package model

import (
	"encoding/json"
	"net/url"
)

// SubscriptionsPath is the well-known prefix under which subscription records
// are addressed, both as identifiers and as topics for subscription updates.
const SubscriptionsPath = "/.well-known/mercure/subscriptions"

// Message is a single published update.
//
// A Message is associated with exactly one topic at publish time (carried next
// to it, see Entry). Topics may list further topics the update describes, but
// matching and authorization never look at them.
type Message struct {
	ID      string   `json:"id" msgpack:"id"`                               // SSE event id, also the replay cursor
	Data    string   `json:"data" msgpack:"data"`                           // opaque payload
	Type    string   `json:"type,omitempty" msgpack:"type,omitempty"`       // SSE event type [optional]
	Retry   int      `json:"retry,omitempty" msgpack:"retry,omitempty"`     // reconnection delay hint in ms [optional]
	Private bool     `json:"private,omitempty" msgpack:"private,omitempty"` // only authorized subscribers may receive it
	Topics  []string `json:"topics,omitempty" msgpack:"topics,omitempty"`   // additional topics described by the update
}

// Entry is one record of the message history: a message together with the
// topic it was published under.
type Entry struct {
	Topic   string  `msgpack:"topic"`
	Message Message `msgpack:"message"`
}

// Subscription records one topic selector held by one subscriber.
type Subscription struct {
	ID         string `json:"id" msgpack:"id"`
	Subscriber string `json:"subscriber" msgpack:"subscriber"`
	Topic      string `json:"topic" msgpack:"topic"`
	Active     bool   `json:"active" msgpack:"active"`
	Payload    any    `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// SubscriptionID derives the identifier of the subscription of subscriber to
// selector. The same pair always yields the same identifier.
func SubscriptionID(selector, subscriber string) string {
	return SubscriptionsPath + "/" + url.QueryEscape(selector) + "/" + url.QueryEscape(subscriber)
}

// NewSubscription builds an active subscription record.
func NewSubscription(selector, subscriber string, payload any) Subscription {
	return Subscription{
		ID:         SubscriptionID(selector, subscriber),
		Subscriber: subscriber,
		Topic:      selector,
		Active:     true,
		Payload:    payload,
	}
}

// MarshalJSON renders the subscription as a JSON-LD "Subscription" object.
func (s Subscription) MarshalJSON() ([]byte, error) {
	type plain Subscription
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{
		Type:  "Subscription",
		plain: plain(s),
	})
}
