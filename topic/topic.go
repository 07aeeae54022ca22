// Package topic decides which topics a subscriber has selected, and whether a
// subscriber is allowed to see a given message.
package topic

import (
	"errors"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mroth/ssehub/auth"
	"github.com/mroth/ssehub/model"
)

// SubscriberPlaceholder is substituted by Expand.
const SubscriberPlaceholder = "{subscriber}"

const maxCached = 4096

// cache of compiled selectors, shared by every Matches call. A nil entry
// records a selector that failed to compile.
var cache = mustLRU(maxCached)

func mustLRU(size int) *lru.Cache[string, *Selector] {
	c, err := lru.New[string, *Selector](size)
	if err != nil {
		panic(err)
	}
	return c
}

func lookup(selector string) *Selector {
	if s, ok := cache.Get(selector); ok {
		return s
	}
	s, _ := Compile(selector)
	cache.Add(selector, s)
	return s
}

// Matches reports whether topic is selected by at least one of selectors.
//
// An empty selector list matches nothing. A selector that does not compile
// never matches; callers that need to reject such selectors up front use
// Validate.
func Matches(topic string, selectors []string) bool {
	for _, sel := range selectors {
		if s := lookup(sel); s != nil && s.Match(topic) {
			return true
		}
	}
	return false
}

// Validate compiles every selector and returns the joined errors of the ones
// that fail.
func Validate(selectors []string) error {
	var errs []error
	for _, sel := range selectors {
		if _, err := Compile(sel); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Self identifies the subscriber a selector is evaluated for.
type Self struct {
	Subscriber string
}

// Expand substitutes the {subscriber} placeholder of selector with the
// query-escaped subscriber id of self, so that expanded selectors line up
// with subscription identifiers. An empty id leaves the placeholder in place,
// where it behaves as an ordinary template variable.
func Expand(selector string, self Self) string {
	if self.Subscriber == "" {
		return selector
	}
	return strings.ReplaceAll(selector, SubscriberPlaceholder, url.QueryEscape(self.Subscriber))
}

// ExpandAll applies Expand to every selector.
func ExpandAll(selectors []string, self Self) []string {
	out := make([]string, len(selectors))
	for i, sel := range selectors {
		out[i] = Expand(sel, self)
	}
	return out
}

// CanReceive reports whether a subscriber holding selectors and claims may be
// sent msg, published under topic.
//
// Public messages only need a matching selector. Private messages also need
// claims whose subscribe selectors match topic. allowAnonymous only relaxes
// the need to present a credential for public topics; it never opens up a
// private message.
func CanReceive(topic string, msg model.Message, selectors []string, claims *auth.Claims, allowAnonymous bool) bool {
	if !Matches(topic, selectors) {
		return false
	}
	if !msg.Private {
		return true
	}
	if claims == nil {
		return false
	}
	return Matches(topic, claims.Subscribe)
}
