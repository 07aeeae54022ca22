// Package auth turns inbound request credentials into the claim set the hub
// authorizes against. The hub itself never looks at raw credentials.
package auth

import (
	"errors"
	"net/http"
)

// ErrInvalidCredential is returned when a request carries a credential that
// cannot be verified or parsed.
var ErrInvalidCredential = errors.New("invalid credential")

// Claims is the verified authorization carried by a request.
type Claims struct {
	Publish   []string `json:"publish,omitempty"`   // selectors the bearer may publish to
	Subscribe []string `json:"subscribe,omitempty"` // selectors whose private updates the bearer may receive
	Payload   any      `json:"payload,omitempty"`   // opaque data attached to the bearer's subscriptions
}

// An Authenticator extracts Claims from a request.
//
// It returns (nil, nil) when the request carries no credential at all, and a
// non-nil error when a credential is present but invalid.
type Authenticator interface {
	Authenticate(r *http.Request) (*Claims, error)
}

// Func adapts a plain function to the Authenticator interface.
type Func func(r *http.Request) (*Claims, error)

// Authenticate calls f(r).
func (f Func) Authenticate(r *http.Request) (*Claims, error) {
	return f(r)
}

// Anonymous never finds a credential.
var Anonymous Authenticator = Func(func(*http.Request) (*Claims, error) {
	return nil, nil
})
