package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie a browser subscriber may carry its token in.
const CookieName = "mercureAuthorization"

// JWT authenticates requests bearing an HMAC-signed JSON Web Token whose
// "mercure" claim holds the publish/subscribe selectors.
type JWT struct {
	key  []byte
	algs []string
}

// JWTOption customizes a JWT authenticator.
type JWTOption func(*JWT)

// WithAlgorithms restricts the accepted signing algorithms. Defaults to HS256.
func WithAlgorithms(algs ...string) JWTOption {
	return func(j *JWT) {
		j.algs = algs
	}
}

// NewJWT creates a JWT authenticator verifying signatures with key.
func NewJWT(key []byte, opts ...JWTOption) *JWT {
	j := &JWT{
		key:  key,
		algs: []string{jwt.SigningMethodHS256.Alg()},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

type tokenClaims struct {
	Mercure Claims `json:"mercure"`
	jwt.RegisteredClaims
}

// Authenticate implements Authenticator.
//
// The token is looked up in the Authorization header, then the
// mercureAuthorization cookie, then the "authorization" query parameter.
func (j *JWT) Authenticate(r *http.Request) (*Claims, error) {
	raw, found, err := extractToken(r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var tc tokenClaims
	_, err = jwt.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
		return j.key, nil
	}, jwt.WithValidMethods(j.algs))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	claims := tc.Mercure
	return &claims, nil
}

func extractToken(r *http.Request) (string, bool, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return "", false, fmt.Errorf("%w: malformed Authorization header", ErrInvalidCredential)
		}
		return token, true, nil
	}

	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, true, nil
	} else if err != nil && !errors.Is(err, http.ErrNoCookie) {
		return "", false, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	if q := r.URL.Query().Get("authorization"); q != "" {
		return q, true, nil
	}

	return "", false, nil
}
