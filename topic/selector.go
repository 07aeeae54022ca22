package topic

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/yosida95/uritemplate/v3"
)

// ErrInvalidSelector is wrapped by every selector compilation failure.
var ErrInvalidSelector = errors.New("invalid topic selector")

// Wildcard is the selector matching every topic.
const Wildcard = "*"

type kind uint8

const (
	kindAll kind = iota
	kindLiteral
	kindTemplate
	kindGlob
)

// A Selector is a compiled topic selector.
type Selector struct {
	raw  string
	kind kind
	re   *regexp.Regexp
}

// Compile parses a topic selector.
//
// The selector forms are, in order of precedence:
//
//	*                         every topic
//	https://example.com/{id}  RFC 6570 URI template (anything containing a brace)
//	https://example.com/**    doublestar glob (anything else containing "*")
//	https://example.com/1     exact literal
func Compile(selector string) (*Selector, error) {
	switch {
	case selector == Wildcard:
		return &Selector{raw: selector, kind: kindAll}, nil

	case strings.ContainsAny(selector, "{}"):
		tpl, err := uritemplate.New(selector)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidSelector, selector, err)
		}
		return &Selector{raw: selector, kind: kindTemplate, re: tpl.Regexp()}, nil

	case strings.Contains(selector, "*"):
		if !doublestar.ValidatePattern(selector) {
			return nil, fmt.Errorf("%w %q: bad glob pattern", ErrInvalidSelector, selector)
		}
		return &Selector{raw: selector, kind: kindGlob}, nil

	default:
		return &Selector{raw: selector, kind: kindLiteral}, nil
	}
}

// String returns the selector as written.
func (s *Selector) String() string { return s.raw }

// Match reports whether topic is selected.
func (s *Selector) Match(topic string) bool {
	switch s.kind {
	case kindAll:
		return true
	case kindTemplate:
		return s.re.MatchString(topic)
	case kindGlob:
		ok, _ := doublestar.Match(s.raw, topic)
		return ok
	default:
		return s.raw == topic
	}
}
