package topic

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mroth/ssehub/auth"
	"github.com/mroth/ssehub/model"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		topic     string
		selectors []string
		want      bool
	}{
		{"https://example.com/books/1", nil, false},
		{"https://example.com/books/1", []string{}, false},
		{"https://example.com/books/1", []string{"*"}, true},
		{"https://example.com/books/1", []string{"https://example.com/books/1"}, true},
		{"https://example.com/books/1", []string{"https://example.com/books/2"}, false},
		{"https://example.com/books/1", []string{"https://example.com/books/1/"}, false},
		{"https://example.com/books/1", []string{"https://example.com/books/{id}"}, true},
		{"https://example.com/books/1/reviews", []string{"https://example.com/books/{id}"}, false},
		{"https://example.com/books/1/reviews", []string{"https://example.com/books/{+rest}"}, true},
		{"https://example.com/books/1?lang=fr", []string{"https://example.com/books/{id}{?lang}"}, true},
		{"https://example.com/books/1", []string{"https://example.com/books/{id}{?lang}"}, true},
		{"https://example.com/books/1?lang=fr&x=1", []string{"https://example.com/books/{id}{?lang}"}, false},
		{"https://example.com/books/%2F", []string{"https://example.com/books/{id}"}, true},
		{"https://example.com/books/1", []string{"https://example.com/authors/{id}", "https://example.com/books/{id}"}, true},
		{"https://example.com/books/1", []string{"https://example.com/books/*"}, true},
		{"https://example.com/books/1/reviews", []string{"https://example.com/books/*"}, false},
		{"https://example.com/books/1/reviews", []string{"https://example.com/books/**"}, true},
		{"/foo.bar", []string{"/foo.bar"}, true},
		{"/fooxbar", []string{"/foo.bar"}, false},
		{"/foo", []string{"/foo{"}, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Matches(tt.topic, tt.selectors),
			"Matches(%q, %q)", tt.topic, tt.selectors)
	}
}

func TestCompile_Invalid(t *testing.T) {
	for _, sel := range []string{
		"/foo{",
		"/foo/{id",
		"/foo/{}",
		"/foo/{a{b}}",
		"/foo/{bad name}",
		"/foo/[*",
	} {
		_, err := Compile(sel)
		assert.True(t, errors.Is(err, ErrInvalidSelector), "Compile(%q) = %v", sel, err)
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate([]string{"*", "/a", "/b/{id}", "/c/**"}))

	err := Validate([]string{"/ok", "/bad{", "/worse/{}"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSelector)
	assert.Contains(t, err.Error(), "/bad{")
	assert.Contains(t, err.Error(), "/worse/{}")
}

func TestExpand(t *testing.T) {
	sel := "/.well-known/mercure/subscriptions/{topic}/{subscriber}"

	assert.Equal(t, sel, Expand(sel, Self{}))
	assert.Equal(t,
		"/.well-known/mercure/subscriptions/{topic}/urn%3Auuid%3A1",
		Expand(sel, Self{Subscriber: "urn:uuid:1"}))

	// an expanded selector picks out exactly that subscriber's subscriptions
	mine := Expand(sel, Self{Subscriber: "urn:uuid:1"})
	assert.True(t, Matches(model.SubscriptionID("/books", "urn:uuid:1"), []string{mine}))
	assert.False(t, Matches(model.SubscriptionID("/books", "urn:uuid:2"), []string{mine}))
}

func TestCanReceive(t *testing.T) {
	const topic = "https://example.com/books/1"
	public := model.Message{ID: "1"}
	private := model.Message{ID: "2", Private: true}
	selected := []string{"https://example.com/books/{id}"}

	allowed := &auth.Claims{Subscribe: []string{"https://example.com/books/1"}}
	other := &auth.Claims{Subscribe: []string{"https://example.com/books/2"}}
	empty := &auth.Claims{}

	tests := []struct {
		name      string
		msg       model.Message
		selectors []string
		claims    *auth.Claims
		anonymous bool
		want      bool
	}{
		{"public matching", public, selected, nil, false, true},
		{"public matching anonymous", public, selected, nil, true, true},
		{"public not selected", public, []string{"/other"}, allowed, true, false},
		{"public no selectors", public, nil, allowed, true, false},
		{"private no claims", private, selected, nil, false, false},
		{"private no claims anonymous", private, selected, nil, true, false},
		{"private empty claims", private, selected, empty, true, false},
		{"private other claims", private, selected, other, true, false},
		{"private authorized", private, selected, allowed, false, true},
		{"private authorized not selected", private, []string{"/other"}, allowed, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanReceive(topic, tt.msg, tt.selectors, tt.claims, tt.anonymous)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanReceive_IgnoresAdditionalTopics(t *testing.T) {
	msg := model.Message{ID: "1", Topics: []string{"/also"}}
	assert.False(t, CanReceive("/primary", msg, []string{"/also"}, nil, true))
	assert.True(t, CanReceive("/primary", msg, []string{"/primary"}, nil, true))
}

func TestMatches_CacheEviction(t *testing.T) {
	for i := 0; i < maxCached+10; i++ {
		sel := "/rooms/" + strconv.Itoa(i) + "/{id}"
		require.True(t, Matches("/rooms/"+strconv.Itoa(i)+"/1", []string{sel}))
	}
	assert.Equal(t, maxCached, cache.Len())

	// recently used selectors stay cached
	recent := "/rooms/" + strconv.Itoa(maxCached+9) + "/{id}"
	_, ok := cache.Peek(recent)
	assert.True(t, ok)
	_, ok = cache.Peek("/rooms/0/{id}")
	assert.False(t, ok)
}

func BenchmarkMatches(b *testing.B) {
	selectors := []string{"https://example.com/authors/{id}", "https://example.com/books/{id}"}
	for i := 0; i < b.N; i++ {
		Matches("https://example.com/books/1", selectors)
	}
}
