package ssehub

import (
	"strings"
	"testing"

	"github.com/mroth/ssehub/model"
)

var messageTests = []struct {
	msg         model.Message
	expected    []byte
	description string
}{
	{
		model.Message{ID: "1", Data: "foobar"},
		[]byte("id: 1\ndata: foobar\n\n"),
		"DataFieldOnly",
	},
	{
		model.Message{ID: "1", Type: "e12", Data: "foobar"},
		[]byte("id: 1\nevent: e12\ndata: foobar\n\n"),
		"Event+DataField",
	},
	{
		model.Message{ID: "1", Data: "foo\nbar\r\nbaz"},
		[]byte("id: 1\ndata: foo\ndata: bar\ndata: baz\n\n"),
		"MultilineData",
	},
	{
		model.Message{ID: "1", Data: "foobar", Retry: 3000},
		[]byte("id: 1\ndata: foobar\nretry: 3000\n\n"),
		"Retry",
	},
	{
		model.Message{ID: "1\nevent: forged", Type: "e\n", Data: ""},
		[]byte("id: 1event: forged\nevent: e\ndata: \n\n"),
		"NoInjection",
	},
}

func TestFormat(t *testing.T) {
	for _, test := range messageTests {
		observed := sseFormat(test.msg)
		if string(observed) != string(test.expected) {
			t.Fatalf("%s: Expected: %q, Actual: %q", test.description, test.expected, observed)
		}
	}
}

func TestNewEventID(t *testing.T) {
	a, b := newEventID(), newEventID()
	if a == b {
		t.Errorf("ids should be unique, got %q twice", a)
	}
	if !strings.HasPrefix(a, "urn:uuid:") {
		t.Errorf("unexpected id format %q", a)
	}
}

func BenchmarkFormat(b *testing.B) {
	for _, test := range messageTests {
		b.Run(test.description, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				sseFormat(test.msg)
			}
		})
	}
}
