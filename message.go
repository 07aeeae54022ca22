package ssehub

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mroth/ssehub/model"
)

// newEventID returns a fresh message identifier.
func newEventID() string {
	return "urn:uuid:" + uuid.NewString()
}

// newSubscriberID returns a fresh subscriber identifier.
func newSubscriberID() string {
	return "urn:uuid:" + uuid.NewString()
}

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// field values other than data must stay on a single line
var stripBreaks = strings.NewReplacer("\r", "", "\n", "")

// sseFormat is the formatted bytestring for a message, ready to be sent on a
// Server-Sent Events stream.
func sseFormat(msg model.Message) []byte {
	data := lineBreaks.Replace(msg.Data)

	// capacity for field names, values and linebreaks; multi-line data adds
	// six bytes per extra line which append will absorb.
	b := make([]byte, 0, 4+len(msg.ID)+8+len(msg.Type)+7+len(data)+20)
	if msg.ID != "" {
		b = append(b, "id: "...)
		b = append(b, stripBreaks.Replace(msg.ID)...)
		b = append(b, '\n')
	}
	if msg.Type != "" {
		b = append(b, "event: "...)
		b = append(b, stripBreaks.Replace(msg.Type)...)
		b = append(b, '\n')
	}
	for _, line := range strings.Split(data, "\n") {
		b = append(b, "data: "...)
		b = append(b, line...)
		b = append(b, '\n')
	}
	if msg.Retry > 0 {
		b = append(b, "retry: "...)
		b = strconv.AppendInt(b, int64(msg.Retry), 10)
		b = append(b, '\n')
	}
	b = append(b, '\n')
	return b
}
