// Package codec is the msgpack encoding shared by backends that move
// messages out of process.
package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mroth/ssehub/model"
)

// MaxSize bounds an encoded entry (4 MB).
const MaxSize = 4 * 1024 * 1024

// EncodeEntry marshals a topic/message pair.
func EncodeEntry(topic string, msg model.Message) ([]byte, error) {
	data, err := msgpack.Marshal(model.Entry{Topic: topic, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("entry too large: %d > %d", len(data), MaxSize)
	}
	return data, nil
}

// DecodeEntry unmarshals data produced by EncodeEntry.
func DecodeEntry(data []byte) (model.Entry, error) {
	if len(data) > MaxSize {
		return model.Entry{}, fmt.Errorf("entry too large: %d > %d", len(data), MaxSize)
	}
	var e model.Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return model.Entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	return e, nil
}

// EncodeMessage marshals a single message.
func EncodeMessage(msg model.Message) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// DecodeMessage unmarshals data produced by EncodeMessage.
func DecodeMessage(data []byte) (model.Message, error) {
	var msg model.Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return model.Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}

// EncodeAny marshals an arbitrary value, such as a subscription payload. A nil
// value encodes to nil.
func EncodeAny(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

// DecodeAny unmarshals data produced by EncodeAny.
func DecodeAny(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}
