package client

import (
	"encoding/json"
	"errors"
	"time"
)

// Message is an inbound JSON object. The conventional envelope fields are
// lifted out when present; Raw always holds the full decoded object.
type Message struct {
	Timestamp time.Time
	Raw       map[string]any
	ID        string
	Type      string
	Payload   json.RawMessage
	Data      []byte // the frame as received
}

var errNotObject = errors.New("payload is not a JSON object")

// parseMessage decodes a frame into a Message. Frames that are not JSON
// objects yield a *MessageParseError.
func parseMessage(data []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, &MessageParseError{Err: err, Data: data}
	}
	if raw == nil {
		return Message{}, &MessageParseError{Err: errNotObject, Data: data}
	}

	msg := Message{Raw: raw, Data: data}
	if t, ok := raw["type"].(string); ok {
		msg.Type = t
	}
	if id, ok := raw["id"].(string); ok {
		msg.ID = id
	}
	msg.Timestamp = parseTimestamp(raw["timestamp"])

	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		msg.Payload = envelope.Payload
	}
	return msg, nil
}

// parseTimestamp accepts RFC 3339 strings and Unix milliseconds, the two
// encodings JavaScript peers commonly produce.
func parseTimestamp(v any) time.Time {
	switch ts := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
	case float64:
		return time.UnixMilli(int64(ts))
	default:
	}
	return time.Time{}
}
