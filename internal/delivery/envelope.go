package delivery

import (
	"bytes"
	"encoding/json"
	"time"
)

// TimestampFormat is ISO-8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the outbound request body.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func NewEnvelope(eventType string, at time.Time, data json.RawMessage) Envelope {
	return Envelope{
		Event:     eventType,
		Timestamp: at.UTC().Format(TimestampFormat),
		Data:      data,
	}
}

// Marshal serializes the envelope without HTML escaping and without a
// trailing newline. The result is what gets signed and sent.
func (e Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnwrapPayload returns the data field of a stored envelope, or the stored
// bytes themselves when they are not an envelope carrying data.
func UnwrapPayload(stored json.RawMessage) json.RawMessage {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(stored, &env); err != nil {
		return stored
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return stored
	}
	return env.Data
}
