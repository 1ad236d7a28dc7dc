package message

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/xraph/delay/id"
)

// Message is an immutable payload with headers, an identifier and an
// arrival timestamp.
type Message struct {
	id        id.MessageID
	payload   []byte
	headers   map[string]string
	timestamp time.Time
}

// Option configures a Message under construction.
type Option func(*Message)

// WithID sets the message identifier. New generates one otherwise.
func WithID(mid id.MessageID) Option {
	return func(m *Message) { m.id = mid }
}

// WithHeader sets a single header.
func WithHeader(key, value string) Option {
	return func(m *Message) { m.headers[key] = value }
}

// WithHeaders merges the given headers.
func WithHeaders(h map[string]string) Option {
	return func(m *Message) { maps.Copy(m.headers, h) }
}

// WithTimestamp sets the arrival timestamp. New uses the current time
// otherwise.
func WithTimestamp(t time.Time) Option {
	return func(m *Message) { m.timestamp = t }
}

// New creates a message. The payload is copied.
func New(payload []byte, opts ...Option) *Message {
	m := &Message{
		payload: append([]byte(nil), payload...),
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.id.IsNil() {
		m.id = id.NewMessageID()
	}
	if m.timestamp.IsZero() {
		m.timestamp = time.Now().UTC()
	}
	return m
}

// ID returns the message identifier.
func (m *Message) ID() id.MessageID { return m.id }

// Payload returns a copy of the payload.
func (m *Message) Payload() []byte { return append([]byte(nil), m.payload...) }

// Timestamp returns the arrival timestamp.
func (m *Message) Timestamp() time.Time { return m.timestamp }

// Header returns a header value and whether it was present.
func (m *Message) Header(key string) (string, bool) {
	v, ok := m.headers[key]
	return v, ok
}

// Headers returns a copy of the header set.
func (m *Message) Headers() map[string]string {
	return maps.Clone(m.headers)
}

// WithHeader returns a copy of the message with the header set.
func (m *Message) WithHeader(key, value string) *Message {
	cp := &Message{
		id:        m.id,
		payload:   m.payload,
		headers:   maps.Clone(m.headers),
		timestamp: m.timestamp,
	}
	cp.headers[key] = value
	return cp
}

// String implements fmt.Stringer.
func (m *Message) String() string {
	return fmt.Sprintf("message{id=%s, headers=%v, timestamp=%s}", m.id, m.headers, m.timestamp.Format(time.RFC3339Nano))
}

// wireMessage is the JSON form used by stores to snapshot a message.
type wireMessage struct {
	ID        id.MessageID      `json:"id"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:        m.id,
		Payload:   m.payload,
		Headers:   m.headers,
		Timestamp: m.timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("message: unmarshal: %w", err)
	}
	if w.Headers == nil {
		w.Headers = make(map[string]string)
	}
	*m = Message{id: w.ID, payload: w.Payload, headers: w.Headers, timestamp: w.Timestamp}
	return nil
}
