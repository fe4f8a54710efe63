package contracts

import (
	"fmt"

	"github.com/google/uuid"
)

// Message is the unit exchanged with the broker
type Message struct {
	Body            []byte
	MessageID       string
	CorrelationID   string
	ReplyTo         string
	ContentType     string
	ContentEncoding string
	Headers         map[string]interface{}
	Action          string

	// DeliveryTag is assigned by the broker and only set on received messages
	DeliveryTag uint64
}

// NewMessage creates a message with a generated ID and the given body
func NewMessage(contentType string, body []byte) *Message {
	return &Message{
		Body:        body,
		MessageID:   uuid.New().String(),
		ContentType: contentType,
		Headers:     make(map[string]interface{}),
	}
}

// ExpectsReply reports whether the message names a reply destination
func (m *Message) ExpectsReply() bool {
	return m.ReplyTo != ""
}

// Clone returns a copy of the message that shares nothing mutable with m
func (m *Message) Clone() *Message {
	cp := *m
	if m.Body != nil {
		cp.Body = append([]byte(nil), m.Body...)
	}
	if m.Headers != nil {
		cp.Headers = make(map[string]interface{}, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

// SetHeader sets a header value, allocating the header map if needed
func (m *Message) SetHeader(key string, value interface{}) {
	if m.Headers == nil {
		m.Headers = make(map[string]interface{})
	}
	m.Headers[key] = value
}

// Header returns a header value as a string. Missing or nil headers yield "".
func (m *Message) Header(key string) string {
	v, ok := m.Headers[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

// String renders the identifying fields of the message for logs
func (m *Message) String() string {
	return fmt.Sprintf("Message{id=%s, correlationId=%s, replyTo=%s, contentType=%s, bytes=%d}",
		m.MessageID, m.CorrelationID, m.ReplyTo, m.ContentType, len(m.Body))
}
