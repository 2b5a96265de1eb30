// Package event defines the named push events exchanged between the server
// and connected mailbox clients. Payloads are hints: receivers must treat
// them as a signal to refresh, never as the record itself.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	Ready           = "ready"
	NewEmail        = "new-email"
	EmailRead       = "email-read"
	EmailArchived   = "email-archived"
	EmailUnarchived = "email-unarchived"
	Heartbeat       = "heartbeat"
)

// Event is a named payload routed through the bus to a user's connections.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReadyPayload opens every stream. HeartbeatMillis is the heartbeat period
// the server expects.
type ReadyPayload struct {
	ConnectionID    string `json:"connectionId"`
	HeartbeatMillis int64  `json:"heartbeatMs,omitempty"`
}

type NewEmailPayload struct {
	EmailID     string    `json:"emailId"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"senderName"`
	SenderEmail string    `json:"senderEmail"`
	Priority    string    `json:"priority"`
	BodyPreview string    `json:"bodyPreview"`
	Timestamp   time.Time `json:"timestamp"`
}

type EmailReadPayload struct {
	EmailID      string    `json:"emailId"`
	ReaderID     string    `json:"readerId"`
	ReaderName   string    `json:"readerName"`
	ReadAt       time.Time `json:"readAt"`
	EmailSubject string    `json:"emailSubject"`
}

type ArchivePayload struct {
	EmailID string `json:"emailId"`
}

// New encodes payload into an Event.
func New(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Name, err)
	}
	return nil
}

// SSE renders the event in text/event-stream framing.
func (e Event) SSE() []byte {
	data := e.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, data))
}
