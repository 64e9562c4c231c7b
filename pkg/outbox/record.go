// Package outbox holds the domain types shared by the dispatcher, its stores and its senders.
package outbox

import (
	"bytes"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an outbox record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Record is one notification intent read from the outbox table.
type Record struct {
	ID           string     `json:"id"`
	RecipientID  string     `json:"user_id"`
	Payload      Payload    `json:"payload"`
	Status       Status     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// UnmarshalJSON accepts both text (uuid) and numeric (bigint) keys for id and user_id.
func (r *Record) UnmarshalJSON(b []byte) error {
	type alias Record
	aux := struct {
		ID          json.RawMessage `json:"id"`
		RecipientID json.RawMessage `json:"user_id"`
		*alias
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.ID = identifier(aux.ID)
	r.RecipientID = identifier(aux.RecipientID)
	return nil
}

func identifier(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Target is a single device token registered for a recipient.
type Target struct {
	Token  string `json:"token"`
	Active bool   `json:"is_active"`
}

// Notification is the rendered content handed to a Sender.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// BatchSummary is the result of one dispatch invocation.
type BatchSummary struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Processed int       `json:"processed"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}
