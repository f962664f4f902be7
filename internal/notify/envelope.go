// Package notify delivers item change events to connected users over
// WebSocket and queues them durably for offline users.
package notify

import (
	"encoding/json"
	"time"
)

// Event types carried in an Envelope.
const (
	TypeFileChange   = "FILE_CHANGE"
	TypeFolderChange = "FOLDER_CHANGE"
	TypeQuotaAlert   = "QUOTA_ALERT"
	TypeSystem       = "SYSTEM"
)

// Actions describing what happened to the item.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
	ActionMoved   = "moved"
	ActionShared  = "shared"
)

// Envelope is the wire format of a single notification.
type Envelope struct {
	Type      string          `json:"type"`
	ItemID    string          `json:"itemId"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope stamped with the current time. data
// may be nil or any JSON-marshalable value.
func NewEnvelope(eventType, itemID, action string, data any) (*Envelope, error) {
	env := &Envelope{
		Type:      eventType,
		ItemID:    itemID,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}

// Encode serializes the envelope for transport and queue storage.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
