// Package store defines the durable record store consumed by the core
// services. Implementations: in-memory (tests, single-node default) and
// BadgerDB (internal/store/badgerstore).
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// ItemType identifies the kind of item a subscription or event targets.
type ItemType string

const (
	ItemFile   ItemType = "FILE"
	ItemFolder ItemType = "FOLDER"
)

// User holds the per-user quota accounting fields.
type User struct {
	ID           string    `json:"id"`
	StorageQuota int64     `json:"storage_quota"` // base quota in bytes
	StorageUsed  int64     `json:"storage_used"`  // confirmed used bytes
	CreatedAt    time.Time `json:"created_at"`
}

// QuotaExtension grants a user additional storage until it expires.
type QuotaExtension struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	AdditionalSpace int64     `json:"additional_space"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Active reports whether the extension still counts toward the
// effective quota at the given instant.
func (e *QuotaExtension) Active(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

// FileRecord is the metadata row for a stored file.
type FileRecord struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	StoragePath string     `json:"storage_path"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	Hash        string     `json:"hash"` // hex SHA-256 of content
	ParentID    string     `json:"parent_id,omitempty"`
	Deleted     bool       `json:"deleted"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// FolderRecord is the metadata row for a folder.
type FolderRecord struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Name      string     `json:"name"`
	ParentID  string     `json:"parent_id,omitempty"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Subscription links a user to an item they want change events for.
// Unsubscribing deactivates rather than deletes, preserving history.
type Subscription struct {
	UserID    string    `json:"user_id"`
	ItemID    string    `json:"item_id"`
	ItemType  ItemType  `json:"item_type"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueuedNotification is a persisted, not-yet-delivered event for an
// offline user. Entries past the retry limit are retained for operator
// inspection, never deleted automatically.
type QueuedNotification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Type        string    `json:"type"`
	Payload     []byte    `json:"payload"` // serialized notify.Envelope
	CreatedAt   time.Time `json:"created_at"`
	Sent        bool      `json:"sent"`
	RetryCount  int       `json:"retry_count"`
	LastRetryAt time.Time `json:"last_retry_at"`
}

// ConnectionSession records one live connection for a user. A user may
// hold several concurrent sessions (multi-device); presence is derived
// from having at least one active session.
type ConnectionSession struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ConnectedAt    time.Time  `json:"connected_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	Active         bool       `json:"active"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}
