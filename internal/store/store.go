package store

import (
	"context"
	"time"
)

// UserStore reads and writes user quota accounting records.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	// UpdateUsed atomically adjusts a user's confirmed used bytes by
	// delta, floored at zero, and returns the new value.
	UpdateUsed(ctx context.Context, id string, delta int64) (int64, error)
	// ActiveExtensions returns the user's quota extensions that have
	// not expired at the given instant.
	ActiveExtensions(ctx context.Context, userID string, now time.Time) ([]QuotaExtension, error)
	PutExtension(ctx context.Context, ext *QuotaExtension) error
}

// FileStore persists file and folder metadata records.
type FileStore interface {
	GetFile(ctx context.Context, id string) (*FileRecord, error)
	PutFile(ctx context.Context, f *FileRecord) error
	DeleteFile(ctx context.Context, id string) error
	GetFolder(ctx context.Context, id string) (*FolderRecord, error)
	PutFolder(ctx context.Context, f *FolderRecord) error
	// SearchFiles returns non-deleted files owned by ownerID whose name
	// contains the pattern (case-insensitive), ordered by creation time.
	SearchFiles(ctx context.Context, ownerID, pattern string, offset, limit int) ([]FileRecord, int, error)
	// SearchFolders is the folder counterpart of SearchFiles.
	SearchFolders(ctx context.Context, ownerID, pattern string, offset, limit int) ([]FolderRecord, int, error)
}

// SubscriptionStore persists item subscriptions.
type SubscriptionStore interface {
	// UpsertSubscription creates the subscription or reactivates /
	// deactivates an existing one. Idempotent.
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, userID, itemID string) (*Subscription, error)
	// ActiveSubscribers returns the user ids with an active
	// subscription to the item.
	ActiveSubscribers(ctx context.Context, itemID string, itemType ItemType) ([]string, error)
}

// NotificationStore persists queued notifications for offline delivery.
type NotificationStore interface {
	EnqueueNotification(ctx context.Context, n *QueuedNotification) error
	// PendingFor returns unsent entries for the user in creation order.
	PendingFor(ctx context.Context, userID string) ([]QueuedNotification, error)
	// MarkSent marks the entry delivered.
	MarkSent(ctx context.Context, id string) error
	// MarkRetry increments the entry's retry count and stamps the
	// attempt time.
	MarkRetry(ctx context.Context, id string, at time.Time) error
	// RetryCandidates returns unsent entries with fewer than maxRetries
	// attempts whose last attempt is older than the cutoff. Entries at
	// or past the limit are excluded but retained.
	RetryCandidates(ctx context.Context, maxRetries int, cutoff time.Time) ([]QueuedNotification, error)
	GetNotification(ctx context.Context, id string) (*QueuedNotification, error)
}

// SessionStore persists connection sessions, the durable source of
// truth behind the presence cache.
type SessionStore interface {
	PutSession(ctx context.Context, s *ConnectionSession) error
	GetSession(ctx context.Context, id string) (*ConnectionSession, error)
	// CloseSession deactivates the session and stamps the disconnect time.
	CloseSession(ctx context.Context, id string, at time.Time) error
	// ActiveSessions returns the user's currently active sessions.
	ActiveSessions(ctx context.Context, userID string) ([]ConnectionSession, error)
}

// Store aggregates every record family the core consumes.
type Store interface {
	UserStore
	FileStore
	SubscriptionStore
	NotificationStore
	SessionStore
	Close() error
}
