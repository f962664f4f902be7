package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs single-node deployments that
// opt out of persistence and all package tests.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]*User
	extensions    map[string][]QuotaExtension // by user id
	files         map[string]*FileRecord
	folders       map[string]*FolderRecord
	subscriptions map[string]*Subscription // key: userID + "\x00" + itemID
	notifications map[string]*QueuedNotification
	notifOrder    []string // enqueue order
	sessions      map[string]*ConnectionSession
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]*User),
		extensions:    make(map[string][]QuotaExtension),
		files:         make(map[string]*FileRecord),
		folders:       make(map[string]*FolderRecord),
		subscriptions: make(map[string]*Subscription),
		notifications: make(map[string]*QueuedNotification),
		sessions:      make(map[string]*ConnectionSession),
	}
}

func (m *Memory) Close() error { return nil }

func subKey(userID, itemID string) string { return userID + "\x00" + itemID }

func (m *Memory) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) PutUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) UpdateUsed(_ context.Context, id string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, ErrNotFound
	}
	u.StorageUsed += delta
	if u.StorageUsed < 0 {
		u.StorageUsed = 0
	}
	return u.StorageUsed, nil
}

func (m *Memory) ActiveExtensions(_ context.Context, userID string, now time.Time) ([]QuotaExtension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []QuotaExtension
	for _, ext := range m.extensions[userID] {
		if ext.Active(now) {
			active = append(active, ext)
		}
	}
	return active, nil
}

func (m *Memory) PutExtension(_ context.Context, ext *QuotaExtension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensions[ext.UserID] = append(m.extensions[ext.UserID], *ext)
	return nil
}

func (m *Memory) GetFile(_ context.Context, id string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) PutFile(_ context.Context, f *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

func (m *Memory) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

func (m *Memory) GetFolder(_ context.Context, id string) (*FolderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.folders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) PutFolder(_ context.Context, f *FolderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.folders[f.ID] = &cp
	return nil
}

func (m *Memory) SearchFiles(_ context.Context, ownerID, pattern string, offset, limit int) ([]FileRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(pattern)
	var matches []FileRecord
	for _, f := range m.files {
		if f.OwnerID != ownerID || f.Deleted {
			continue
		}
		if needle == "" || strings.Contains(strings.ToLower(f.Name), needle) {
			matches = append(matches, *f)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	return pageFiles(matches, offset, limit)
}

func (m *Memory) SearchFolders(_ context.Context, ownerID, pattern string, offset, limit int) ([]FolderRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(pattern)
	var matches []FolderRecord
	for _, f := range m.folders {
		if f.OwnerID != ownerID || f.Deleted {
			continue
		}
		if needle == "" || strings.Contains(strings.ToLower(f.Name), needle) {
			matches = append(matches, *f)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	total := len(matches)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matches[offset:end], total, nil
}

func pageFiles(matches []FileRecord, offset, limit int) ([]FileRecord, int, error) {
	total := len(matches)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matches[offset:end], total, nil
}

func (m *Memory) UpsertSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subKey(sub.UserID, sub.ItemID)
	if existing, ok := m.subscriptions[key]; ok {
		existing.Active = sub.Active
		existing.UpdatedAt = sub.UpdatedAt
		return nil
	}
	cp := *sub
	m.subscriptions[key] = &cp
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, userID, itemID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[subKey(userID, itemID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *Memory) ActiveSubscribers(_ context.Context, itemID string, itemType ItemType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var users []string
	for _, sub := range m.subscriptions {
		if sub.ItemID == itemID && sub.ItemType == itemType && sub.Active {
			users = append(users, sub.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (m *Memory) EnqueueNotification(_ context.Context, n *QueuedNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	cp.Payload = append([]byte(nil), n.Payload...)
	m.notifications[n.ID] = &cp
	m.notifOrder = append(m.notifOrder, n.ID)
	return nil
}

func (m *Memory) PendingFor(_ context.Context, userID string) ([]QueuedNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []QueuedNotification
	for _, id := range m.notifOrder {
		n := m.notifications[id]
		if n.UserID == userID && !n.Sent {
			pending = append(pending, *n)
		}
	}
	return pending, nil
}

func (m *Memory) MarkSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Sent = true
	return nil
}

func (m *Memory) MarkRetry(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.RetryCount++
	n.LastRetryAt = at
	return nil
}

func (m *Memory) RetryCandidates(_ context.Context, maxRetries int, cutoff time.Time) ([]QueuedNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []QueuedNotification
	for _, id := range m.notifOrder {
		n := m.notifications[id]
		if n.Sent || n.RetryCount >= maxRetries {
			continue
		}
		if n.LastRetryAt.After(cutoff) {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (m *Memory) GetNotification(_ context.Context, id string) (*QueuedNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Memory) PutSession(_ context.Context, s *ConnectionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*ConnectionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) CloseSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	s.DisconnectedAt = &at
	return nil
}

func (m *Memory) ActiveSessions(_ context.Context, userID string) ([]ConnectionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ConnectionSession
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}
