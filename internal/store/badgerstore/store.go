// Package badgerstore implements store.Store on BadgerDB.
//
// Key namespaces (values are JSON unless noted):
//
//	u:<userID>              User
//	x:<userID>:<extID>      QuotaExtension
//	f:<fileID>              FileRecord
//	d:<folderID>            FolderRecord
//	s:<userID>:<itemID>     Subscription
//	i:<itemID>:<userID>     subscriber index, value = itemType
//	n:<notificationID>      QueuedNotification
//	c:<sessionID>           ConnectionSession
//
// Prefixed keys keep record families apart and make range scans cheap
// (all subscribers of an item, all pending entries). Point lookups are
// O(1); queue and session scans iterate one prefix.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/fileflow/fileflow/internal/store"
)

const (
	prefixUser         = "u:"
	prefixExtension    = "x:"
	prefixFile         = "f:"
	prefixFolder       = "d:"
	prefixSubscription = "s:"
	prefixSubIndex     = "i:"
	prefixNotification = "n:"
	prefixSession      = "c:"
)

// Store is a BadgerDB-backed record store.
type Store struct {
	db *badger.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RunGC runs badger value-log garbage collection until there is nothing
// left to collect. Intended to be called periodically.
func (s *Store) RunGC() {
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				log.Warn().Err(err).Msg("badger value log GC failed")
			}
			return
		}
	}
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) getJSON(key string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	return err
}

// update runs a read-modify-write transaction, retrying on badger's
// optimistic-concurrency conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

func (s *Store) scanPrefix(prefix string, fn func(key string, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return fn(string(item.Key()), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ----------------------------------------------------------------------------
// UserStore
// ----------------------------------------------------------------------------

func (s *Store) GetUser(_ context.Context, id string) (*store.User, error) {
	var u store.User
	if err := s.getJSON(prefixUser+id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) PutUser(_ context.Context, u *store.User) error {
	return s.putJSON(prefixUser+u.ID, u)
}

func (s *Store) UpdateUsed(_ context.Context, id string, delta int64) (int64, error) {
	var used int64
	err := s.update(func(txn *badger.Txn) error {
		key := []byte(prefixUser + id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var u store.User
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &u) }); err != nil {
			return err
		}
		u.StorageUsed += delta
		if u.StorageUsed < 0 {
			u.StorageUsed = 0
		}
		used = u.StorageUsed
		data, err := json.Marshal(&u)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return 0, err
	}
	return used, nil
}

func (s *Store) ActiveExtensions(_ context.Context, userID string, now time.Time) ([]store.QuotaExtension, error) {
	var out []store.QuotaExtension
	err := s.scanPrefix(prefixExtension+userID+":", func(_ string, val []byte) error {
		var ext store.QuotaExtension
		if err := json.Unmarshal(val, &ext); err != nil {
			return err
		}
		if ext.Active(now) {
			out = append(out, ext)
		}
		return nil
	})
	return out, err
}

func (s *Store) PutExtension(_ context.Context, ext *store.QuotaExtension) error {
	return s.putJSON(prefixExtension+ext.UserID+":"+ext.ID, ext)
}

// ----------------------------------------------------------------------------
// FileStore
// ----------------------------------------------------------------------------

func (s *Store) GetFile(_ context.Context, id string) (*store.FileRecord, error) {
	var f store.FileRecord
	if err := s.getJSON(prefixFile+id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) PutFile(_ context.Context, f *store.FileRecord) error {
	return s.putJSON(prefixFile+f.ID, f)
}

func (s *Store) DeleteFile(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(prefixFile + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *Store) GetFolder(_ context.Context, id string) (*store.FolderRecord, error) {
	var f store.FolderRecord
	if err := s.getJSON(prefixFolder+id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) PutFolder(_ context.Context, f *store.FolderRecord) error {
	return s.putJSON(prefixFolder+f.ID, f)
}

func (s *Store) SearchFiles(_ context.Context, ownerID, pattern string, offset, limit int) ([]store.FileRecord, int, error) {
	needle := strings.ToLower(pattern)
	var matches []store.FileRecord
	err := s.scanPrefix(prefixFile, func(_ string, val []byte) error {
		var f store.FileRecord
		if err := json.Unmarshal(val, &f); err != nil {
			return err
		}
		if f.OwnerID != ownerID || f.Deleted {
			return nil
		}
		if needle == "" || strings.Contains(strings.ToLower(f.Name), needle) {
			matches = append(matches, f)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
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

func (s *Store) SearchFolders(_ context.Context, ownerID, pattern string, offset, limit int) ([]store.FolderRecord, int, error) {
	needle := strings.ToLower(pattern)
	var matches []store.FolderRecord
	err := s.scanPrefix(prefixFolder, func(_ string, val []byte) error {
		var f store.FolderRecord
		if err := json.Unmarshal(val, &f); err != nil {
			return err
		}
		if f.OwnerID != ownerID || f.Deleted {
			return nil
		}
		if needle == "" || strings.Contains(strings.ToLower(f.Name), needle) {
			matches = append(matches, f)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
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

// ----------------------------------------------------------------------------
// SubscriptionStore
// ----------------------------------------------------------------------------

func (s *Store) UpsertSubscription(_ context.Context, sub *store.Subscription) error {
	return s.update(func(txn *badger.Txn) error {
		key := []byte(prefixSubscription + sub.UserID + ":" + sub.ItemID)
		stored := *sub
		item, err := txn.Get(key)
		if err == nil {
			var existing store.Subscription
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); err != nil {
				return err
			}
			existing.Active = sub.Active
			existing.UpdatedAt = sub.UpdatedAt
			stored = existing
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		idx := []byte(prefixSubIndex + sub.ItemID + ":" + sub.UserID)
		return txn.Set(idx, data)
	})
}

func (s *Store) GetSubscription(_ context.Context, userID, itemID string) (*store.Subscription, error) {
	var sub store.Subscription
	if err := s.getJSON(prefixSubscription+userID+":"+itemID, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) ActiveSubscribers(_ context.Context, itemID string, itemType store.ItemType) ([]string, error) {
	var users []string
	err := s.scanPrefix(prefixSubIndex+itemID+":", func(_ string, val []byte) error {
		var sub store.Subscription
		if err := json.Unmarshal(val, &sub); err != nil {
			return err
		}
		if sub.Active && sub.ItemType == itemType {
			users = append(users, sub.UserID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// ----------------------------------------------------------------------------
// NotificationStore
// ----------------------------------------------------------------------------

func (s *Store) EnqueueNotification(_ context.Context, n *store.QueuedNotification) error {
	return s.putJSON(prefixNotification+n.ID, n)
}

func (s *Store) PendingFor(_ context.Context, userID string) ([]store.QueuedNotification, error) {
	var out []store.QueuedNotification
	err := s.scanPrefix(prefixNotification, func(_ string, val []byte) error {
		var n store.QueuedNotification
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		if n.UserID == userID && !n.Sent {
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkSent(_ context.Context, id string) error {
	return s.mutateNotification(id, func(n *store.QueuedNotification) {
		n.Sent = true
	})
}

func (s *Store) MarkRetry(_ context.Context, id string, at time.Time) error {
	return s.mutateNotification(id, func(n *store.QueuedNotification) {
		n.RetryCount++
		n.LastRetryAt = at
	})
}

func (s *Store) mutateNotification(id string, mutate func(*store.QueuedNotification)) error {
	return s.update(func(txn *badger.Txn) error {
		key := []byte(prefixNotification + id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var n store.QueuedNotification
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
			return err
		}
		mutate(&n)
		data, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) RetryCandidates(_ context.Context, maxRetries int, cutoff time.Time) ([]store.QueuedNotification, error) {
	var out []store.QueuedNotification
	err := s.scanPrefix(prefixNotification, func(_ string, val []byte) error {
		var n store.QueuedNotification
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		if n.Sent || n.RetryCount >= maxRetries || n.LastRetryAt.After(cutoff) {
			return nil
		}
		out = append(out, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetNotification(_ context.Context, id string) (*store.QueuedNotification, error) {
	var n store.QueuedNotification
	if err := s.getJSON(prefixNotification+id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ----------------------------------------------------------------------------
// SessionStore
// ----------------------------------------------------------------------------

func (s *Store) PutSession(_ context.Context, sess *store.ConnectionSession) error {
	return s.putJSON(prefixSession+sess.ID, sess)
}

func (s *Store) GetSession(_ context.Context, id string) (*store.ConnectionSession, error) {
	var sess store.ConnectionSession
	if err := s.getJSON(prefixSession+id, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) CloseSession(_ context.Context, id string, at time.Time) error {
	return s.update(func(txn *badger.Txn) error {
		key := []byte(prefixSession + id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var sess store.ConnectionSession
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &sess) }); err != nil {
			return err
		}
		sess.Active = false
		sess.DisconnectedAt = &at
		data, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) ActiveSessions(_ context.Context, userID string) ([]store.ConnectionSession, error) {
	var out []store.ConnectionSession
	err := s.scanPrefix(prefixSession, func(_ string, val []byte) error {
		var sess store.ConnectionSession
		if err := json.Unmarshal(val, &sess); err != nil {
			return err
		}
		if sess.UserID == userID && sess.Active {
			out = append(out, sess)
		}
		return nil
	})
	return out, err
}
