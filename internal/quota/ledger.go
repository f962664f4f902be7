// Package quota tracks per-user storage usage and in-flight
// reservations. A reservation is a provisional hold taken before bytes
// are durably written and resolved to confirmed usage or released once
// the outcome is known. All operations on one user's quota are
// serialized behind a per-user lock so the read-check-and-increment of
// the reserved amount is a single atomic step.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fileflow/fileflow/internal/store"
)

// DefaultReservationTTL bounds how long an unresolved reservation can
// hold space before the sweep reclaims it (crash recovery).
const DefaultReservationTTL = time.Hour

var (
	// ErrQuotaBelowMinimum is returned by SetBaseQuota for quotas under
	// the configured floor.
	ErrQuotaBelowMinimum = errors.New("quota below configured minimum")

	// ErrInvalidSize is returned for zero or negative sizes.
	ErrInvalidSize = errors.New("size must be positive")
)

// Usage is a point-in-time snapshot of a user's quota accounting.
type Usage struct {
	Base            int64   `json:"base"`
	Extensions      int64   `json:"extensions"`
	EffectiveQuota  int64   `json:"effectiveQuota"`
	Used            int64   `json:"used"`
	Reserved        int64   `json:"reserved"`
	Available       int64   `json:"available"`
	UsagePercentage float64 `json:"usagePercentage"`
}

type reservation struct {
	size      int64
	expiresAt time.Time
}

type userState struct {
	mu           sync.Mutex
	reservations []reservation
}

// Ledger enforces reserved + used <= base + active extensions for every
// user. Confirmed usage is written through to the record store; the
// reservation set is in-process state guarded by per-user locks.
type Ledger struct {
	store          store.UserStore
	minQuota       int64
	reservationTTL time.Duration

	mu    sync.Mutex
	users map[string]*userState
}

// NewLedger creates a ledger. A non-positive ttl falls back to
// DefaultReservationTTL.
func NewLedger(s store.UserStore, minQuota int64, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Ledger{
		store:          s,
		minQuota:       minQuota,
		reservationTTL: ttl,
		users:          make(map[string]*userState),
	}
}

func (l *Ledger) state(userID string) *userState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.users[userID]
	if !ok {
		st = &userState{}
		l.users[userID] = st
	}
	return st
}

// expireLocked drops reservations past their deadline. Caller holds the
// user lock.
func (st *userState) expireLocked(now time.Time) (released int64) {
	kept := st.reservations[:0]
	for _, r := range st.reservations {
		if r.expiresAt.After(now) {
			kept = append(kept, r)
		} else {
			released += r.size
		}
	}
	st.reservations = kept
	return released
}

func (st *userState) reservedLocked() int64 {
	var total int64
	for _, r := range st.reservations {
		total += r.size
	}
	return total
}

// subtractLocked removes size from the reservation set oldest-first,
// floored at zero when the ask exceeds what is held.
func (st *userState) subtractLocked(size int64) {
	remaining := size
	kept := st.reservations[:0]
	for _, r := range st.reservations {
		if remaining <= 0 {
			kept = append(kept, r)
			continue
		}
		if r.size <= remaining {
			remaining -= r.size
			continue
		}
		r.size -= remaining
		remaining = 0
		kept = append(kept, r)
	}
	st.reservations = kept
}

func (l *Ledger) effectiveQuota(ctx context.Context, userID string, now time.Time) (base, extensions int64, used int64, err error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, 0, 0, err
	}
	exts, err := l.store.ActiveExtensions(ctx, userID, now)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, e := range exts {
		extensions += e.AdditionalSpace
	}
	return u.StorageQuota, extensions, u.StorageUsed, nil
}

// CheckAndReserve atomically checks available space and takes a
// reservation for size bytes. Returns false with no state change when
// the effective quota would be exceeded; that outcome is a normal
// rejection, not an error.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string, size int64) (bool, error) {
	if size <= 0 {
		return false, ErrInvalidSize
	}
	st := l.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if released := st.expireLocked(now); released > 0 {
		log.Debug().Str("user", userID).Int64("bytes", released).Msg("released expired quota reservations")
	}

	base, extensions, used, err := l.effectiveQuota(ctx, userID, now)
	if err != nil {
		return false, fmt.Errorf("load quota for %s: %w", userID, err)
	}
	effective := base + extensions
	if used+st.reservedLocked()+size > effective {
		return false, nil
	}
	st.reservations = append(st.reservations, reservation{
		size:      size,
		expiresAt: now.Add(l.reservationTTL),
	})
	return true, nil
}

// Confirm moves size bytes from reserved to used. The reserved amount
// is floored at zero when a prior partial release already shrank it.
func (l *Ledger) Confirm(ctx context.Context, userID string, size int64) error {
	if size <= 0 {
		return ErrInvalidSize
	}
	st := l.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.expireLocked(time.Now())
	st.subtractLocked(size)
	if _, err := l.store.UpdateUsed(ctx, userID, size); err != nil {
		return fmt.Errorf("confirm %d bytes for %s: %w", size, userID, err)
	}
	return nil
}

// Release subtracts size from the reserved amount, floored at zero.
// Used on abandonment and on post-confirm correction paths.
func (l *Ledger) Release(_ context.Context, userID string, size int64) error {
	if size <= 0 {
		return ErrInvalidSize
	}
	st := l.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.expireLocked(time.Now())
	st.subtractLocked(size)
	return nil
}

// Cancel is an alias for Release used for pre-confirm abandonment.
func (l *Ledger) Cancel(ctx context.Context, userID string, size int64) error {
	return l.Release(ctx, userID, size)
}

// UpdateUsed adjusts confirmed usage by delta for out-of-band
// corrections, floored at zero.
func (l *Ledger) UpdateUsed(ctx context.Context, userID string, delta int64) error {
	st := l.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := l.store.UpdateUsed(ctx, userID, delta); err != nil {
		return fmt.Errorf("adjust used by %d for %s: %w", delta, userID, err)
	}
	return nil
}

// ReleaseStorage subtracts size from confirmed usage after a deletion.
func (l *Ledger) ReleaseStorage(ctx context.Context, userID string, size int64) error {
	if size <= 0 {
		return ErrInvalidSize
	}
	return l.UpdateUsed(ctx, userID, -size)
}

// Usage returns the user's current quota snapshot.
func (l *Ledger) Usage(ctx context.Context, userID string) (*Usage, error) {
	st := l.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	st.expireLocked(now)
	base, extensions, used, err := l.effectiveQuota(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	reserved := st.reservedLocked()
	effective := base + extensions
	available := effective - used - reserved
	if available < 0 {
		available = 0
	}
	var pct float64
	if effective > 0 {
		pct = float64(used) / float64(effective) * 100
	}
	return &Usage{
		Base:            base,
		Extensions:      extensions,
		EffectiveQuota:  effective,
		Used:            used,
		Reserved:        reserved,
		Available:       available,
		UsagePercentage: pct,
	}, nil
}

// SetBaseQuota updates the user's base quota. Quotas below the
// configured minimum are rejected.
func (l *Ledger) SetBaseQuota(ctx context.Context, userID string, newQuota int64) error {
	if newQuota < l.minQuota {
		return fmt.Errorf("%w: %d < %d", ErrQuotaBelowMinimum, newQuota, l.minQuota)
	}
	st := l.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	u.StorageQuota = newQuota
	return l.store.PutUser(ctx, u)
}

// SweepExpired releases stale reservations across all users. Run
// periodically as a crash-recovery backstop; reservations are also
// lazily expired on every ledger entry point.
func (l *Ledger) SweepExpired() {
	l.mu.Lock()
	states := make(map[string]*userState, len(l.users))
	for id, st := range l.users {
		states[id] = st
	}
	l.mu.Unlock()

	now := time.Now()
	for id, st := range states {
		st.mu.Lock()
		released := st.expireLocked(now)
		st.mu.Unlock()
		if released > 0 {
			log.Info().Str("user", id).Int64("bytes", released).Msg("reservation sweep released stale holds")
		}
	}
}

// RunSweeper runs SweepExpired on the given interval until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.SweepExpired()
		}
	}
}
