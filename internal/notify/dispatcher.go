package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fileflow/fileflow/internal/metrics"
	"github.com/fileflow/fileflow/internal/store"
)

const (
	// MaxRetries bounds delivery attempts per queued notification.
	// Entries that reach the limit are retained but never retried.
	MaxRetries = 5

	// DefaultRetryBackoff is the minimum age of the last attempt
	// before an entry becomes a retry candidate again.
	DefaultRetryBackoff = time.Minute
)

// Dispatcher routes events to their recipients: live connections get
// them immediately through the hub, offline users get a durable queue
// entry drained on their next connect.
type Dispatcher struct {
	store    store.Store
	hub      *Hub
	presence Presence
	backoff  time.Duration
	metrics  *metrics.Metrics
}

func NewDispatcher(st store.Store, hub *Hub, presence Presence, backoff time.Duration) *Dispatcher {
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	d := &Dispatcher{
		store:    st,
		hub:      hub,
		presence: presence,
		backoff:  backoff,
		metrics:  metrics.Init(nil),
	}
	hub.SetOnConnect(func(ctx context.Context, userID string) {
		if _, err := d.ProcessQueuedFor(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("failed to drain queued notifications")
		}
	})
	return d
}

// Subscribe activates the user's subscription to the item. Repeated
// calls, including after an unsubscribe, are idempotent.
func (d *Dispatcher) Subscribe(ctx context.Context, userID, itemID string, itemType store.ItemType) error {
	return d.store.UpsertSubscription(ctx, &store.Subscription{
		UserID:   userID,
		ItemID:   itemID,
		ItemType: itemType,
		Active:   true,
	})
}

// Unsubscribe deactivates the subscription. Unsubscribing without a
// prior subscription is a no-op.
func (d *Dispatcher) Unsubscribe(ctx context.Context, userID, itemID string, itemType store.ItemType) error {
	return d.store.UpsertSubscription(ctx, &store.Subscription{
		UserID:   userID,
		ItemID:   itemID,
		ItemType: itemType,
		Active:   false,
	})
}

// Publish delivers env to the item's active subscribers plus the
// owner, each recipient exactly once. Recipients without a live
// connection get a queued entry instead. The returned bool reports
// whether every recipient got immediate delivery; callers use it for
// logging only.
func (d *Dispatcher) Publish(ctx context.Context, env *Envelope, itemType store.ItemType, ownerID string) (bool, error) {
	subscribers, err := d.store.ActiveSubscribers(ctx, env.ItemID, itemType)
	if err != nil {
		return false, fmt.Errorf("resolve subscribers for %s: %w", env.ItemID, err)
	}

	recipients := make(map[string]bool, len(subscribers)+1)
	for _, id := range subscribers {
		recipients[id] = true
	}
	if ownerID != "" {
		recipients[ownerID] = true
	}

	payload, err := env.Encode()
	if err != nil {
		return false, fmt.Errorf("encode notification: %w", err)
	}

	allLive := true
	for userID := range recipients {
		if !d.deliverOrQueue(ctx, userID, env.Type, payload) {
			allLive = false
		}
	}
	return allLive, nil
}

// NotifyUser delivers env to a single user, bypassing subscriptions.
// Used for quota alerts and system messages.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, env *Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	d.deliverOrQueue(ctx, userID, env.Type, payload)
	return nil
}

// deliverOrQueue reports whether the payload went out over a live
// connection.
func (d *Dispatcher) deliverOrQueue(ctx context.Context, userID, eventType string, payload []byte) bool {
	if d.hub.Send(userID, payload) {
		d.metrics.NotificationsDelivered.Inc()
		log.Debug().Str("user", userID).Str("type", eventType).Msg("notification delivered")
		return true
	}
	n := &store.QueuedNotification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := d.store.EnqueueNotification(ctx, n); err != nil {
		log.Error().Err(err).Str("user", userID).Str("type", eventType).
			Msg("failed to queue notification")
		return false
	}
	d.metrics.NotificationsQueued.Inc()
	log.Debug().Str("user", userID).Str("type", eventType).Msg("notification queued")
	return false
}

// ProcessQueuedFor drains the user's pending queue in creation order
// and returns the number delivered. Draining stops at the first entry
// the hub cannot deliver, so a user who disconnects mid-drain keeps
// the remainder queued in order.
func (d *Dispatcher) ProcessQueuedFor(ctx context.Context, userID string) (int, error) {
	pending, err := d.store.PendingFor(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load pending notifications for %s: %w", userID, err)
	}
	delivered := 0
	for _, n := range pending {
		if !d.hub.Send(userID, n.Payload) {
			return delivered, nil
		}
		if err := d.store.MarkSent(ctx, n.ID); err != nil {
			return delivered, fmt.Errorf("mark notification %s sent: %w", n.ID, err)
		}
		d.metrics.NotificationsDelivered.Inc()
		delivered++
	}
	if delivered > 0 {
		log.Info().Str("user", userID).Int("count", delivered).
			Msg("drained queued notifications")
	}
	return delivered, nil
}

// RetrySweep attempts redelivery of queued entries under the retry
// limit whose last attempt is older than the backoff. Only targets the
// presence cache reports online are attempted; an offline target's
// entry stays queued without consuming an attempt. Failed attempts are
// logged and counted against the limit; the sweep never aborts on a
// single bad entry.
func (d *Dispatcher) RetrySweep(ctx context.Context) (delivered, failed int) {
	candidates, err := d.store.RetryCandidates(ctx, MaxRetries, time.Now().Add(-d.backoff))
	if err != nil {
		log.Error().Err(err).Msg("failed to load retry candidates")
		return 0, 0
	}
	for _, n := range candidates {
		online, err := d.presence.IsOnline(ctx, n.UserID)
		if err != nil {
			log.Warn().Err(err).Str("user", n.UserID).Msg("presence lookup failed")
			continue
		}
		if !online {
			continue
		}
		d.metrics.NotificationRetries.Inc()
		if d.hub.Send(n.UserID, n.Payload) {
			if err := d.store.MarkSent(ctx, n.ID); err != nil {
				log.Warn().Err(err).Str("id", n.ID).Msg("failed to mark notification sent")
				continue
			}
			delivered++
			continue
		}
		if err := d.store.MarkRetry(ctx, n.ID, time.Now()); err != nil {
			log.Warn().Err(err).Str("id", n.ID).Msg("failed to record retry attempt")
		}
		failed++
	}
	if delivered > 0 || failed > 0 {
		log.Debug().Int("delivered", delivered).Int("failed", failed).
			Msg("notification retry sweep")
	}
	return delivered, failed
}

// RunRetrySweeper runs RetrySweep on the given interval until ctx is
// done.
func (d *Dispatcher) RunRetrySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RetrySweep(ctx)
		}
	}
}
