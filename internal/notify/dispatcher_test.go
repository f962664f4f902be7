package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileflow/fileflow/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Hub, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	presence := NewMemoryPresence()
	hub := NewHub(mem, presence)
	d := NewDispatcher(mem, hub, presence, time.Minute)
	return d, hub, mem
}

// dialWS connects a real WebSocket client for userID and returns the
// client side.
func dialWS(t *testing.T, hub *Hub, userID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, userID)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Wait for the hub to register the connection.
	require.Eventually(t, func() bool { return hub.IsConnected(userID) },
		time.Second, 10*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env := &Envelope{}
	require.NoError(t, json.Unmarshal(data, env))
	return env
}

func TestEnvelopeWireFormat(t *testing.T) {
	env, err := NewEnvelope(TypeFileChange, "file-1", ActionCreated, map[string]string{"name": "a.txt"})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"type", "itemId", "action", "data", "timestamp"} {
		assert.Contains(t, raw, key)
	}
}

func TestPublishQueuesForOfflineRecipients(t *testing.T) {
	d, _, mem := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Subscribe(ctx, "bob", "file-1", store.ItemFile))

	env, err := NewEnvelope(TypeFileChange, "file-1", ActionUpdated, nil)
	require.NoError(t, err)
	allLive, err := d.Publish(ctx, env, store.ItemFile, "alice")
	require.NoError(t, err)
	assert.False(t, allLive)

	// Exactly one queued row per offline recipient.
	for _, user := range []string{"alice", "bob"} {
		pending, err := mem.PendingFor(ctx, user)
		require.NoError(t, err)
		assert.Len(t, pending, 1, user)
	}
}

func TestPublishDeduplicatesOwnerSubscriber(t *testing.T) {
	d, _, mem := newTestDispatcher(t)
	ctx := context.Background()

	// Owner is also subscribed; they must receive one copy, not two.
	require.NoError(t, d.Subscribe(ctx, "alice", "file-1", store.ItemFile))

	env, err := NewEnvelope(TypeFileChange, "file-1", ActionDeleted, nil)
	require.NoError(t, err)
	_, err = d.Publish(ctx, env, store.ItemFile, "alice")
	require.NoError(t, err)

	pending, err := mem.PendingFor(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPublishDeliversToConnected(t *testing.T) {
	d, hub, mem := newTestDispatcher(t)
	ctx := context.Background()
	conn := dialWS(t, hub, "alice")

	env, err := NewEnvelope(TypeFileChange, "file-1", ActionCreated, nil)
	require.NoError(t, err)
	allLive, err := d.Publish(ctx, env, store.ItemFile, "alice")
	require.NoError(t, err)
	assert.True(t, allLive)

	got := readEnvelope(t, conn)
	assert.Equal(t, TypeFileChange, got.Type)
	assert.Equal(t, "file-1", got.ItemID)

	// Delivered live, nothing queued.
	pending, err := mem.PendingFor(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainOnConnectPreservesOrder(t *testing.T) {
	d, hub, mem := newTestDispatcher(t)
	ctx := context.Background()

	// Queue three events while alice is offline.
	for _, action := range []string{ActionCreated, ActionUpdated, ActionDeleted} {
		env, err := NewEnvelope(TypeFileChange, "file-1", action, nil)
		require.NoError(t, err)
		require.NoError(t, d.NotifyUser(ctx, "alice", env))
	}

	conn := dialWS(t, hub, "alice")

	// The connect hook drains in creation order.
	assert.Equal(t, ActionCreated, readEnvelope(t, conn).Action)
	assert.Equal(t, ActionUpdated, readEnvelope(t, conn).Action)
	assert.Equal(t, ActionDeleted, readEnvelope(t, conn).Action)

	require.Eventually(t, func() bool {
		pending, err := mem.PendingFor(ctx, "alice")
		return err == nil && len(pending) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestProcessQueuedForNoRedelivery(t *testing.T) {
	d, hub, _ := newTestDispatcher(t)
	ctx := context.Background()

	env, err := NewEnvelope(TypeFileChange, "file-1", ActionCreated, nil)
	require.NoError(t, err)
	require.NoError(t, d.NotifyUser(ctx, "alice", env))

	conn := dialWS(t, hub, "alice")
	readEnvelope(t, conn)

	// A second drain finds nothing to send.
	delivered, err := d.ProcessQueuedFor(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, delivered)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestRetrySweepIncrementsAndBounds(t *testing.T) {
	mem := store.NewMemory()
	presence := NewMemoryPresence()
	hub := NewHub(mem, presence)
	d := NewDispatcher(mem, hub, presence, time.Nanosecond)
	ctx := context.Background()

	n := &store.QueuedNotification{
		ID:        uuid.New().String(),
		UserID:    "alice",
		Type:      TypeFileChange,
		Payload:   []byte(`{}`),
		CreatedAt: time.Now(),
	}
	require.NoError(t, mem.EnqueueNotification(ctx, n))

	// Presence reports alice online but no connection is registered, so
	// every delivery attempt fails and counts against the limit.
	require.NoError(t, presence.SetOnline(ctx, "alice"))

	for i := 1; i <= MaxRetries; i++ {
		time.Sleep(time.Millisecond)
		delivered, failed := d.RetrySweep(ctx)
		assert.Equal(t, 0, delivered)
		assert.Equal(t, 1, failed)

		got, err := mem.GetNotification(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
	}

	// Past the limit the entry is excluded from sweeps but retained.
	time.Sleep(time.Millisecond)
	delivered, failed := d.RetrySweep(ctx)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, failed)

	got, err := mem.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.False(t, got.Sent)
	assert.Equal(t, MaxRetries, got.RetryCount)
}

func TestRetrySweepSkipsOfflineTargets(t *testing.T) {
	mem := store.NewMemory()
	presence := NewMemoryPresence()
	hub := NewHub(mem, presence)
	d := NewDispatcher(mem, hub, presence, time.Nanosecond)
	ctx := context.Background()

	n := &store.QueuedNotification{
		ID:        uuid.New().String(),
		UserID:    "bob",
		Type:      TypeFileChange,
		Payload:   []byte(`{}`),
		CreatedAt: time.Now(),
	}
	require.NoError(t, mem.EnqueueNotification(ctx, n))

	// An offline target never consumes retry budget; repeated sweeps
	// leave the entry untouched and pending.
	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		delivered, failed := d.RetrySweep(ctx)
		assert.Zero(t, delivered)
		assert.Zero(t, failed)
	}

	got, err := mem.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.False(t, got.Sent)
	assert.Zero(t, got.RetryCount)
}

func TestRetrySweepDeliversToConnected(t *testing.T) {
	mem := store.NewMemory()
	presence := NewMemoryPresence()
	hub := NewHub(mem, presence)
	d := NewDispatcher(mem, hub, presence, time.Nanosecond)
	ctx := context.Background()

	n := &store.QueuedNotification{
		ID:        uuid.New().String(),
		UserID:    "alice",
		Type:      TypeFileChange,
		Payload:   []byte(`{"type":"FILE_CHANGE"}`),
		CreatedAt: time.Now(),
		// Simulate prior failed attempts.
		RetryCount:  2,
		LastRetryAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, mem.EnqueueNotification(ctx, n))

	conn := dialWS(t, hub, "alice")
	// The connect drain delivers it first; mark unsent again to force
	// the sweep path.
	readEnvelope(t, conn)

	n2 := &store.QueuedNotification{
		ID:          uuid.New().String(),
		UserID:      "alice",
		Type:        TypeFileChange,
		Payload:     []byte(`{"type":"FILE_CHANGE"}`),
		CreatedAt:   time.Now(),
		LastRetryAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, mem.EnqueueNotification(ctx, n2))

	delivered, failed := d.RetrySweep(ctx)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, failed)

	got, err := mem.GetNotification(ctx, n2.ID)
	require.NoError(t, err)
	assert.True(t, got.Sent)
}

func TestSubscribeUnsubscribeReactivate(t *testing.T) {
	d, _, mem := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Subscribe(ctx, "bob", "file-1", store.ItemFile))
	require.NoError(t, d.Subscribe(ctx, "bob", "file-1", store.ItemFile))

	subs, err := mem.ActiveSubscribers(ctx, "file-1", store.ItemFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, subs)

	require.NoError(t, d.Unsubscribe(ctx, "bob", "file-1", store.ItemFile))
	subs, err = mem.ActiveSubscribers(ctx, "file-1", store.ItemFile)
	require.NoError(t, err)
	assert.Empty(t, subs)

	// Resubscribing reactivates the existing row.
	require.NoError(t, d.Subscribe(ctx, "bob", "file-1", store.ItemFile))
	subs, err = mem.ActiveSubscribers(ctx, "file-1", store.ItemFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, subs)
}

func TestHubMultiConnectionFanout(t *testing.T) {
	mem := store.NewMemory()
	hub := NewHub(mem, NewMemoryPresence())

	c1 := dialWS(t, hub, "alice")
	c2 := dialWS(t, hub, "alice")
	assert.Equal(t, 2, hub.ConnectionCount("alice"))

	require.True(t, hub.Send("alice", []byte(`{"type":"SYSTEM"}`)))
	readEnvelope(t, c1)
	readEnvelope(t, c2)
}
