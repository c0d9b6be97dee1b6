package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/squadmate-gg/backend/internal/broker/estimate"
	"github.com/squadmate-gg/backend/internal/storage/postgres"
)

type brokerFixture struct {
	broker     *Broker
	registry   *Registry
	queueStore *fakeQueueStore
	sessions   *fakeSessionStore
	messages   *fakeMessageStore
	presence   *fakePresenceStore
}

func newBrokerFixture(t *testing.T, sessions ...postgres.Session) *brokerFixture {
	t.Helper()

	registry := NewRegistry()
	log := zaptest.NewLogger(t)

	queueStore := newFakeQueueStore()
	sessionStore := newFakeSessionStore(sessions...)
	messageStore := &fakeMessageStore{}
	presenceStore := &fakePresenceStore{}

	stats := NewStats(registry, storeCounter{queueStore}, estimate.Heuristic{}, nil, 0, log)
	t.Cleanup(stats.Close)

	presence := NewPresence(presenceStore, log)
	queue := NewQueue(registry, queueStore, testCatalog(t), stats, log)
	handshake := NewHandshake(registry, sessionStore, newFakeUserStore(), &fakeMatchMarker{}, stats, log)
	relay := NewRelay(registry, sessionStore, messageStore, log)

	return &brokerFixture{
		broker:     New(registry, presence, queue, stats, handshake, relay, log),
		registry:   registry,
		queueStore: queueStore,
		sessions:   sessionStore,
		messages:   messageStore,
		presence:   presenceStore,
	}
}

// storeCounter derives waiting counts from the same fake rows the joins and
// leaves mutate, the way the real counter reads the real table.
type storeCounter struct {
	store *fakeQueueStore
}

func (c storeCounter) CountWaiting(_ context.Context, game string) (int, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	count := 0
	for _, entry := range c.store.entries {
		if entry.Game == game && entry.Status == postgres.QueueWaiting {
			count++
		}
	}
	return count, nil
}

func frame(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	require.NoError(t, err)
	return data
}

func TestBrokerConnectJoinsPrivateChannel(t *testing.T) {
	f := newBrokerFixture(t)
	conn := newTestConn(t)

	require.NoError(t, f.broker.Connect(context.Background(), conn))

	assert.Equal(t, 1, f.registry.Occupancy(UserGroup(conn.UserID())))
	assert.Equal(t, 0, f.registry.Occupancy(ProvidersGroup))

	calls := f.presence.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].online)
}

func TestBrokerConnectProviderJoinsPools(t *testing.T) {
	f := newBrokerFixture(t)
	conn := NewConn("p1", Identity{
		UserID:        uuid.New(),
		Username:      "pro-drew",
		IsProvider:    true,
		PreferredGame: "valorant",
	}, 8)

	require.NoError(t, f.broker.Connect(context.Background(), conn))

	assert.Equal(t, 1, f.registry.Occupancy(ProvidersGroup))
	assert.Equal(t, 1, f.registry.Occupancy(GameProvidersGroup("valorant")))
}

func TestBrokerDisconnectCleansUp(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()
	conn := newTestConn(t)
	require.NoError(t, f.broker.Connect(ctx, conn))

	f.broker.Dispatch(ctx, conn, frame(t, TypeQueueJoin, QueueJoin{Game: "valorant", Mode: "competitive"}))
	require.True(t, f.queueStore.waiting(conn.UserID(), "valorant"))

	f.broker.Disconnect(ctx, conn.ID())

	assert.False(t, f.queueStore.waiting(conn.UserID(), "valorant"), "disconnect cancels queue membership")
	assert.Equal(t, 0, f.registry.ConnCount())
	assert.True(t, conn.IsClosed())

	calls := f.presence.snapshot()
	require.NotEmpty(t, calls)
	assert.False(t, calls[len(calls)-1].online)
}

func TestBrokerDisconnectUnknownConnection(t *testing.T) {
	f := newBrokerFixture(t)
	f.broker.Disconnect(context.Background(), "ghost")
}

func TestBrokerDispatchQueueJoinPublishesUpdate(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()
	conn := newTestConn(t)
	require.NoError(t, f.broker.Connect(ctx, conn))

	f.broker.Dispatch(ctx, conn, frame(t, TypeQueueJoin, QueueJoin{Game: "valorant", Mode: "competitive"}))

	assert.True(t, f.queueStore.waiting(conn.UserID(), "valorant"))
	env := drainOne(t, conn)
	assert.Equal(t, TypeQueueUpdate, env.Type)
}

func TestBrokerDispatchRejectsUnknownType(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()
	conn := newTestConn(t)
	other := newTestConn(t)
	require.NoError(t, f.broker.Connect(ctx, conn))
	require.NoError(t, f.broker.Connect(ctx, other))

	f.broker.Dispatch(ctx, conn, []byte(`{"type":"queue.nuke","payload":{}}`))

	env := drainOne(t, conn)
	require.Equal(t, TypeError, env.Type)
	var errEv ErrorEvent
	require.NoError(t, json.Unmarshal(env.Payload, &errEv))
	assert.Equal(t, "validation", errEv.Code)

	requireNoEvent(t, other)
}

func TestBrokerDispatchMalformedFrame(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()
	conn := newTestConn(t)
	require.NoError(t, f.broker.Connect(ctx, conn))

	f.broker.Dispatch(ctx, conn, []byte(`{not json`))

	env := drainOne(t, conn)
	assert.Equal(t, TypeError, env.Type)
}

func TestBrokerDispatchErrorIsolation(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()
	conn := newTestConn(t)
	require.NoError(t, f.broker.Connect(ctx, conn))

	// Unknown session: the event fails, surfaced to origin only.
	f.broker.Dispatch(ctx, conn, frame(t, TypeSessionJoin, SessionJoin{SessionID: uuid.New()}))
	env := drainOne(t, conn)
	require.Equal(t, TypeError, env.Type)
	var errEv ErrorEvent
	require.NoError(t, json.Unmarshal(env.Payload, &errEv))
	assert.Equal(t, "not_found", errEv.Code)

	// The connection keeps working afterwards.
	f.broker.Dispatch(ctx, conn, frame(t, TypeQueueJoin, QueueJoin{Game: "cs2", Mode: "premier"}))
	assert.True(t, f.queueStore.waiting(conn.UserID(), "cs2"))
}

func TestBrokerDispatchChatFlow(t *testing.T) {
	clientID := uuid.New()
	providerID := uuid.New()
	session := postgres.Session{
		ID:         uuid.New(),
		ClientID:   clientID,
		ProviderID: providerID,
		Game:       "valorant",
		Status:     postgres.SessionActive,
	}
	f := newBrokerFixture(t, session)
	ctx := context.Background()

	clientConn := NewConn("c1", Identity{UserID: clientID, Username: "client-casey"}, 8)
	providerConn := NewConn("p1", Identity{UserID: providerID, Username: "pro-drew"}, 8)
	require.NoError(t, f.broker.Connect(ctx, clientConn))
	require.NoError(t, f.broker.Connect(ctx, providerConn))

	f.broker.Dispatch(ctx, clientConn, frame(t, TypeSessionJoin, SessionJoin{SessionID: session.ID}))
	f.broker.Dispatch(ctx, providerConn, frame(t, TypeSessionJoin, SessionJoin{SessionID: session.ID}))
	f.broker.Dispatch(ctx, clientConn, frame(t, TypeChatSend, ChatSend{SessionID: session.ID, Content: "ready when you are"}))

	require.Equal(t, 1, f.messages.count())
	env := drainOne(t, providerConn)
	require.Equal(t, TypeChatMessage, env.Type)
	var msg ChatMessageEvent
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	assert.Equal(t, "ready when you are", msg.Content)
	assert.Equal(t, "text", msg.Type, "missing chat type defaults to text")
}

func TestBrokerDispatchPresenceOverride(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()
	conn := newTestConn(t)
	require.NoError(t, f.broker.Connect(ctx, conn))

	f.broker.Dispatch(ctx, conn, frame(t, TypePresenceSetOnline, PresenceSetOnline{IsOnline: false}))

	calls := f.presence.snapshot()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].online)
}

func TestBrokerQueueCountReflectsJoinsMinusLeaves(t *testing.T) {
	// After N joins and M leaves with no matches, the published count for
	// the game is N − M. The counter is backed by the same fake rows the
	// joins mutate.
	f := newBrokerFixture(t)
	ctx := context.Background()

	const joins, leaves = 5, 2
	conns := make([]*Conn, joins)
	for i := range conns {
		conns[i] = NewConn(fmt.Sprintf("conn-%d", i), Identity{UserID: uuid.New()}, 16)
		require.NoError(t, f.broker.Connect(ctx, conns[i]))
		f.broker.Dispatch(ctx, conns[i], frame(t, TypeQueueJoin, QueueJoin{Game: "valorant", Mode: "competitive"}))
	}
	for i := 0; i < leaves; i++ {
		f.broker.Dispatch(ctx, conns[i], frame(t, TypeQueueLeave, QueueLeave{}))
	}

	// The last published update seen by a still-queued watcher carries
	// the net count.
	var last QueueUpdate
	seen := false
	for {
		select {
		case raw := <-conns[joins-1].Events():
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			if env.Type == TypeQueueUpdate {
				require.NoError(t, json.Unmarshal(env.Payload, &last))
				seen = true
			}
			continue
		default:
		}
		break
	}
	require.True(t, seen)
	assert.Equal(t, joins-leaves, last.Count)
}
