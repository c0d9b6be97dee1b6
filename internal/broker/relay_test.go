package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/squadmate-gg/backend/internal/storage/postgres"
)

type fakeMessageStore struct {
	mu       sync.Mutex
	messages []postgres.ChatMessage
	err      error
}

func (s *fakeMessageStore) Append(_ context.Context, sessionID, senderID uuid.UUID, content, msgType string) (postgres.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return postgres.ChatMessage{}, s.err
	}
	m := postgres.ChatMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   content,
		Type:      msgType,
		CreatedAt: time.Now(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *fakeMessageStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type relayFixture struct {
	relay        *Relay
	registry     *Registry
	messages     *fakeMessageStore
	session      postgres.Session
	clientConn   *Conn
	providerConn *Conn
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	session := postgres.Session{
		ID:         uuid.New(),
		ClientID:   uuid.New(),
		ProviderID: uuid.New(),
		Game:       "valorant",
		Status:     postgres.SessionActive,
	}

	registry := NewRegistry()
	clientConn := NewConn("client-conn", Identity{UserID: session.ClientID, Username: "client-casey"}, 8)
	providerConn := NewConn("provider-conn", Identity{UserID: session.ProviderID, Username: "pro-drew"}, 8)
	require.NoError(t, registry.Register(clientConn))
	require.NoError(t, registry.Register(providerConn))

	messages := &fakeMessageStore{}
	relay := NewRelay(registry, newFakeSessionStore(session), messages, zaptest.NewLogger(t))
	return &relayFixture{
		relay:        relay,
		registry:     registry,
		messages:     messages,
		session:      session,
		clientConn:   clientConn,
		providerConn: providerConn,
	}
}

func TestRelayJoinRoomParticipantsOnly(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.JoinRoom(ctx, f.clientConn, f.session.ID))
	require.NoError(t, f.relay.JoinRoom(ctx, f.providerConn, f.session.ID))
	assert.Equal(t, 2, f.registry.Occupancy(SessionGroup(f.session.ID)))

	stranger := newTestConn(t)
	require.NoError(t, f.registry.Register(stranger))
	err := f.relay.JoinRoom(ctx, stranger, f.session.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 2, f.registry.Occupancy(SessionGroup(f.session.ID)))
}

func TestRelayJoinRoomUnknownSession(t *testing.T) {
	f := newRelayFixture(t)
	err := f.relay.JoinRoom(context.Background(), f.clientConn, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRelaySendPersistsThenBroadcasts(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	require.NoError(t, f.relay.JoinRoom(ctx, f.clientConn, f.session.ID))
	require.NoError(t, f.relay.JoinRoom(ctx, f.providerConn, f.session.ID))

	require.NoError(t, f.relay.Send(ctx, f.clientConn, f.session.ID, "glhf", "text"))

	require.Equal(t, 1, f.messages.count())
	stored := f.messages.messages[0]

	for _, conn := range []*Conn{f.clientConn, f.providerConn} {
		env := drainOne(t, conn)
		require.Equal(t, TypeChatMessage, env.Type)
		var msg ChatMessageEvent
		require.NoError(t, json.Unmarshal(env.Payload, &msg))
		assert.Equal(t, stored.ID, msg.ID, "broadcast carries the store-assigned ID")
		assert.Equal(t, "glhf", msg.Content)
		assert.Equal(t, "client-casey", msg.SenderUsername)
		assert.False(t, msg.CreatedAt.IsZero())
	}
}

func TestRelaySendRequiresRoomMembership(t *testing.T) {
	f := newRelayFixture(t)

	err := f.relay.Send(context.Background(), f.clientConn, f.session.ID, "hello?", "text")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, f.messages.count(), "unauthorized sends write nothing")
}

func TestRelaySendStoreFailureBroadcastsNothing(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	require.NoError(t, f.relay.JoinRoom(ctx, f.clientConn, f.session.ID))
	require.NoError(t, f.relay.JoinRoom(ctx, f.providerConn, f.session.ID))

	f.messages.err = errors.New("db down")
	err := f.relay.Send(ctx, f.clientConn, f.session.ID, "lost", "text")
	var pErr *PersistenceError
	require.ErrorAs(t, err, &pErr)

	// No phantom broadcast: members only ever see messages with a row.
	requireNoEvent(t, f.clientConn)
	requireNoEvent(t, f.providerConn)
}

func TestRelaySendPreservesSenderOrder(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	require.NoError(t, f.relay.JoinRoom(ctx, f.clientConn, f.session.ID))
	require.NoError(t, f.relay.JoinRoom(ctx, f.providerConn, f.session.ID))

	contents := []string{"one", "two", "three"}
	for _, c := range contents {
		require.NoError(t, f.relay.Send(ctx, f.clientConn, f.session.ID, c, "text"))
	}

	for _, want := range contents {
		env := drainOne(t, f.providerConn)
		var msg ChatMessageEvent
		require.NoError(t, json.Unmarshal(env.Payload, &msg))
		assert.Equal(t, want, msg.Content)
	}
}
