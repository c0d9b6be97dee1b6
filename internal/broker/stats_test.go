package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/squadmate-gg/backend/internal/broker/estimate"
)

type fakeQueueCounter struct {
	mu     sync.Mutex
	counts map[string]int
	calls  atomic.Int64
	err    error
}

func (c *fakeQueueCounter) CountWaiting(_ context.Context, game string) (int, error) {
	c.calls.Add(1)
	if c.err != nil {
		return 0, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[game], nil
}

type fakeStatsPublisher struct {
	mu      sync.Mutex
	updates []QueueUpdate
}

func (p *fakeStatsPublisher) PublishStats(_ context.Context, update QueueUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func (p *fakeStatsPublisher) snapshot() []QueueUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]QueueUpdate(nil), p.updates...)
}

// fakeCachingPublisher also implements StatsReader, like the redis cache.
type fakeCachingPublisher struct {
	fakeStatsPublisher
	cached map[string]QueueUpdate
	err    error
}

func (p *fakeCachingPublisher) GetStats(_ context.Context, game string) (QueueUpdate, bool, error) {
	if p.err != nil {
		return QueueUpdate{}, false, p.err
	}
	update, ok := p.cached[game]
	return update, ok, nil
}

func decodeQueueUpdate(t *testing.T, frame []byte) QueueUpdate {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	require.Equal(t, TypeQueueUpdate, env.Type)
	var update QueueUpdate
	require.NoError(t, json.Unmarshal(env.Payload, &update))
	return update
}

func TestStatsRecomputeBroadcastsToWatchers(t *testing.T) {
	registry := NewRegistry()
	watcher := newTestConn(t)
	require.NoError(t, registry.Register(watcher))
	require.NoError(t, registry.Join(watcher.ID(), QueueGroup("valorant")))

	provider := newTestConn(t)
	require.NoError(t, registry.Register(provider))
	require.NoError(t, registry.Join(provider.ID(), GameProvidersGroup("valorant")))

	counter := &fakeQueueCounter{counts: map[string]int{"valorant": 4}}
	publisher := &fakeStatsPublisher{}
	stats := NewStats(registry, counter, estimate.Heuristic{}, publisher, 0, zaptest.NewLogger(t))
	defer stats.Close()

	stats.Trigger("valorant")

	select {
	case frame := <-watcher.Events():
		update := decodeQueueUpdate(t, frame)
		assert.Equal(t, "valorant", update.Game)
		assert.Equal(t, 4, update.Count)
		assert.Equal(t, 1, update.AvailableProviders)
		assert.Positive(t, update.EstimatedWaitSec)
	default:
		t.Fatal("watcher received no queue update")
	}

	published := publisher.snapshot()
	require.Len(t, published, 1)
	assert.Equal(t, 4, published[0].Count)
}

func TestStatsDebounceCoalescesBursts(t *testing.T) {
	registry := NewRegistry()
	counter := &fakeQueueCounter{counts: map[string]int{"cs2": 2}}
	stats := NewStats(registry, counter, estimate.Heuristic{}, nil, 20*time.Millisecond, zaptest.NewLogger(t))
	defer stats.Close()

	for i := 0; i < 10; i++ {
		stats.Trigger("cs2")
	}

	assert.Eventually(t, func() bool {
		return counter.calls.Load() == 1
	}, time.Second, 5*time.Millisecond, "a burst of triggers collapses to one recompute")

	// Quiet period elapsed; a fresh trigger arms a new window.
	stats.Trigger("cs2")
	assert.Eventually(t, func() bool {
		return counter.calls.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStatsDebouncePerGame(t *testing.T) {
	registry := NewRegistry()
	counter := &fakeQueueCounter{counts: map[string]int{}}
	stats := NewStats(registry, counter, estimate.Heuristic{}, nil, 10*time.Millisecond, zaptest.NewLogger(t))
	defer stats.Close()

	stats.Trigger("valorant")
	stats.Trigger("cs2")

	assert.Eventually(t, func() bool {
		return counter.calls.Load() == 2
	}, time.Second, 5*time.Millisecond, "distinct games debounce independently")
}

func TestStatsCounterFailureSuppressesBroadcast(t *testing.T) {
	registry := NewRegistry()
	watcher := newTestConn(t)
	require.NoError(t, registry.Register(watcher))
	require.NoError(t, registry.Join(watcher.ID(), QueueGroup("lol")))

	counter := &fakeQueueCounter{err: errors.New("db down")}
	stats := NewStats(registry, counter, estimate.Heuristic{}, nil, 0, zaptest.NewLogger(t))
	defer stats.Close()

	stats.Trigger("lol")

	select {
	case <-watcher.Events():
		t.Fatal("no snapshot may be broadcast when the count is unknown")
	default:
	}
}

func TestStatsBroadcastLocalRelaysSiblingSnapshot(t *testing.T) {
	registry := NewRegistry()
	watcher := newTestConn(t)
	require.NoError(t, registry.Register(watcher))
	require.NoError(t, registry.Join(watcher.ID(), QueueGroup("dota2")))

	stats := NewStats(registry, &fakeQueueCounter{}, estimate.Heuristic{}, nil, 0, zaptest.NewLogger(t))
	defer stats.Close()

	stats.BroadcastLocal(QueueUpdate{Game: "dota2", Count: 7, EstimatedWaitSec: 210, AvailableProviders: 3})

	select {
	case frame := <-watcher.Events():
		update := decodeQueueUpdate(t, frame)
		assert.Equal(t, 7, update.Count)
		assert.Equal(t, 210, update.EstimatedWaitSec)
	default:
		t.Fatal("watcher received no relayed update")
	}
}

func TestStatsSendCachedPushesSnapshotToOneConn(t *testing.T) {
	registry := NewRegistry()
	joiner := newTestConn(t)
	require.NoError(t, registry.Register(joiner))

	bystander := newTestConn(t)
	require.NoError(t, registry.Register(bystander))
	require.NoError(t, registry.Join(bystander.ID(), QueueGroup("valorant")))

	publisher := &fakeCachingPublisher{cached: map[string]QueueUpdate{
		"valorant": {Game: "valorant", Count: 12, EstimatedWaitSec: 360, AvailableProviders: 3},
	}}
	stats := NewStats(registry, &fakeQueueCounter{}, estimate.Heuristic{}, publisher, 0, zaptest.NewLogger(t))
	defer stats.Close()

	stats.SendCached(context.Background(), joiner, "valorant")

	select {
	case frame := <-joiner.Events():
		update := decodeQueueUpdate(t, frame)
		assert.Equal(t, 12, update.Count)
	default:
		t.Fatal("joiner received no cached snapshot")
	}

	select {
	case <-bystander.Events():
		t.Fatal("cached snapshot goes only to the joining connection")
	default:
	}
}

func TestStatsSendCachedNoopWithoutCache(t *testing.T) {
	registry := NewRegistry()
	joiner := newTestConn(t)
	require.NoError(t, registry.Register(joiner))

	// Plain publisher: no StatsReader upgrade.
	stats := NewStats(registry, &fakeQueueCounter{}, estimate.Heuristic{}, &fakeStatsPublisher{}, 0, zaptest.NewLogger(t))
	defer stats.Close()

	stats.SendCached(context.Background(), joiner, "valorant")

	select {
	case <-joiner.Events():
		t.Fatal("no frame expected without a cached snapshot")
	default:
	}
}

func TestStatsCloseStopsPendingTimers(t *testing.T) {
	registry := NewRegistry()
	counter := &fakeQueueCounter{}
	stats := NewStats(registry, counter, estimate.Heuristic{}, nil, 10*time.Millisecond, zaptest.NewLogger(t))

	stats.Trigger("valorant")
	stats.Close()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, counter.calls.Load(), "closed service must not recompute")

	stats.Trigger("valorant")
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, counter.calls.Load())
}
