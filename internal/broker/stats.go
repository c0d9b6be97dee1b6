package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squadmate-gg/backend/internal/broker/estimate"
)

// QueueCounter reports the number of waiting queue entries for a game.
type QueueCounter interface {
	CountWaiting(ctx context.Context, game string) (int, error)
}

// StatsPublisher pushes a queue snapshot to sibling broker instances.
// Implementations cache the latest snapshot and fan it out on a shared
// channel; a nil publisher keeps stats process-local.
type StatsPublisher interface {
	PublishStats(ctx context.Context, update QueueUpdate) error
}

// StatsReader is an optional upgrade on a StatsPublisher: a publisher that
// caches the latest snapshot can serve it back to fresh queue joiners.
type StatsReader interface {
	GetStats(ctx context.Context, game string) (QueueUpdate, bool, error)
}

// Stats recomputes and broadcasts per-game queue snapshots. Join and leave
// churn triggers recomputes; triggers inside the debounce window coalesce
// into a single publish so a burst of joins produces one broadcast, not one
// per event.
type Stats struct {
	registry  *Registry
	counter   QueueCounter
	estimator estimate.Estimator
	publisher StatsPublisher
	log       *zap.Logger
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewStats creates the broadcast service. publisher may be nil for a
// single-instance deployment; debounce <= 0 publishes synchronously on every
// trigger.
func NewStats(registry *Registry, counter QueueCounter, estimator estimate.Estimator, publisher StatsPublisher, debounce time.Duration, log *zap.Logger) *Stats {
	return &Stats{
		registry:  registry,
		counter:   counter,
		estimator: estimator,
		publisher: publisher,
		log:       log,
		debounce:  debounce,
		pending:   make(map[string]*time.Timer),
	}
}

// Trigger schedules a recompute for the game. The first trigger arms the
// debounce timer; further triggers for the same game before it fires are
// absorbed.
func (s *Stats) Trigger(game string) {
	if s.debounce <= 0 {
		s.recompute(game)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, armed := s.pending[game]; armed {
		return
	}
	s.pending[game] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.pending, game)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.recompute(game)
		}
	})
}

// recompute builds a fresh snapshot and broadcasts it to local queue
// watchers, then hands it to the cross-instance publisher.
func (s *Stats) recompute(game string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := s.counter.CountWaiting(ctx, game)
	if err != nil {
		s.log.Error("counting waiting queue entries failed",
			zap.String("game", game), zap.Error(err))
		return
	}
	providers := s.registry.DistinctUsers(GameProvidersGroup(game))
	update := QueueUpdate{
		Game:               game,
		Count:              count,
		EstimatedWaitSec:   s.estimator.Estimate(game, count, providers),
		AvailableProviders: providers,
	}

	s.BroadcastLocal(update)

	if s.publisher != nil {
		if err := s.publisher.PublishStats(ctx, update); err != nil {
			s.log.Warn("publishing queue snapshot failed",
				zap.String("game", game), zap.Error(err))
		}
	}
}

// BroadcastLocal pushes a snapshot to this instance's watchers of the game's
// queue. Called both from recompute and from the cross-instance subscriber
// relaying a sibling's snapshot.
func (s *Stats) BroadcastLocal(update QueueUpdate) {
	frame, err := EncodeOutbound(TypeQueueUpdate, update)
	if err != nil {
		s.log.Error("encoding queue update failed",
			zap.String("game", update.Game), zap.Error(err))
		return
	}
	delivered := s.registry.Broadcast(QueueGroup(update.Game), frame)
	s.log.Debug("queue update broadcast",
		zap.String("game", update.Game),
		zap.Int("count", update.Count),
		zap.Int("providers", update.AvailableProviders),
		zap.Int("delivered", delivered))
}

// SendCached pushes the last published snapshot for the game to a single
// connection, so a fresh joiner sees current numbers without waiting out the
// debounce window. No-op when the publisher keeps no cache or has no
// snapshot yet.
func (s *Stats) SendCached(ctx context.Context, conn *Conn, game string) {
	reader, ok := s.publisher.(StatsReader)
	if !ok {
		return
	}
	update, found, err := reader.GetStats(ctx, game)
	if err != nil {
		s.log.Warn("reading cached queue snapshot failed",
			zap.String("game", game), zap.Error(err))
		return
	}
	if !found {
		return
	}
	frame, err := EncodeOutbound(TypeQueueUpdate, update)
	if err != nil {
		s.log.Error("encoding cached queue update failed",
			zap.String("game", game), zap.Error(err))
		return
	}
	if err := conn.Push(frame); err != nil {
		s.log.Debug("pushing cached queue update failed",
			zap.String("connId", conn.ID()), zap.Error(err))
	}
}

// Close stops all pending debounce timers. Triggers after Close are ignored.
func (s *Stats) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for game, timer := range s.pending {
		timer.Stop()
		delete(s.pending, game)
	}
}
