package broker

import (
	"context"

	"go.uber.org/zap"
)

// Broker composes the realtime core and dispatches decoded events to it.
// One Broker is constructed per process and shared by reference; all state
// it guards is either in the Registry or behind the durable store.
type Broker struct {
	registry  *Registry
	presence  *Presence
	queue     *Queue
	stats     *Stats
	handshake *Handshake
	relay     *Relay
	log       *zap.Logger
}

// New assembles a Broker from its components.
func New(registry *Registry, presence *Presence, queue *Queue, stats *Stats, handshake *Handshake, relay *Relay, log *zap.Logger) *Broker {
	return &Broker{
		registry:  registry,
		presence:  presence,
		queue:     queue,
		stats:     stats,
		handshake: handshake,
		relay:     relay,
		log:       log,
	}
}

// Registry exposes the connection registry to the transport.
func (b *Broker) Registry() *Registry { return b.registry }

// Handshake exposes the coordinator to the matcher HTTP surface.
func (b *Broker) Handshake() *Handshake { return b.handshake }

// Connect registers an authenticated connection: it joins the user's private
// channel, providers additionally join the provider pools, and presence is
// bumped. Runs after credential verification; a failed registration leaves
// no state behind.
func (b *Broker) Connect(ctx context.Context, conn *Conn) error {
	if err := b.registry.Register(conn); err != nil {
		return err
	}
	id := conn.Identity()
	if err := b.registry.Join(conn.ID(), UserGroup(id.UserID)); err != nil {
		_, _ = b.registry.Unregister(conn.ID())
		return err
	}
	if id.IsProvider {
		_ = b.registry.Join(conn.ID(), ProvidersGroup)
		if id.PreferredGame != "" {
			_ = b.registry.Join(conn.ID(), GameProvidersGroup(id.PreferredGame))
			b.stats.Trigger(id.PreferredGame)
		}
	}
	if err := b.presence.Connected(ctx, id.UserID); err != nil {
		b.log.Warn("presence connect failed",
			zap.String("userId", id.UserID.String()), zap.Error(err))
	}
	b.log.Info("connection established",
		zap.String("connId", conn.ID()),
		zap.String("userId", id.UserID.String()),
		zap.Bool("provider", id.IsProvider))
	return nil
}

// Disconnect tears a connection down: queue membership cleanup, group
// unregistration, provider-pool recompute, presence decrement. Safe to call
// for a connection that already vanished.
//
// Postcondition: An offered handshake involving the user is untouched; only
// an explicit accept or reject resolves it.
func (b *Broker) Disconnect(ctx context.Context, connID string) {
	conn, ok := b.registry.Get(connID)
	if !ok {
		return
	}
	id := conn.Identity()

	if err := b.queue.Leave(ctx, conn); err != nil {
		b.log.Warn("queue cleanup on disconnect failed",
			zap.String("connId", connID), zap.Error(err))
	}
	if _, err := b.registry.Unregister(connID); err != nil {
		b.log.Warn("unregistering connection failed",
			zap.String("connId", connID), zap.Error(err))
	}
	if id.IsProvider && id.PreferredGame != "" {
		b.stats.Trigger(id.PreferredGame)
	}
	if err := b.presence.Disconnected(ctx, id.UserID); err != nil {
		b.log.Warn("presence disconnect failed",
			zap.String("userId", id.UserID.String()), zap.Error(err))
	}
	b.log.Info("connection closed",
		zap.String("connId", connID),
		zap.String("userId", id.UserID.String()))
}

// Dispatch handles one raw inbound frame from a connection. The transport
// calls it serially per connection. Failures are isolated: any error, or a
// panicking handler, produces an error event on the originating connection
// and never affects other connections or the process.
func (b *Broker) Dispatch(ctx context.Context, conn *Conn, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("event handler panicked",
				zap.String("connId", conn.ID()),
				zap.Any("panic", rec))
			b.sendError(conn, "internal", "internal error")
		}
	}()

	event, err := DecodeInbound(raw)
	if err != nil {
		b.sendError(conn, errorCode(err), err.Error())
		return
	}

	switch ev := event.(type) {
	case QueueJoin:
		err = b.queue.Join(ctx, conn, ev.Game, ev.Mode)
	case QueueLeave:
		err = b.queue.Leave(ctx, conn)
	case SessionJoin:
		err = b.relay.JoinRoom(ctx, conn, ev.SessionID)
	case ChatSend:
		err = b.relay.Send(ctx, conn, ev.SessionID, ev.Content, ev.Type)
	case PresenceSetOnline:
		err = b.presence.Override(ctx, conn.UserID(), ev.IsOnline)
	}
	if err != nil {
		b.log.Debug("event failed",
			zap.String("connId", conn.ID()),
			zap.Error(err))
		b.sendError(conn, errorCode(err), err.Error())
	}
}

// sendError pushes an error event to the originating connection only.
func (b *Broker) sendError(conn *Conn, code, message string) {
	frame, err := EncodeOutbound(TypeError, ErrorEvent{Code: code, Message: message})
	if err != nil {
		b.log.Error("encoding error event failed", zap.Error(err))
		return
	}
	if err := conn.Push(frame); err != nil {
		b.log.Debug("delivering error event failed",
			zap.String("connId", conn.ID()), zap.Error(err))
	}
}
