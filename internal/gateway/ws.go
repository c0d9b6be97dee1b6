// Package gateway is the websocket transport: it authenticates upgrade
// requests, hands connections to the broker, and runs the per-connection
// read loop and write pump.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/squadmate-gg/backend/internal/auth"
	"github.com/squadmate-gg/backend/internal/broker"
	"github.com/squadmate-gg/backend/internal/config"
)

const writeTimeout = 10 * time.Second

// Gateway upgrades authenticated HTTP requests to websocket connections.
type Gateway struct {
	broker   *broker.Broker
	verifier *auth.Verifier
	users    broker.UserStore
	cfg      config.GatewayConfig
	upgrader websocket.Upgrader
	log      *zap.Logger
	connSeq  atomic.Int64
}

// New creates the websocket gateway.
func New(b *broker.Broker, verifier *auth.Verifier, users broker.UserStore, cfg config.GatewayConfig, log *zap.Logger) *Gateway {
	return &Gateway{
		broker:   b,
		verifier: verifier,
		users:    users,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// HandleWS authenticates and upgrades a websocket request. The credential is
// verified before the upgrade: a missing, invalid, or expired token yields
// 401 and no presence or queue state is touched.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	userID, err := g.verifier.Verify(token)
	if err != nil {
		g.log.Debug("credential rejected", zap.Error(err))
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}
	user, err := g.users.GetByID(r.Context(), userID)
	if err != nil {
		g.log.Debug("unknown token subject",
			zap.String("userId", userID.String()), zap.Error(err))
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := fmt.Sprintf("ws-%d-%d", time.Now().UnixNano(), g.connSeq.Add(1))
	conn := broker.NewConn(connID, broker.Identity{
		UserID:        user.ID,
		Username:      user.Username,
		IsProvider:    user.IsProvider,
		PreferredGame: user.PreferredGame,
		Rank:          user.Rank,
	}, g.cfg.SendBuffer)

	if err := g.broker.Connect(r.Context(), conn); err != nil {
		g.log.Warn("registering connection failed",
			zap.String("connId", connID), zap.Error(err))
		ws.Close()
		return
	}

	go g.writePump(ws, conn)
	g.readLoop(ws, conn)
}

// extractToken pulls the credential from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query param.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// readLoop consumes inbound frames and dispatches them one at a time, so
// events from a single connection are handled in strict order. Returns when
// the peer disconnects or the read deadline lapses without a pong.
func (g *Gateway) readLoop(ws *websocket.Conn, conn *broker.Conn) {
	defer func() {
		g.broker.Disconnect(context.Background(), conn.ID())
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(g.cfg.ReadDeadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.cfg.ReadDeadline))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("websocket read failed",
					zap.String("connId", conn.ID()), zap.Error(err))
			}
			return
		}
		g.dispatch(conn, data)
	}
}

// dispatch runs one event with per-event context.
func (g *Gateway) dispatch(conn *broker.Conn, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g.broker.Dispatch(ctx, conn, data)
}

// writePump drains the connection's outbound buffer onto the wire and pings
// on an interval. Exits when the buffer channel closes (connection torn
// down) or a write fails.
func (g *Gateway) writePump(ws *websocket.Conn, conn *broker.Conn) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame, ok := <-conn.Events():
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.log.Debug("websocket write failed",
					zap.String("connId", conn.ID()), zap.Error(err))
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
