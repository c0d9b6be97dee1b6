// Package api exposes the broker's HTTP surface: the websocket upgrade
// endpoint, the internal matcher trigger, the provider decision endpoints,
// and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadmate-gg/backend/internal/auth"
	"github.com/squadmate-gg/backend/internal/broker"
)

// MatchCoordinator drives the handshake from HTTP callers: the external
// matcher triggers offers, providers submit decisions.
type MatchCoordinator interface {
	Trigger(ctx context.Context, sessionID uuid.UUID) error
	Accept(ctx context.Context, sessionID, by uuid.UUID) error
	Reject(ctx context.Context, sessionID, by uuid.UUID, reason string) error
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type ctxKey int

const userIDKey ctxKey = 0

// Handler bundles the HTTP route handlers.
type Handler struct {
	matches  MatchCoordinator
	verifier *auth.Verifier
	checks   map[string]HealthCheck
	log      *zap.Logger
}

// NewRouter builds the chi router. wsHandler serves GET /ws; checks are
// probed by /healthz.
func NewRouter(wsHandler http.HandlerFunc, matches MatchCoordinator, verifier *auth.Verifier, checks map[string]HealthCheck, log *zap.Logger) chi.Router {
	h := &Handler{matches: matches, verifier: verifier, checks: checks, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", wsHandler)
	r.Get("/healthz", h.health)

	// Called by the matcher service, reachable only on the internal network.
	r.Route("/internal/v1", func(r chi.Router) {
		r.Post("/matches", h.triggerMatch)
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/{sessionID}/accept", h.acceptMatch)
		r.Post("/{sessionID}/reject", h.rejectMatch)
	})

	return r
}

// requireAuth verifies the Bearer token and stashes the subject user ID.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeError(w, http.StatusUnauthorized, "missing credential")
			return
		}
		userID, err := h.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credential")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// triggerRequest carries only the session id; the participant identities are
// read from the session row, never trusted from the caller. Extra body fields
// are ignored.
type triggerRequest struct {
	SessionID uuid.UUID `json:"session_id"`
}

// triggerMatch lets the external matcher offer an already-persisted pending
// session to both parties.
func (h *Handler) triggerMatch(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	if err := h.matches.Trigger(r.Context(), req.SessionID); err != nil {
		h.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "offered"})
}

func (h *Handler) acceptMatch(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	userID := r.Context().Value(userIDKey).(uuid.UUID)
	if err := h.matches.Accept(r.Context(), sessionID, userID); err != nil {
		h.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) rejectMatch(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req rejectRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	userID := r.Context().Value(userIDKey).(uuid.UUID)
	if err := h.matches.Reject(r.Context(), sessionID, userID, req.Reason); err != nil {
		h.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	result := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			h.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
			result[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			result[name] = "ok"
		}
	}
	writeJSON(w, status, result)
}

// writeCoordinatorError maps handshake errors onto HTTP statuses.
func (h *Handler) writeCoordinatorError(w http.ResponseWriter, err error) {
	var vErr *broker.ValidationError
	var pErr *broker.PersistenceError
	switch {
	case errors.Is(err, broker.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, broker.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not your decision to make")
	case errors.As(err, &vErr):
		writeError(w, http.StatusConflict, vErr.Error())
	case errors.As(err, &pErr):
		writeError(w, http.StatusServiceUnavailable, "store unavailable, retry")
	default:
		h.log.Error("unhandled coordinator error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
