package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound event types. Anything outside this closed set is rejected at the
// boundary before dispatch.
const (
	TypeQueueJoin         = "queue.join"
	TypeQueueLeave        = "queue.leave"
	TypeSessionJoin       = "session.join"
	TypeChatSend          = "chat.send"
	TypePresenceSetOnline = "presence.setOnline"
)

// Outbound event types.
const (
	TypeQueueUpdate   = "queue.update"
	TypeMatchFound    = "match.found"
	TypeMatchAccepted = "match.accepted"
	TypeMatchRejected = "match.rejected"
	TypeChatMessage   = "chat.message"
	TypeError         = "error"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound payloads.

// QueueJoin asks to enter the matchmaking queue for a game and mode.
type QueueJoin struct {
	Game string `json:"game"`
	Mode string `json:"mode"`
}

// QueueLeave asks to leave every queue the connection joined.
type QueueLeave struct{}

// SessionJoin asks to enter an active session's chat room.
type SessionJoin struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// ChatSend submits a chat message to a session room.
type ChatSend struct {
	SessionID uuid.UUID `json:"sessionId"`
	Content   string    `json:"content"`
	Type      string    `json:"type,omitempty"`
}

// PresenceSetOnline manually overrides the user's online flag.
type PresenceSetOnline struct {
	IsOnline bool `json:"isOnline"`
}

// Inbound is implemented by every decoded inbound payload.
type Inbound interface {
	inbound()
}

func (QueueJoin) inbound()         {}
func (QueueLeave) inbound()        {}
func (SessionJoin) inbound()       {}
func (ChatSend) inbound()          {}
func (PresenceSetOnline) inbound() {}

// MaxContentLength bounds chat message content.
const MaxContentLength = 2000

// DecodeInbound parses and validates a raw frame into a typed inbound event.
//
// Postcondition: Returns exactly one member of the closed inbound set, or a
// *ValidationError; unknown types and malformed payloads never reach dispatch.
func DecodeInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Reason: "malformed frame"}
	}

	switch env.Type {
	case TypeQueueJoin:
		var ev QueueJoin
		if err := unmarshalPayload(env.Payload, &ev); err != nil {
			return nil, err
		}
		if ev.Game == "" {
			return nil, &ValidationError{Field: "game", Reason: "required"}
		}
		if ev.Mode == "" {
			return nil, &ValidationError{Field: "mode", Reason: "required"}
		}
		return ev, nil

	case TypeQueueLeave:
		return QueueLeave{}, nil

	case TypeSessionJoin:
		var ev SessionJoin
		if err := unmarshalPayload(env.Payload, &ev); err != nil {
			return nil, err
		}
		if ev.SessionID == uuid.Nil {
			return nil, &ValidationError{Field: "sessionId", Reason: "required"}
		}
		return ev, nil

	case TypeChatSend:
		var ev ChatSend
		if err := unmarshalPayload(env.Payload, &ev); err != nil {
			return nil, err
		}
		if ev.SessionID == uuid.Nil {
			return nil, &ValidationError{Field: "sessionId", Reason: "required"}
		}
		if ev.Content == "" {
			return nil, &ValidationError{Field: "content", Reason: "required"}
		}
		if len(ev.Content) > MaxContentLength {
			return nil, &ValidationError{Field: "content", Reason: "too long"}
		}
		if ev.Type == "" {
			ev.Type = "text"
		}
		return ev, nil

	case TypePresenceSetOnline:
		var ev PresenceSetOnline
		if err := unmarshalPayload(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", env.Type)}
	}
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ValidationError{Field: "payload", Reason: "malformed"}
	}
	return nil
}

// Outbound payloads.

// QueueUpdate is the aggregate queue snapshot published to queue watchers.
type QueueUpdate struct {
	Game               string `json:"game"`
	Count              int    `json:"count"`
	EstimatedWaitSec   int    `json:"estimatedWait"`
	AvailableProviders int    `json:"availableProviders"`
}

// Counterpart identifies the other party of a proposed match.
type Counterpart struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Rank     string    `json:"rank"`
}

// MatchFound notifies a party that a pairing has been proposed.
type MatchFound struct {
	SessionID   uuid.UUID   `json:"sessionId"`
	Counterpart Counterpart `json:"counterpart"`
}

// MatchAccepted notifies the client that the provider accepted.
type MatchAccepted struct {
	SessionID        uuid.UUID `json:"sessionId"`
	ProviderID       uuid.UUID `json:"providerId"`
	ProviderUsername string    `json:"providerUsername"`
}

// MatchRejected notifies the client that the provider rejected.
type MatchRejected struct {
	SessionID uuid.UUID `json:"sessionId"`
	Reason    string    `json:"reason"`
}

// ChatMessageEvent is a persisted chat message relayed to a session room.
type ChatMessageEvent struct {
	ID             uuid.UUID `json:"id"`
	SessionID      uuid.UUID `json:"sessionId"`
	SenderID       uuid.UUID `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ErrorEvent surfaces a failed operation to the originating connection only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeOutbound wraps an outbound payload in an Envelope frame.
//
// Precondition: eventType must be one of the outbound type constants.
// Postcondition: Returns the JSON frame, or an error if payload marshalling fails.
func EncodeOutbound(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}
