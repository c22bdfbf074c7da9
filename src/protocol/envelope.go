package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of message carried by an Envelope.
type Type string

const (
	TypeActivity        Type = "activity"
	TypeNotification    Type = "notification"
	TypePlaylistUpdate  Type = "playlist_update"
	TypeMessengerInvite Type = "messenger_invite"
	TypeInitialState    Type = "initial_state"
	TypeAuth            Type = "auth"
	TypeError           Type = "error"
)

// Known reports whether t is a type this version of the protocol dispatches.
// Unknown types still decode; they are skipped at dispatch time so newer
// peers do not break older ones.
func (t Type) Known() bool {
	switch t {
	case TypeActivity, TypeNotification, TypePlaylistUpdate,
		TypeMessengerInvite, TypeInitialState, TypeAuth, TypeError:
		return true
	}
	return false
}

// Envelope is the typed wrapper around every realtime message.
// It is immutable once constructed.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with the payload serialized in place.
func New(t Type, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// ActivityPayload describes a single activity-feed entry.
type ActivityPayload struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username,omitempty"`
	Action   string    `json:"action"`
	Subject  string    `json:"subject,omitempty"`
	At       time.Time `json:"at"`
}

// NotificationPayload is pushed for follows, likes and similar events.
// Message is shown to the user verbatim; clients rely on it being set.
type NotificationPayload struct {
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// PlaylistUpdatePayload tells the client its cached view of a playlist is
// stale. It carries no playlist contents; the client re-fetches.
type PlaylistUpdatePayload struct {
	PlaylistID string `json:"playlistId"`
}

// MessengerInvitePayload invites the recipient into a conversation.
type MessengerInvitePayload struct {
	FromUserID     string `json:"fromUserId"`
	FromUsername   string `json:"fromUsername,omitempty"`
	ConversationID string `json:"conversationId"`
}

// InitialStatePayload is the one-time snapshot sent right after a
// connection authenticates, so the client needs no REST round-trip to
// close the gap between connecting and the first push event.
type InitialStatePayload struct {
	Notifications []NotificationPayload `json:"notifications"`
	Activity      []ActivityPayload     `json:"activity"`
}

// AuthPayload is the first client message on a new socket.
type AuthPayload struct {
	Token           string `json:"token"`
	CurrentActivity string `json:"currentActivity,omitempty"`
}

// Error codes carried by ErrorPayload.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeMalformed       = "malformed_envelope"
)

// ErrorPayload is sent to a client before the server gives up on it.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
