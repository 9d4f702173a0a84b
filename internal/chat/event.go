package chat

import (
	"encoding/json"
	"time"
)

// Event names delivered to clients.
const (
	EventConnected             = "connected"
	EventDisconnected          = "disconnected"
	EventDuplicateLoginWarning = "duplicate-login-warning"
	EventSessionEnded          = "session-ended"
	EventJoined                = "joined"
	EventLeft                  = "left"
	EventParticipantsUpdated   = "participants-updated"
	EventRoomUpdated           = "room-updated"
	EventMessageSentAck        = "message-sent-ack"
	EventMessage               = "message"
	EventPreviousMessages      = "previous-messages"
	EventReactionUpdated       = "reaction-updated"
	EventReadUpdated           = "read-updated"
	EventMessageDeleted        = "message-deleted"
	EventAIStart               = "ai-start"
	EventAIChunk               = "ai-chunk"
	EventAIComplete            = "ai-complete"
	EventAIError               = "ai-error"
	EventError                 = "error"
	EventPong                  = "pong"
)

// Terminal reasons carried by session-ended and disconnected events.
const (
	ReasonDuplicateLogin = "duplicate_login"
	ReasonSessionInvalid = "session_invalid"
	ReasonServerShutdown = "server_shutdown"
)

// Event is a named payload scoped to a room (or to no room for global and
// per-connection events).
type Event struct {
	Name string          `json:"event"`
	Room string          `json:"room,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes payload into an Event. Payloads are plain structs; an
// encoding failure leaves Data empty.
func NewEvent(name, room string, payload any) Event {
	ev := Event{Name: name, Room: room}
	if payload == nil {
		return ev
	}
	if raw, err := json.Marshal(payload); err == nil {
		ev.Data = raw
	}
	return ev
}

// Decode unmarshals the event payload into dst.
func (e Event) Decode(dst any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, dst)
}

// ConnectedPayload is sent once a connection becomes active.
type ConnectedPayload struct {
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	SessionID  string `json:"sessionId"`
	InstanceID string `json:"instanceId"`
}

// DuplicateLoginPayload warns a connection that it is about to be replaced.
type DuplicateLoginPayload struct {
	Message string `json:"message"`
	GraceMs int64  `json:"graceMs"`
}

// SessionEndedPayload carries the terminal reason of a connection.
type SessionEndedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// JoinedPayload confirms a room join to the joining connection.
type JoinedPayload struct {
	Room         Room          `json:"room"`
	Participants []UserSummary `json:"participants"`
}

// PresencePayload reports that a user left a room or lost its connection.
type PresencePayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// ParticipantsPayload lists the current members of a room.
type ParticipantsPayload struct {
	RoomID       string        `json:"roomId"`
	Participants []UserSummary `json:"participants"`
}

// RoomUpdatedPayload is broadcast on the room-list topic.
type RoomUpdatedPayload struct {
	Room Room `json:"room"`
}

// AckPayload acknowledges that a message was accepted for persistence.
type AckPayload struct {
	TempID    string    `json:"tempId"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryPayload answers a fetch-previous-messages request.
type HistoryPayload struct {
	RoomID          string     `json:"roomId"`
	Messages        []Message  `json:"messages"`
	HasMore         bool       `json:"hasMore"`
	OldestTimestamp *time.Time `json:"oldestTimestamp,omitempty"`
}

// ReactionPayload carries the full reaction map of a message after a change.
type ReactionPayload struct {
	MessageID string              `json:"messageId"`
	Reactions map[string][]string `json:"reactions"`
}

// ReadPayload reports that a user read a set of messages.
type ReadPayload struct {
	MessageIDs []string  `json:"messageIds"`
	UserID     string    `json:"userId"`
	ReadAt     time.Time `json:"readAt"`
}

// DeletedPayload reports a soft-deleted message.
type DeletedPayload struct {
	MessageID string `json:"messageId"`
}

// AIStartPayload announces a new streaming AI response.
type AIStartPayload struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// AIChunkPayload carries one chunk plus the accumulated content.
type AIChunkPayload struct {
	ID      string `json:"id"`
	Chunk   string `json:"chunk"`
	Content string `json:"fullContent"`
}

// AICompletePayload carries the final content of a stream.
type AICompletePayload struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Message Message `json:"message"`
}

// AIErrorPayload reports a failed stream.
type AIErrorPayload struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ErrorPayload is sent to a single connection when one of its requests fails.
type ErrorPayload struct {
	Action    string `json:"action,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewErrorEvent builds the error event for a failed client action.
func NewErrorEvent(action string, err error) Event {
	return NewEvent(EventError, "", ErrorPayload{
		Action:    action,
		Code:      Code(err),
		Message:   err.Error(),
		Retryable: IsRetryable(err),
	})
}
