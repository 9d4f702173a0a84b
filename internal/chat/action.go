package chat

import "time"

// Actions a client may send.
const (
	ActionAuth           = "auth"
	ActionJoinRoom       = "join-room"
	ActionLeaveRoom      = "leave-room"
	ActionMessage        = "message"
	ActionFetchPrevious  = "fetch-previous-messages"
	ActionMarkRead       = "mark-read"
	ActionAddReaction    = "add-reaction"
	ActionRemoveReaction = "remove-reaction"
	ActionDeleteMessage  = "delete-message"
	ActionCreateRoom     = "create-room"
	ActionPing           = "ping"
)

type AuthRequest struct {
	Token string `json:"token"`
}

type JoinRequest struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password,omitempty"`
}

type LeaveRequest struct {
	RoomID string `json:"roomId,omitempty"`
}

// SendRequest submits a new message to the sender's current room.
type SendRequest struct {
	RoomID   string      `json:"roomId,omitempty"`
	TempID   string      `json:"tempId,omitempty"`
	Type     MessageType `json:"type,omitempty"`
	Content  string      `json:"content,omitempty"`
	FileID   string      `json:"fileId,omitempty"`
	Mentions []string    `json:"mentions,omitempty"`
}

// FetchRequest asks for the page of history strictly older than Before.
type FetchRequest struct {
	RoomID string    `json:"roomId,omitempty"`
	Before time.Time `json:"before,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type DeleteRequest struct {
	MessageID string `json:"messageId"`
}

type CreateRoomRequest struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}
