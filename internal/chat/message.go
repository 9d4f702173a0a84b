// Package chat holds the domain types shared by the storage, cache, bus and
// connection layers.
package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageType classifies a chat message.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeSystem MessageType = "system"
	TypeAI     MessageType = "ai"
	TypeFile   MessageType = "file"
)

// DefaultMaxContent bounds message content when no explicit limit is configured.
const DefaultMaxContent = 8192

// Reader records that a user has read a message.
type Reader struct {
	UserID string    `json:"userId" bson:"user_id"`
	ReadAt time.Time `json:"readAt" bson:"read_at"`
}

// Message is the unit of chat history. Messages are immutable after creation
// except for Readers, Reactions and Deleted.
type Message struct {
	ID        string              `json:"id" bson:"_id"`
	RoomID    string              `json:"roomId" bson:"room_id"`
	SenderID  string              `json:"senderId,omitempty" bson:"sender_id,omitempty"`
	Sender    *UserSummary        `json:"sender,omitempty" bson:"-"`
	Type      MessageType         `json:"type" bson:"type"`
	Content   string              `json:"content,omitempty" bson:"content,omitempty"`
	FileID    string              `json:"fileId,omitempty" bson:"file_id,omitempty"`
	File      *FileSummary        `json:"file,omitempty" bson:"-"`
	AIKind    string              `json:"aiKind,omitempty" bson:"ai_kind,omitempty"`
	Mentions  []string            `json:"mentions,omitempty" bson:"mentions,omitempty"`
	Timestamp time.Time           `json:"timestamp" bson:"timestamp"`
	Readers   []Reader            `json:"readers,omitempty" bson:"readers,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty" bson:"reactions,omitempty"`
	Deleted   bool                `json:"deleted,omitempty" bson:"deleted"`
	TempID    string              `json:"tempId,omitempty" bson:"temp_id,omitempty"`
}

// Validate checks the structural rules of a message. maxContent <= 0 uses
// DefaultMaxContent.
func (m *Message) Validate(maxContent int) error {
	if maxContent <= 0 {
		maxContent = DefaultMaxContent
	}
	if strings.TrimSpace(m.RoomID) == "" {
		return fmt.Errorf("%w: room is required", ErrValidation)
	}
	switch m.Type {
	case TypeText, TypeSystem, TypeAI:
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: content is required", ErrValidation)
		}
	case TypeFile:
		if m.FileID == "" {
			return fmt.Errorf("%w: file id is required for file messages", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, m.Type)
	}
	if (m.Type == TypeAI) != (m.AIKind != "") {
		return fmt.Errorf("%w: ai kind must be set exactly for ai messages", ErrValidation)
	}
	if m.Type == TypeText && m.SenderID == "" {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if utf8.RuneCountInString(m.Content) > maxContent {
		return fmt.Errorf("%w: content exceeds %d characters", ErrValidation, maxContent)
	}
	return nil
}

// HasReader reports whether userID is already recorded as a reader.
func (m *Message) HasReader(userID string) bool {
	for _, r := range m.Readers {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Now returns the current time truncated to the millisecond precision used
// for ordering and pagination cursors.
func Now() time.Time {
	return Millis(time.Now())
}

// Millis truncates t to milliseconds in UTC.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}
