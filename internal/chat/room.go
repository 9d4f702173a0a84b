package chat

import "time"

// Room is a named conversation space.
type Room struct {
	ID           string    `json:"id" bson:"_id"`
	Name         string    `json:"name" bson:"name"`
	CreatorID    string    `json:"creatorId" bson:"creator_id"`
	PasswordHash string    `json:"-" bson:"password_hash,omitempty"`
	Participants []string  `json:"participants" bson:"participants"`
	CreatedAt    time.Time `json:"createdAt" bson:"created_at"`
}

// HasPassword reports whether joining the room requires a password.
func (r Room) HasPassword() bool {
	return r.PasswordHash != ""
}

// HasParticipant reports whether userID is a member of the room.
func (r Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// UserSummary is the public view of a user attached to messages.
type UserSummary struct {
	ID    string `json:"id" bson:"_id"`
	Name  string `json:"name" bson:"name"`
	Email string `json:"email,omitempty" bson:"email,omitempty"`
}

// FileSummary is the metadata attached to file messages.
type FileSummary struct {
	ID       string `json:"id" bson:"_id"`
	Filename string `json:"filename" bson:"filename"`
	MimeType string `json:"mimeType" bson:"mime_type"`
	Size     int64  `json:"size" bson:"size"`
}

// ParticipantOp selects how UpdateParticipants changes membership.
type ParticipantOp string

const (
	ParticipantAdd    ParticipantOp = "add"
	ParticipantRemove ParticipantOp = "remove"
)
