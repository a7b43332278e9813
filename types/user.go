package types

import (
	"time"
)

// AssistantUserId is the reserved id of the AI assistant participant. The
// assistant is a regular user as far as memberships are concerned, a message
// authored by this id has the "assistant" role when a conversation context is
// rebuilt.
const AssistantUserId = "chat-bot"

type User struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex"`
	Email     string    `json:"email" gorm:"uniqueIndex"`
	Password  string    `json:"-"` // bcrypt hash, never serialized
	AvatarUrl string    `json:"avatar_url"`
	IsDeleted bool      `json:"is_deleted"` // soft-deleted, kept while messages reference the user
	Friends   []*User   `json:"friends,omitempty" gorm:"many2many:user_friends;joinForeignKey:UserId;joinReferences:FriendId"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// MessageAuthor is the reduced user shape embedded in formatted messages and
// friend notifications.
type MessageAuthor struct {
	Id        string `json:"id"`
	Name      string `json:"name"`
	AvatarUrl string `json:"avatar_url"`
	IsDeleted bool   `json:"is_deleted"`
}

func (u *User) Author() MessageAuthor {
	return MessageAuthor{
		Id:        u.Id,
		Name:      u.Name,
		AvatarUrl: u.AvatarUrl,
		IsDeleted: u.IsDeleted,
	}
}

func (u *User) IsAssistant() bool {
	return u.Id == AssistantUserId
}
