package types

import (
	"time"
)

type Room struct {
	Id        string        `json:"id" gorm:"primaryKey"`
	Name      string        `json:"name"`
	IsPrivate bool          `json:"is_private"`
	Tags      JSONStringMap `json:"tags"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Membership is the durable record of a user's relationship to a room. It is
// distinct from a live subscription: the row stays around when the user
// leaves, UserLeft is flipped instead, so a departed member remains invitable
// and a re-invite never inserts a second row for the same (user, room) pair.
type Membership struct {
	UserId    string    `json:"user_id" gorm:"primaryKey"`
	RoomId    string    `json:"room_id" gorm:"primaryKey"`
	IsAdmin   bool      `json:"is_admin"`
	UserLeft  bool      `json:"user_left"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// RoomMember is the member shape in a formatted room snapshot.
type RoomMember struct {
	Id        string `json:"id"`
	Name      string `json:"name"`
	AvatarUrl string `json:"avatar_url"`
	IsAdmin   bool   `json:"is_admin"`
	UserLeft  bool   `json:"user_left"`
}

// FormattedRoom is the full room snapshot sent to clients, members and
// recent messages joined in.
type FormattedRoom struct {
	Id        string             `json:"id"`
	Name      string             `json:"name"`
	IsPrivate bool               `json:"is_private"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Members   []RoomMember       `json:"members"`
	Messages  []FormattedMessage `json:"messages"`
}

// Member returns the snapshot member with the given user id, or nil.
func (r *FormattedRoom) Member(userId string) *RoomMember {
	for i := range r.Members {
		if r.Members[i].Id == userId {
			return &r.Members[i]
		}
	}
	return nil
}
