package types

import (
	"time"
)

type Message struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	Content   string    `json:"content"`
	UserId    string    `json:"user_id" gorm:"index"`
	RoomId    string    `json:"room_id" gorm:"index"`
	Edited    bool      `json:"edited"`
	Deleted   bool      `json:"deleted"`
	User      *User     `json:"user,omitempty"`
	Readers   []*User   `json:"readers,omitempty" gorm:"many2many:message_readers;joinForeignKey:MessageId;joinReferences:UserId"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FormattedMessage is the wire shape of a message: author display fields and
// the current reader set joined in.
type FormattedMessage struct {
	Id        string          `json:"id"`
	Content   string          `json:"content"`
	RoomId    string          `json:"room_id"`
	Edited    bool            `json:"edited"`
	Deleted   bool            `json:"deleted"`
	User      MessageAuthor   `json:"user"`
	ReadBy    []MessageAuthor `json:"read_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Format builds the wire shape of the message. The author and reader
// associations must be populated.
func (m *Message) Format() FormattedMessage {
	fm := FormattedMessage{
		Id:        m.Id,
		Content:   m.Content,
		RoomId:    m.RoomId,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
		ReadBy:    make([]MessageAuthor, 0, len(m.Readers)),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.User != nil {
		fm.User = m.User.Author()
	} else {
		fm.User = MessageAuthor{Id: m.UserId}
	}
	for _, r := range m.Readers {
		fm.ReadBy = append(fm.ReadBy, r.Author())
	}
	return fm
}
