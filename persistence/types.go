package persistence

import (
	"fmt"

	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/types"
)

// Persister is the durable-store collaborator. It owns users, rooms,
// membership records, messages and read markers; live-connection state is
// never persisted.
type Persister interface {
	StoreUser(user types.User) error
	GetUser(user *types.User) error
	GetUsers() ([]*types.User, error)
	DeleteUser(user *types.User) error
	AddFriend(userId, friendId string) (*types.User, *types.User, error)

	StoreRoom(room types.Room) error
	GetRoom(room *types.Room) error
	GetRooms() ([]*types.Room, error)
	DeleteRoom(room *types.Room) error

	// UpsertMemberships adds the users to the room: a missing row is created,
	// a row with UserLeft=true is flipped back. Returns the ids actually
	// added (created or re-entered) and the subset the room has never seen
	// before. Already-active members are left untouched and reported in
	// neither slice.
	UpsertMemberships(roomId string, userIds []string) (added []string, firstTime []string, err error)
	// MarkMembersLeft flips UserLeft on the given memberships. Rows are never
	// deleted so the members stay invitable.
	MarkMembersLeft(roomId string, userIds []string) error
	GetMembership(roomId, userId string) (*types.Membership, error)
	// RoomSnapshot joins members and the most recent messages into the full
	// formatted room.
	RoomSnapshot(roomId string, messageLimit int) (*types.FormattedRoom, error)

	// StoreMessage persists a new message. When readByAuthor is set the
	// author is recorded as its first reader. Fails with types.ErrIntegrity
	// when the room is gone.
	StoreMessage(msg *types.Message, readByAuthor bool) error
	GetMessage(msg *types.Message) error
	UpdateMessageContent(messageId, content string, edited bool) (*types.Message, error)
	MarkMessageDeleted(messageId string) (*types.Message, error)
	// AddReaders records read receipts. The reader set grows monotonically,
	// repeated adds are no-ops.
	AddReaders(messageId string, userIds []string) (*types.Message, error)
	// MarkRoomRead marks every message in the room as read by the user and
	// returns the ids of the messages that were newly marked.
	MarkRoomRead(roomId, userId string) ([]string, error)
	// GetRoomHistory returns the last limit messages of the room,
	// oldest-first, authors populated.
	GetRoomHistory(roomId string, limit int) ([]*types.Message, error)

	Close() error
}

// NewPersister builds the configured backend.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	case "":
		return nil, fmt.Errorf("no persistence backend configured")
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.PersistenceConfig.Type)
}
