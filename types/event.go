package types

// Inbound event names (client -> server).
const (
	EventJoinRoom       = "join-room"
	EventSendMessage    = "send-message"
	EventInviteToRoom   = "invite-to-room"
	EventRemoveFromRoom = "remove-from-room"
	EventAddFriend      = "add-friend"
	EventEditMessage    = "edit-message"
	EventDeleteMessage  = "delete-message"
	EventReadRoom       = "read-room"
)

// Outbound event names (server -> client).
const (
	EventReceiveMessage   = "receive-message"
	EventStreamBotMessage = "stream-bot-message"
	EventInvitedToRoom    = "invited-to-room"
	EventRemovedFromRoom  = "removed-from-room"
	EventAddedFriend      = "added-friend"
	EventEditedMessage    = "edited-message"
	EventDeletedMessage   = "deleted-message"
	EventReadMessages     = "read-messages"
	EventRoomInfo         = "room-info"
	EventError            = "error"
)

// Event is one outbound fan-out unit. TargetFilter optionally restricts
// delivery: a non-empty filter is an expr expression evaluated per receiving
// client against filter.Env, only clients for which it yields true get the
// event.
type Event struct {
	Name         string
	Data         interface{}
	Source       *User
	Room         *Room
	TargetFilter string
}

func NewEvent(name string, data interface{}) *Event {
	return &Event{Name: name, Data: data}
}

// Inbound payloads. Field names follow mapstructure decoding of the wire
// "data" object.

type JoinRoomPayload struct {
	RoomIds []string `mapstructure:"room_ids"`
}

type SendMessagePayload struct {
	RoomId  string `mapstructure:"room_id"`
	Content string `mapstructure:"content"`
	Filter  string `mapstructure:"filter"` // optional target filter expression
}

type InviteToRoomPayload struct {
	RoomId    string   `mapstructure:"room_id"`
	FriendIds []string `mapstructure:"friend_ids"`
}

type RemoveFromRoomPayload struct {
	RoomId    string   `mapstructure:"room_id"`
	FriendIds []string `mapstructure:"friend_ids"`
}

type AddFriendPayload struct {
	FriendIds []string `mapstructure:"friend_ids"`
}

type EditMessagePayload struct {
	MessageId string `mapstructure:"message_id"`
	Content   string `mapstructure:"content"`
}

type DeleteMessagePayload struct {
	MessageId string `mapstructure:"message_id"`
}

type ReadRoomPayload struct {
	RoomId string `mapstructure:"room_id"`
}

// Outbound payloads.

// StreamChunk is one incremental assistant token. Clients append Text to the
// bubble anchored by MessageId instead of rendering a new message.
type StreamChunk struct {
	MessageId string `json:"message_id"`
	Text      string `json:"text"`
}

// RoomUpdate carries a room snapshot after a membership change.
// AddedMembers holds only the members actually added by an invite (new rows
// or re-entries), never the ones who were already active.
type RoomUpdate struct {
	Room         FormattedRoom `json:"room"`
	AddedMembers []RoomMember  `json:"added_members,omitempty"`
	RemovedIds   []string      `json:"removed_ids,omitempty"`
}

// FriendUpdate notifies one party of a new symmetric friend relation.
// User is the recipient's own record, Friend the other party.
type FriendUpdate struct {
	User   MessageAuthor `json:"user"`
	Friend MessageAuthor `json:"friend"`
}

// ReadReceipts reports messages marked read in a room.
type ReadReceipts struct {
	RoomId     string   `json:"room_id"`
	ReaderId   string   `json:"reader_id"`
	MessageIds []string `json:"message_ids"`
}

// InfoPayload is the periodic occupancy snapshot.
type InfoPayload struct {
	Connections   int `json:"connections"`
	Users         int `json:"users"`
	ActiveRooms   int `json:"active_rooms"`
	Subscriptions int `json:"subscriptions"`
}

// ErrorPayload is a client-visible failure notice for an operation that could
// not complete (f.e. sending into a room that no longer exists).
type ErrorPayload struct {
	Operation string `json:"operation"`
	Message   string `json:"message"`
}
