package ws

import (
	"fmt"

	"github.com/charli-chat/charli-chat/globals"
	"github.com/charli-chat/charli-chat/persistence"
	"github.com/charli-chat/charli-chat/types"
)

// RoomCoordinator applies durable membership changes and fans the resulting
// room snapshots out over the hub.
type RoomCoordinator struct {
	hub         *Hub
	persister   persistence.Persister
	historySize int
}

func NewRoomCoordinator(hub *Hub, persister persistence.Persister, historySize int) *RoomCoordinator {
	return &RoomCoordinator{hub: hub, persister: persister, historySize: historySize}
}

// JoinLive subscribes the connection to each room's live broadcasts.
// Re-joining an already subscribed room is a no-op, durable membership is
// not touched.
func (rc *RoomCoordinator) JoinLive(c *Client, roomIds []string) {
	for _, roomId := range roomIds {
		if roomId == "" {
			continue
		}
		if rc.hub.Subscribe(c, roomId) {
			globals.AppLogger.Debug("joined room", "connection", c.Id, "user", c.user.Id, "room", roomId)
		}
	}
}

// Invite upserts memberships for the invitees, then broadcasts the updated
// room snapshot to the room and, for users the room has never seen before,
// to their connections not yet subscribed to it. Returns the snapshot and
// the members actually added.
func (rc *RoomCoordinator) Invite(inviter *types.User, roomId string, friendIds []string) (*types.FormattedRoom, []types.RoomMember, error) {
	if roomId == "" || len(friendIds) == 0 {
		return nil, nil, fmt.Errorf("invite needs a room id and at least one user id: %w", types.ErrValidation)
	}
	added, firstTime, err := rc.persister.UpsertMemberships(roomId, friendIds)
	if err != nil {
		return nil, nil, err
	}
	snapshot, err := rc.persister.RoomSnapshot(roomId, rc.historySize)
	if err != nil {
		return nil, nil, err
	}
	addedSet := make(map[string]struct{}, len(added))
	for _, id := range added {
		addedSet[id] = struct{}{}
	}
	addedMembers := make([]types.RoomMember, 0, len(added))
	for _, member := range snapshot.Members {
		if _, ok := addedSet[member.Id]; ok {
			addedMembers = append(addedMembers, member)
		}
	}
	event := types.NewEvent(types.EventInvitedToRoom, types.RoomUpdate{
		Room:         *snapshot,
		AddedMembers: addedMembers,
	})
	event.Source = inviter
	rc.hub.BroadcastRoom(roomId, event)
	rc.hub.NotifyUsersNotViewing(firstTime, roomId, event)
	globals.AppLogger.Info("invited users to room", "room", roomId, "added", len(added), "first_time", len(firstTime))
	return snapshot, addedMembers, nil
}

// Remove flips the memberships to left and broadcasts the updated snapshot.
// The removed users' live subscriptions are deliberately kept: their clients
// drop the room on receiving the event, and a mid-flight message still
// reaches them until then.
func (rc *RoomCoordinator) Remove(remover *types.User, roomId string, friendIds []string) (*types.FormattedRoom, error) {
	if roomId == "" || len(friendIds) == 0 {
		return nil, fmt.Errorf("remove needs a room id and at least one user id: %w", types.ErrValidation)
	}
	if err := rc.persister.MarkMembersLeft(roomId, friendIds); err != nil {
		return nil, err
	}
	snapshot, err := rc.persister.RoomSnapshot(roomId, rc.historySize)
	if err != nil {
		return nil, err
	}
	event := types.NewEvent(types.EventRemovedFromRoom, types.RoomUpdate{
		Room:       *snapshot,
		RemovedIds: friendIds,
	})
	event.Source = remover
	rc.hub.BroadcastRoom(roomId, event)
	// subscribed connections of the removed users are covered by the room
	// broadcast, only their other devices need the direct delivery
	rc.hub.NotifyUsersNotViewing(friendIds, roomId, event)
	return snapshot, nil
}

// AddFriends creates the symmetric friend relation with each given user and
// notifies both parties' connections. Individual failures abort the loop and
// surface to the caller, already-created relations stay.
func (rc *RoomCoordinator) AddFriends(user *types.User, friendIds []string) error {
	if len(friendIds) == 0 {
		return fmt.Errorf("add-friend needs at least one user id: %w", types.ErrValidation)
	}
	for _, friendId := range friendIds {
		u, f, err := rc.persister.AddFriend(user.Id, friendId)
		if err != nil {
			return err
		}
		rc.hub.BroadcastUsers([]string{u.Id}, types.NewEvent(types.EventAddedFriend, types.FriendUpdate{
			User:   u.Author(),
			Friend: f.Author(),
		}))
		rc.hub.BroadcastUsers([]string{f.Id}, types.NewEvent(types.EventAddedFriend, types.FriendUpdate{
			User:   f.Author(),
			Friend: u.Author(),
		}))
	}
	return nil
}
