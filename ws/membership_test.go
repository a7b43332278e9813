package ws

import (
	"errors"
	"testing"

	"github.com/charli-chat/charli-chat/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInviteCreatesAndReenters(t *testing.T) {
	p := newTestPersister(t)
	hub := NewHub()
	rc := NewRoomCoordinator(hub, p, 20)

	alice := seedUser(t, p, "alice", "Alice")
	seedUser(t, p, "bob", "Bob")
	seedRoom(t, p, "general", "General")
	_, _, err := p.UpsertMemberships("general", []string{"alice"})
	require.NoError(t, err)

	aliceConn := testClient(hub, alice)
	hub.Subscribe(aliceConn, "general")

	snapshot, added, err := rc.Invite(alice, "general", []string{"bob"})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "bob", added[0].Id)
	assert.False(t, added[0].UserLeft)
	require.NotNil(t, snapshot.Member("alice"))
	require.NotNil(t, snapshot.Member("bob"))

	msgs := received(t, aliceConn)
	require.Equal(t, []string{types.EventInvitedToRoom}, eventNames(msgs))

	// inviting an active member again adds nobody
	_, added, err = rc.Invite(alice, "general", []string{"bob"})
	require.NoError(t, err)
	assert.Empty(t, added)

	// after leaving, a re-invite flips the same membership row back
	require.NoError(t, p.MarkMembersLeft("general", []string{"bob"}))
	_, added, err = rc.Invite(alice, "general", []string{"bob"})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "bob", added[0].Id)
	membership, err := p.GetMembership("general", "bob")
	require.NoError(t, err)
	assert.False(t, membership.UserLeft)
}

func TestInviteNotifiesFirstTimeDevices(t *testing.T) {
	p := newTestPersister(t)
	hub := NewHub()
	rc := NewRoomCoordinator(hub, p, 20)

	alice := seedUser(t, p, "alice", "Alice")
	bob := seedUser(t, p, "bob", "Bob")
	seedRoom(t, p, "general", "General")

	aliceConn := testClient(hub, alice)
	hub.Subscribe(aliceConn, "general")
	bobConn := testClient(hub, bob) // not subscribed anywhere yet

	_, _, err := rc.Invite(alice, "general", []string{"bob"})
	require.NoError(t, err)

	assert.Equal(t, []string{types.EventInvitedToRoom}, eventNames(received(t, aliceConn)))
	assert.Equal(t, []string{types.EventInvitedToRoom}, eventNames(received(t, bobConn)),
		"a first-time invitee's connection must be told about the room directly")

	// a re-entry is not a first-time invite, only the room broadcast goes out
	require.NoError(t, p.MarkMembersLeft("general", []string{"bob"}))
	_, _, err = rc.Invite(alice, "general", []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{types.EventInvitedToRoom}, eventNames(received(t, aliceConn)))
	assert.Empty(t, received(t, bobConn))
}

func TestInviteValidation(t *testing.T) {
	p := newTestPersister(t)
	rc := NewRoomCoordinator(NewHub(), p, 20)
	alice := seedUser(t, p, "alice", "Alice")

	_, _, err := rc.Invite(alice, "", []string{"bob"})
	assert.True(t, errors.Is(err, types.ErrValidation))
	_, _, err = rc.Invite(alice, "general", nil)
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestRemoveKeepsRowAndSubscription(t *testing.T) {
	p := newTestPersister(t)
	hub := NewHub()
	rc := NewRoomCoordinator(hub, p, 20)

	alice := seedUser(t, p, "alice", "Alice")
	bob := seedUser(t, p, "bob", "Bob")
	seedRoom(t, p, "general", "General")
	_, _, err := p.UpsertMemberships("general", []string{"alice", "bob"})
	require.NoError(t, err)

	bobConn := testClient(hub, bob)
	hub.Subscribe(bobConn, "general")
	bobPhone := testClient(hub, bob) // second device, not viewing the room

	snapshot, err := rc.Remove(alice, "general", []string{"bob"})
	require.NoError(t, err)

	membership, err := p.GetMembership("general", "bob")
	require.NoError(t, err)
	assert.True(t, membership.UserLeft, "removal flips the membership, it does not delete it")
	member := snapshot.Member("bob")
	require.NotNil(t, member)
	assert.True(t, member.UserLeft)

	// the removed user's live connection learns about it exactly once (the
	// room broadcast already covers it) and is not cut off
	assert.Equal(t, []string{types.EventRemovedFromRoom}, eventNames(received(t, bobConn)))
	assert.True(t, hub.IsSubscribed(bobConn, "general"))
	// the device not viewing the room gets the direct delivery instead
	assert.Equal(t, []string{types.EventRemovedFromRoom}, eventNames(received(t, bobPhone)))
}

func TestAddFriendsNotifiesBothParties(t *testing.T) {
	p := newTestPersister(t)
	hub := NewHub()
	rc := NewRoomCoordinator(hub, p, 20)

	alice := seedUser(t, p, "alice", "Alice")
	bob := seedUser(t, p, "bob", "Bob")

	aliceConn := testClient(hub, alice)
	bobConn := testClient(hub, bob)

	require.NoError(t, rc.AddFriends(alice, []string{"bob"}))
	assert.Equal(t, []string{types.EventAddedFriend}, eventNames(received(t, aliceConn)))
	assert.Equal(t, []string{types.EventAddedFriend}, eventNames(received(t, bobConn)))
}

func TestJoinLiveSkipsEmptyIds(t *testing.T) {
	hub := NewHub()
	rc := NewRoomCoordinator(hub, nil, 20)
	c := testClient(hub, &types.User{Id: "alice"})

	rc.JoinLive(c, []string{"", "general", "general"})
	assert.Equal(t, []string{"general"}, hub.SubscribedRooms(c))
}
